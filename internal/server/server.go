package server

import (
	"io"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relaynet/turnd/internal/allocator"
	"github.com/relaynet/turnd/internal/auth"
	"github.com/relaynet/turnd/internal/filter"
	"github.com/relaynet/turnd/stun"
	"github.com/relaynet/turnd/turn"
)

// Server is a TURN relay with a plain STUN Binding fallback.
//
// Current implementation is UDP only and does not support ALTERNATE-SERVER
// or backwards compatibility with RFC 3489.
type Server struct {
	addr        turn.Addr
	conns       []io.Closer
	conn        net.PacketConn
	auth        Auth
	nonce       NonceManager
	cfg         atomic.Value
	log         *zap.Logger
	allocs      *allocator.Allocator
	relay       *allocator.Pool
	close       chan struct{}
	handlers    map[stun.MessageType]handleFunc
	pool        *workerPool
	wg          sync.WaitGroup
	reusePort   bool
	promMetrics *promMetrics
}

func (s *Server) config() config { return s.cfg.Load().(config) }

// setOptions updates the subset of configuration that is safe to reload at
// runtime: AuthForSTUN, Software, Realm, PeerRule, ClientRule,
// DebugCollect, MetricsEnabled.
func (s *Server) setOptions(opt Options) { s.cfg.Store(s.newConfig(opt)) }

// Options configures a new Server.
type Options struct {
	Software       string // SOFTWARE attribute omitted if blank
	Realm          string
	Auth           Auth // no authentication if nil
	Conn           net.PacketConn
	Labels         prometheus.Labels // prometheus labels
	Registry       MetricsRegistry   // prometheus registry
	MetricsEnabled bool              // enable prometheus metrics (adds overhead)
	NonceManager   NonceManager      // optional nonce manager implementation
	PeerRule       filter.Rule
	ClientRule     filter.Rule // filtering rule for listeners
	Log            *zap.Logger
	CollectRate    time.Duration
	Workers        int           // maximum workers count
	NonceDuration  time.Duration // auth.DefaultNonceLifetime if 0
	ManualStart    bool          // don't start background activity
	AuthForSTUN    bool          // require auth for binding requests
	ReusePort      bool          // spawn more sockets on same port if available
	DebugCollect   bool          // log every collect tick

	// RelayListenIP is the address the fixed relay port range is bound on.
	// Defaults to Conn's local IP.
	RelayListenIP net.IP
	// RelayAddressStart is the first port of the fixed relay range.
	RelayAddressStart int
	// RelayAddressCount is the number of ports in the fixed relay range.
	RelayAddressCount int
}

// Auth verifies a request's long-term credential.
type Auth interface {
	Authenticate(m *stun.Message, realm string) (stun.MessageIntegrity, error)
}

// NonceManager issues and validates nonces used to challenge an
// unauthenticated request.
type NonceManager interface {
	Issue(now time.Time) string
	Check(value string, now time.Time) error
	CleanupExpired(now time.Time)
}

// MetricsRegistry is a prometheus collector registry.
type MetricsRegistry interface {
	Register(c prometheus.Collector) error
}

// New builds a Server from Options, pre-binding its fixed relay port range.
func New(o Options) (*Server, error) {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	if o.Workers == 0 {
		o.Workers = 100
	}
	if o.CollectRate == 0 {
		o.CollectRate = time.Minute
	}
	if len(o.Labels) == 0 {
		o.Labels = prometheus.Labels{}
	}
	o.Labels["addr"] = o.Conn.LocalAddr().String()

	relayIP := o.RelayListenIP
	if relayIP == nil {
		if a, ok := o.Conn.LocalAddr().(*net.UDPAddr); ok {
			relayIP = a.IP
		}
	}
	relay, err := allocator.NewPool(o.Log.Named("pool"), relayIP, o.RelayAddressStart, o.RelayAddressCount)
	if err != nil {
		return nil, errors.Wrap(err, "failed to bind relay address pool")
	}

	s := &Server{
		auth:      o.Auth,
		conn:      o.Conn,
		relay:     relay,
		close:     make(chan struct{}),
		reusePort: reuseport.Available() && o.ReusePort,
	}
	s.allocs = allocator.New(allocator.Options{
		Log:    o.Log.Named("allocator"),
		Relay:  relay,
		Labels: o.Labels,
	})
	if o.NonceManager == nil {
		o.NonceManager = auth.NewNonceAuth(o.NonceDuration)
	}
	s.nonce = o.NonceManager
	if o.PeerRule == nil {
		o.PeerRule = filter.AllowAll
	}
	if o.ClientRule == nil {
		o.ClientRule = filter.AllowAll
	}
	s.promMetrics = newPromMetrics(o.Labels)
	s.cfg.Store(s.newConfig(o))
	s.setHandlers()
	if a, ok := o.Conn.LocalAddr().(*net.UDPAddr); ok {
		s.addr.IP = a.IP
		s.addr.Port = a.Port
	} else {
		return nil, errors.New("unexpected local addr")
	}
	s.log = o.Log.With(zap.Stringer("server", s.addr))
	if !o.ManualStart {
		s.Start(o.CollectRate)
	}
	if o.Registry != nil {
		if err := o.Registry.Register(s.allocs); err != nil {
			return nil, errors.Wrap(err, "failed to register allocator metrics")
		}
		if err := o.Registry.Register(s.promMetrics); err != nil {
			return nil, errors.Wrap(err, "failed to register server metrics")
		}
	}
	s.pool = &workerPool{
		Logger:          s.log.Named("pool"),
		WorkerFunc:      s.serveConn,
		MaxWorkersCount: o.Workers,
	}
	return s, nil
}

// Start begins the background allocation/nonce expiry sweep.
func (s *Server) Start(rate time.Duration) { s.startCollect(rate) }

func (s *Server) startCollect(rate time.Duration) {
	s.wg.Add(1)
	s.log.Debug("started startCollect with rate", zap.Duration("rate", rate))
	t := time.NewTicker(rate)
	go func() {
		s.log.Debug("startCollect goroutine starting")
		defer s.log.Debug("startCollect goroutine returned")
		defer s.wg.Done()
		for {
			select {
			case now := <-t.C:
				if s.config().debugCollect {
					s.log.Debug("collecting")
				}
				s.collect(now)
			case <-s.close:
				return
			}
		}
	}()
}

func (s *Server) collect(t time.Time) {
	s.allocs.Prune(t)
	s.nonce.CleanupExpired(t)
}

// Close stops background activity, the worker pool and every listening
// socket.
func (s *Server) Close() error {
	close(s.close)
	s.log.Debug("closing")
	s.pool.Stop()
	var err error
	if closeErr := s.conn.Close(); closeErr != nil {
		err = multierr.Append(err, errors.Wrap(closeErr, "close listener"))
	}
	for _, conn := range s.conns {
		if closeErr := conn.Close(); closeErr != nil {
			err = multierr.Append(err, errors.Wrap(closeErr, "close listener"))
		}
	}
	if closeErr := s.relay.Close(); closeErr != nil {
		err = multierr.Append(err, errors.Wrap(closeErr, "close relay pool"))
	}
	s.wg.Wait()
	if err != nil {
		s.log.Warn("errors while closing", zap.Error(err))
	}
	return err
}

var errNotSTUNMessage = errors.New("not stun message")

func (s *Server) process(ctx *context) error {
	// De-multiplexing STUN and TURN's ChannelData messages, checks ordered
	// from faster to slower.
	switch {
	case stun.IsMessage(ctx.request.Raw):
		ctx.cfg.metrics.incSTUNMessages()
		return s.processMessage(ctx)
	case turn.IsChannelData(ctx.request.Raw):
		return s.processChannelData(ctx)
	default:
		if ce := s.log.Check(zapcore.DebugLevel, "not looks like stun message"); ce != nil {
			ce.Write(zap.Stringer("addr", ctx.client))
		}
		return errNotSTUNMessage
	}
}

func (s *Server) serveConn(ctx *context) error {
	ctx.time = time.Now()
	ctx.request.Raw = ctx.buf
	ctx.cdata.Raw = ctx.buf
	switch a := ctx.addr.(type) {
	case *net.UDPAddr:
		ctx.client = turn.Addr{IP: a.IP, Port: a.Port}
		ctx.proto = turn.ProtoUDP
	default:
		s.log.Error("unknown addr", zap.Stringer("addr", ctx.addr))
		return errors.Errorf("unknown addr %s", ctx.addr)
	}
	if !ctx.allowClient(ctx.client) {
		if ce := s.log.Check(zapcore.DebugLevel, "client denied"); ce != nil {
			ce.Write(zap.Stringer("addr", ctx.client))
		}
		return nil
	}
	ctx.setTuple()
	if processErr := s.process(ctx); processErr != nil {
		if processErr != errNotSTUNMessage {
			s.log.Error("process failed", zap.Error(processErr))
		}
		return nil
	}
	if len(ctx.response.Raw) == 0 {
		// Indication: no reply to send.
		return nil
	}
	if setErr := ctx.conn.SetWriteDeadline(ctx.time.Add(time.Second)); setErr != nil {
		s.log.Warn("failed to set deadline", zap.Error(setErr))
	}
	_, writeErr := ctx.conn.WriteTo(ctx.response.Raw, ctx.addr)
	if writeErr != nil && !isErrConnClosed(writeErr) {
		s.log.Warn("writeTo failed", zap.Error(writeErr))
		return writeErr
	}
	return nil
}

func isErrConnClosed(err error) bool {
	return strings.HasSuffix(err.Error(), "use of closed network connection")
}

func (s *Server) worker(conn net.PacketConn) {
	defer s.wg.Done()
	s.log.Debug("worker started")
	defer s.log.Debug("worker done")
	buf := make([]byte, 2048)
	for {
		select {
		case <-s.close:
			return
		default:
			// pass
		}
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if !isErrConnClosed(err) {
				s.log.Warn("readFrom failed", zap.Error(err))
			}
			break
		}

		ctx := acquireContext()
		ctx.conn = conn
		ctx.buf = ctx.buf[:cap(ctx.buf)]
		copy(ctx.buf, buf)
		ctx.addr = addr
		ctx.buf = ctx.buf[:n]
		ctx.server = s.addr
		ctx.cfg = s.config()

		for i := 0; i < 7; i++ {
			if s.pool.Serve(ctx) {
				break
			}
			s.log.Warn("not enough workers")
			time.Sleep(300 * time.Millisecond)
		}
	}
}

func (s *Server) start() {
	s.pool.Start()
}

// Serve reads packets from the listening connection (and, if ReusePort is
// available, additional sockets on the same address) and dispatches them
// to the worker pool.
func (s *Server) Serve() error {
	s.start()
	for i := 0; i < runtime.GOMAXPROCS(-1); i++ {
		s.wg.Add(1)
		if s.reusePort {
			s.log.Debug("reusing port for worker", zap.Int("w", i))
			laddr := s.conn.LocalAddr()
			conn, err := reuseport.ListenPacket(laddr.Network(), laddr.String())
			if err != nil {
				s.log.Warn("failed to listen for additional socket")
				conn = s.conn
			} else {
				s.conns = append(s.conns, conn)
			}
			go s.worker(conn)
		} else {
			go s.worker(s.conn)
		}
	}
	s.wg.Wait()
	return nil
}
