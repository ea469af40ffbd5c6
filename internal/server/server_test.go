package server

import (
	"bytes"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaynet/turnd/internal/auth"
	"github.com/relaynet/turnd/internal/testutil"
	"github.com/relaynet/turnd/stun"
	"github.com/relaynet/turnd/turn"
)

func isErr(m *stun.Message) bool {
	return m.Type.Class == stun.ClassErrorResponse
}

func do(logger *zap.Logger, req, res *stun.Message, c *net.UDPConn, attrs ...stun.Setter) error {
	start := time.Now()
	if err := req.Build(attrs...); err != nil {
		logger.Error("failed to build", zap.Error(err))
		return err
	}
	if _, err := req.WriteTo(c); err != nil {
		logger.Error("failed to write", zap.Error(err), zap.Stringer("m", req))
		return err
	}
	logger.Info("sent message", zap.Stringer("m", req), zap.Stringer("t", req.Type))
	if cap(res.Raw) < 800 {
		res.Raw = make([]byte, 0, 1024)
	}
	res.Reset()
	if err := c.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return err
	}
	if _, err := res.ReadFrom(c); err != nil {
		logger.Error("failed to read", zap.Error(err), zap.Stringer("m", req))
		return err
	}
	if req.Type.Class != stun.ClassIndication && req.TransactionID != res.TransactionID {
		return fmt.Errorf("transaction ID mismatch: %x (got) != %x (expected)",
			req.TransactionID, res.TransactionID)
	}
	logger.Info("got message",
		zap.Stringer("m", res), zap.Stringer("t", res.Type), zap.Duration("rtt", time.Since(start)))
	return nil
}

func listenUDP(t testing.TB, addrs ...string) (*net.UDPConn, *net.UDPAddr) {
	addr := "127.0.0.1:0"
	if len(addrs) > 0 {
		addr = addrs[0]
	}
	rAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		t.Fatal(err)
	}
	conn, err := net.ListenUDP("udp", rAddr)
	if err != nil {
		t.Fatal(err)
	}
	udpAddr, err := net.ResolveUDPAddr("udp", conn.LocalAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	return conn, udpAddr
}

// relayPortCounter hands each test in this package a disjoint relay port
// range so tests sharing the process never collide on a bind.
var relayPortCounter int32 = 55000

func nextRelayRange(count int) int {
	return int(atomic.AddInt32(&relayPortCounter, int32(count))) - count
}

// newServer builds a Server listening on a fresh loopback socket with a
// small relay pool, returning a teardown func that closes it.
func newServer(t testing.TB, opt Options) (*Server, func()) {
	t.Helper()
	conn, _ := listenUDP(t)
	opt.Conn = conn
	if opt.Log == nil {
		opt.Log = zap.NewNop()
	}
	if opt.RelayAddressCount == 0 {
		opt.RelayAddressCount = 4
	}
	if opt.RelayAddressStart == 0 {
		opt.RelayAddressStart = nextRelayRange(opt.RelayAddressCount)
	}
	s, err := New(opt)
	if err != nil {
		t.Fatal(err)
	}
	return s, func() {
		if err := s.Close(); err != nil {
			t.Error(err)
		}
	}
}

func testAuth() *auth.Directory {
	return auth.NewDirectory([]auth.Credential{{Username: "username", Password: "secret"}})
}

func TestServerIntegration(t *testing.T) {
	echoConn, echoUDPAddr := listenUDP(t)
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatal(err)
	}
	s, stop := newServer(t, Options{
		Log:   logger.Named("server"),
		Realm: "realm",
		Auth:  testAuth(),
	})
	defer stop()
	serverUDPAddr := &net.UDPAddr{IP: s.addr.IP, Port: s.addr.Port}

	go func() {
		logger.Info("listening as echo server", zap.Stringer("laddr", echoUDPAddr))
		for {
			buf := make([]byte, 1024)
			n, addr, err := echoConn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			if _, err := echoConn.WriteToUDP(buf[:n], addr); err != nil {
				logger.Error("failed to write back", zap.Error(err))
			}
		}
	}()
	go func() {
		if err := s.Serve(); err != nil {
			t.Error(err)
		}
	}()

	c, err := net.DialUDP("udp", nil, serverUDPAddr)
	if err != nil {
		t.Fatal(err)
	}
	var (
		req      = stun.New()
		res      = stun.New()
		username = stun.NewUsername("username")
		password = "secret"
		code     stun.ErrorCodeAttribute
	)
	logger.Info("dial server", zap.Stringer("laddr", c.LocalAddr()), zap.Stringer("raddr", c.RemoteAddr()))

	// Allocate without integrity: challenged with 401, nonce and realm.
	if err := do(logger, req, res, c,
		username,
		stun.TransactionID,
		stun.AllocateRequest,
		turn.RequestedTransportUDP,
	); err != nil {
		t.Fatal(err)
	}
	if !isErr(res) {
		t.Fatal("expected error response")
	}
	var (
		nonce stun.Nonce
		realm stun.Realm
	)
	if err := res.Parse(&nonce, &realm); err != nil {
		t.Fatal("failed to get nonce and realm", err)
	}
	// Both alias res.Raw, which the next do call overwrites.
	nonce = append(stun.Nonce(nil), nonce...)
	realm = append(stun.Realm(nil), realm...)
	integrity := stun.NewLongTermIntegrity(username.String(), realm.String(), password)

	// Authenticated allocate.
	if err := do(logger, req, res, c,
		username, nonce, realm,
		stun.TransactionID,
		stun.AllocateRequest,
		turn.RequestedTransportUDP,
		integrity,
	); err != nil {
		t.Fatal(err)
	}
	if isErr(res) {
		code.GetFrom(res) //nolint:errcheck
		t.Fatal("got error response", code)
	}

	var (
		reladdr turn.RelayedAddress
		maddr   stun.XORMappedAddress
	)
	if err := reladdr.GetFrom(res); err != nil {
		t.Fatal("failed to get relayed address", err)
	}
	if err := maddr.GetFrom(res); err != nil && err != stun.ErrAttributeNotFound {
		t.Fatal("failed to decode mapped address", err)
	}

	peerAddr := turn.PeerAddress{IP: echoUDPAddr.IP, Port: echoUDPAddr.Port}
	if err := do(logger, req, res, c, stun.TransactionID,
		stun.CreatePermissionRequest,
		username, nonce, realm,
		peerAddr,
		integrity,
	); err != nil {
		t.Fatal(err)
	}
	if isErr(res) {
		code.GetFrom(res) //nolint:errcheck
		t.Fatal("failed to create permission", code)
	}

	sentData := turn.Data("Hello world!")
	if err := do(logger, req, res, c, stun.TransactionID,
		stun.SendIndication,
		username, nonce, realm,
		sentData,
		peerAddr,
		integrity,
	); err != nil {
		t.Fatal(err)
	}
	var data turn.Data
	if err := data.GetFrom(res); err != nil {
		t.Fatal("failed to get DATA attribute", err)
	}
	if !bytes.Equal(data, sentData) {
		t.Error("DATA mismatch")
	}

	// De-allocate.
	if err := do(logger, req, res, c,
		username, nonce, realm,
		stun.TransactionID,
		stun.RefreshRequest,
		turn.Lifetime{},
		integrity,
	); err != nil {
		t.Fatal(err)
	}
	if isErr(res) {
		code.GetFrom(res) //nolint:errcheck
		t.Fatal("got error response on deallocate", code)
	}
}

func TestServer_processBindingRequest(t *testing.T) {
	s, stop := newServer(t, Options{Auth: testAuth()})
	defer stop()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 34567}
	m := stun.MustBuild(stun.BindingRequest)
	ctx := &context{
		cfg:      s.config(),
		request:  new(stun.Message),
		response: new(stun.Message),
		cdata:    new(turn.ChannelData),
	}
	ctx.request.Raw = make([]byte, len(m.Raw))
	ctx.request.Raw = ctx.request.Raw[:len(m.Raw)]
	ctx.client = turn.Addr{IP: addr.IP, Port: addr.Port}
	copy(ctx.request.Raw, m.Raw)
	if err := s.process(ctx); err != nil {
		t.Fatal(err)
	}
	t.Run("ZeroAlloc", func(t *testing.T) {
		ctx.request.Raw = ctx.request.Raw[:len(m.Raw)]
		ctx.client = turn.Addr{IP: addr.IP, Port: addr.Port}
		copy(ctx.request.Raw, m.Raw)
		testutil.ShouldNotAllocate(t, func() {
			s.process(ctx) //nolint:errcheck
		})
	})
}

func BenchmarkServer_processBindingRequest(b *testing.B) {
	b.ReportAllocs()
	s, stop := newServer(b, Options{Auth: testAuth()})
	defer stop()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 34567}
	m := stun.MustBuild(stun.BindingRequest)
	b.ResetTimer()
	ctx := &context{
		cfg:      s.config(),
		request:  new(stun.Message),
		response: new(stun.Message),
		cdata:    new(turn.ChannelData),
	}
	ctx.request.Raw = make([]byte, len(m.Raw))
	for i := 0; i < b.N; i++ {
		ctx.request.Raw = ctx.request.Raw[:len(m.Raw)]
		ctx.client = turn.Addr{IP: addr.IP, Port: addr.Port}
		copy(ctx.request.Raw, m.Raw)
		if err := s.process(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func TestServer_notStun(t *testing.T) {
	s, stop := newServer(t, Options{Auth: testAuth()})
	defer stop()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 34567}
	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = byte(i % 127)
	}
	ctx := &context{
		cfg:      s.config(),
		request:  new(stun.Message),
		response: new(stun.Message),
		cdata:    new(turn.ChannelData),
	}
	ctx.request.Raw = make([]byte, len(buf), 1024)
	ctx.cdata.Raw = ctx.request.Raw
	copy(ctx.request.Raw, buf)
	ctx.client = turn.Addr{IP: addr.IP, Port: addr.Port}
	if err := s.process(ctx); err != errNotSTUNMessage {
		t.Fatal(err)
	}
	t.Run("ZeroAlloc", func(t *testing.T) {
		ctx.request.Raw = ctx.request.Raw[:len(buf)]
		copy(ctx.request.Raw, buf)
		ctx.client = turn.Addr{IP: addr.IP, Port: addr.Port}
		testutil.ShouldNotAllocate(t, func() {
			s.process(ctx) //nolint:errcheck
		})
	})
}
