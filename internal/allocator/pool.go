package allocator

import (
	"crypto/rand"
	"errors"
	"io"
	"math/big"
	mathRand "math/rand"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/relaynet/turnd/turn"
)

// pooledPort is one pre-bound UDP socket in the relay-address range.
type pooledPort struct {
	port      int
	addr      *net.UDPAddr
	conn      *net.UDPConn
	allocated bool
}

// Pool is the fixed relay-address pool:
// every UDP socket in [relay_address_start, relay_address_start+count) is
// pre-bound at startup, and New/Remove hand out and reclaim them without
// ever asking the OS for an arbitrary port. It implements
// RelayedAddrAllocator.
type Pool struct {
	log     *zap.Logger
	network string
	ip      net.IP
	minPort int
	maxPort int
	ports   []pooledPort
	free    []int
	mux     sync.Mutex
	rand    io.Reader
}

// NewPool pre-binds every port in [start, start+count) on ip and returns a
// ready-to-use Pool. It fails closed: if any port in the range cannot be
// bound, every port bound so far is closed and an error is returned, so
// the relay address set is always a fixed, fully-available configuration.
func NewPool(log *zap.Logger, ip net.IP, start, count int) (*Pool, error) {
	if count <= 0 {
		return nil, errors.New("allocator: relay_address_count must be positive")
	}
	p := &Pool{
		log:     log,
		network: "udp4",
		ip:      ip,
		minPort: start,
		maxPort: start + count - 1,
		rand:    rand.Reader,
	}
	if err := p.init(); err != nil {
		return nil, err
	}
	return p, nil
}

func (a *Pool) init() error {
	for port := a.minPort; port <= a.maxPort; port++ {
		addr := &net.UDPAddr{IP: a.ip, Port: port}
		conn, err := net.ListenUDP(a.network, addr)
		if err != nil {
			return multierr.Append(err, a.closeAll())
		}
		a.ports = append(a.ports, pooledPort{port: port, addr: addr, conn: conn})
	}
	a.log.Info("relay address pool ready", zap.Int("size", len(a.ports)))
	return nil
}

// closeAll closes every bound port, combining whatever errors the
// individual Close calls return rather than discarding all but the last.
func (a *Pool) closeAll() error {
	var err error
	for i := range a.ports {
		err = multierr.Append(err, a.ports[i].conn.Close())
	}
	a.ports = a.ports[:0]
	return err
}

// Close de-allocates every port in the pool.
func (a *Pool) Close() error {
	a.mux.Lock()
	defer a.mux.Unlock()
	return a.closeAll()
}

// ErrInsufficientCapacity is returned by New when every port in the pool is
// currently allocated, mapped to TURN's 508 by the request handlers.
var ErrInsufficientCapacity = errors.New("allocator: relay address pool exhausted")

func (a *Pool) randomFree() (int, bool) {
	a.free = a.free[:0]
	for i := range a.ports {
		if !a.ports[i].allocated {
			a.free = append(a.free, i)
		}
	}
	if len(a.free) == 0 {
		return 0, false
	}
	max := big.NewInt(int64(len(a.free)))
	i := 0
	if n, err := rand.Int(a.rand, max); err == nil {
		i = int(n.Int64())
	} else {
		i = mathRand.Intn(len(a.free))
	}
	return a.free[i], true
}

// New hands out one free port from the pool bound for proto, the
// RelayedAddrAllocator.New half of the allocator interface.
func (a *Pool) New(proto turn.Protocol) (turn.Addr, net.PacketConn, error) {
	if proto != turn.ProtoUDP {
		return turn.Addr{}, nil, errors.New("allocator: unsupported transport protocol")
	}
	a.mux.Lock()
	idx, ok := a.randomFree()
	if !ok {
		a.mux.Unlock()
		return turn.Addr{}, nil, ErrInsufficientCapacity
	}
	a.ports[idx].allocated = true
	port := a.ports[idx]
	a.mux.Unlock()
	return turn.Addr{IP: a.ip, Port: port.port}, port.conn, nil
}

// Remove returns addr's port to the pool, re-binding a fresh socket on it
// so a stale read deadline or buffered datagram from the prior allocation
// cannot leak into the next one.
func (a *Pool) Remove(addr turn.Addr, proto turn.Protocol) error {
	a.mux.Lock()
	defer a.mux.Unlock()
	for i := range a.ports {
		if a.ports[i].port != addr.Port {
			continue
		}
		var err error
		if closeErr := a.ports[i].conn.Close(); closeErr != nil {
			err = multierr.Append(err, closeErr)
		}
		conn, bindErr := net.ListenUDP(a.network, a.ports[i].addr)
		a.ports[i].allocated = false
		if bindErr != nil {
			a.ports[i].conn = nil
			return multierr.Append(err, bindErr)
		}
		a.ports[i].conn = conn
		if err != nil {
			a.log.Warn("errors releasing relay socket", zap.Error(err))
		}
		return err
	}
	return nil
}
