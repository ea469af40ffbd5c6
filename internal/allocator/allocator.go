// Package allocator implements the TURN allocation state machine: per-client
// relay sockets, permissions, channel bindings and the fixed relay-address
// pool they are drawn from.
package allocator

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/relaynet/turnd/turn"
)

// Lifetime bounds per RFC 5766: a fresh allocation defaults to 10 minutes,
// may never be refreshed past 1 hour, and a permission (or the channel
// binding riding on it) is valid for 5 minutes from its most recent grant
// or refresh.
const (
	DefaultLifetime    = 600 * time.Second
	MaxLifetime        = 3600 * time.Second
	PermissionLifetime = 300 * time.Second
)

// ErrAllocationMismatch is returned when an operation names a client
// 5-tuple with no live allocation (or, for New, one that already has a
// live allocation) — TURN's 437.
var ErrAllocationMismatch = errors.New("allocator: 5-tuple allocation mismatch")

// ErrPermissionNotFound is returned by Send/SendBound when no permission
// (or channel binding) authorizes forwarding to the requested peer. The
// caller drops the datagram silently; this is never surfaced to the client.
var ErrPermissionNotFound = errors.New("allocator: permission not found")

// ErrInvalidLifetime is returned when a requested lifetime exceeds
// MaxLifetime — TURN's 400.
var ErrInvalidLifetime = errors.New("allocator: lifetime exceeds maximum")

// ErrChannelBindConflict is returned when a ChannelBind names a channel
// already bound to a different peer, or a peer already bound to a
// different channel — TURN's 400.
var ErrChannelBindConflict = errors.New("allocator: channel binding conflict")

// RelayedAddrAllocator hands out and reclaims relay transport addresses.
// Pool is the only production implementation, backed by a fixed,
// pre-bound port range.
type RelayedAddrAllocator interface {
	New(proto turn.Protocol) (turn.Addr, net.PacketConn, error)
	Remove(addr turn.Addr, proto turn.Protocol) error
}

// Options configures a new Allocator.
type Options struct {
	Log    *zap.Logger
	Relay  RelayedAddrAllocator
	Labels prometheus.Labels
}

// Allocator owns every live Allocation for a server instance. All mutation
// happens here, under allocsMux: callers never receive a mutable handle
// into an Allocation, only values copied out for inspection, so that
// Send/CreatePermission/ChannelBind races are impossible by construction.
type Allocator struct {
	log       *zap.Logger
	allocsMux sync.RWMutex
	allocs    []Allocation
	raddr     RelayedAddrAllocator
	metrics   map[string]*prometheus.Desc
}

// New builds an Allocator backed by raddr.
func New(o Options) *Allocator {
	if o.Log == nil {
		o.Log = zap.NewNop()
	}
	return &Allocator{
		log:   o.Log,
		raddr: o.Relay,
		metrics: map[string]*prometheus.Desc{
			"allocation_count": prometheus.NewDesc("turnd_allocation_count",
				"Total number of live allocations.", nil, o.Labels),
			"permission_count": prometheus.NewDesc("turnd_permission_count",
				"Total number of permissions across all allocations.", nil, o.Labels),
			"binding_count": prometheus.NewDesc("turnd_binding_count",
				"Total number of channel bindings across all allocations.", nil, o.Labels),
		},
	}
}

// Describe implements prometheus.Collector.
func (a *Allocator) Describe(c chan<- *prometheus.Desc) {
	for _, d := range a.metrics {
		c <- d
	}
}

// Collect implements prometheus.Collector.
func (a *Allocator) Collect(c chan<- prometheus.Metric) {
	s := a.Stats()
	c <- prometheus.MustNewConstMetric(a.metrics["allocation_count"], prometheus.GaugeValue, float64(s.Allocations))
	c <- prometheus.MustNewConstMetric(a.metrics["permission_count"], prometheus.GaugeValue, float64(s.Permissions))
	c <- prometheus.MustNewConstMetric(a.metrics["binding_count"], prometheus.GaugeValue, float64(s.Bindings))
}

func (a *Allocator) find(tuple turn.FiveTuple) int {
	for i := range a.allocs {
		if a.allocs[i].Tuple.Equal(tuple) {
			return i
		}
	}
	return -1
}

// New creates the relay allocation for tuple, clamping a zero lifetime to
// DefaultLifetime and rejecting one above MaxLifetime. A duplicate tuple is
// rejected with ErrAllocationMismatch without touching the relay pool.
func (a *Allocator) New(
	tuple turn.FiveTuple, username string, lifetime time.Duration, now time.Time, callback PeerHandler,
) (turn.Addr, time.Duration, error) {
	if tuple.Proto != turn.ProtoUDP {
		return turn.Addr{}, 0, errors.New("allocator: unsupported transport protocol")
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	if lifetime > MaxLifetime {
		return turn.Addr{}, 0, ErrInvalidLifetime
	}

	l := a.log.Named("allocation").With(zap.Stringer("tuple", tuple))

	a.allocsMux.Lock()
	if a.find(tuple) >= 0 {
		a.allocsMux.Unlock()
		return turn.Addr{}, 0, ErrAllocationMismatch
	}
	// Insert a placeholder before calling out to the relay pool, which can
	// block, so a concurrent Allocate against the same tuple is rejected
	// immediately instead of racing the pool allocation below.
	a.allocs = append(a.allocs, Allocation{
		Username:  username,
		Tuple:     tuple,
		CreatedAt: now,
		Lifetime:  lifetime,
		Timeout:   now.Add(lifetime),
		Log:       l,
	})
	a.allocsMux.Unlock()

	raddr, conn, err := a.raddr.New(tuple.Proto)
	if err != nil {
		// The placeholder must be removed on failure: leaving it in place
		// would wedge this tuple so it can never retry Allocate.
		a.allocsMux.Lock()
		if i := a.find(tuple); i >= 0 {
			a.allocs = append(a.allocs[:i], a.allocs[i+1:]...)
		}
		a.allocsMux.Unlock()
		return turn.Addr{}, 0, err
	}

	l = l.With(zap.Stringer("raddr", raddr))
	buf := make([]byte, 2048)
	var allocation Allocation
	a.allocsMux.Lock()
	if i := a.find(tuple); i >= 0 {
		a.allocs[i].Conn = conn
		a.allocs[i].RelayedAddr = raddr
		a.allocs[i].Buf = buf
		a.allocs[i].Log = l
		a.allocs[i].Callback = callback
		allocation = a.allocs[i]
	}
	a.allocsMux.Unlock()

	go allocation.ReadUntilClosed()
	return raddr, lifetime, nil
}

// CreatePermission installs or refreshes a 5-minute permission for peer on
// tuple's allocation.
func (a *Allocator) CreatePermission(tuple turn.FiveTuple, peer turn.Addr, now time.Time) error {
	a.allocsMux.Lock()
	defer a.allocsMux.Unlock()
	i := a.find(tuple)
	if i < 0 {
		return ErrAllocationMismatch
	}
	timeout := now.Add(PermissionLifetime)
	for k := range a.allocs[i].Permissions {
		if a.allocs[i].Permissions[k].Addr.Equal(peer) {
			a.allocs[i].Permissions[k].Timeout = timeout
			return nil
		}
	}
	a.allocs[i].Permissions = append(a.allocs[i].Permissions, Permission{Addr: peer, Timeout: timeout})
	return nil
}

// ChannelBind installs or refreshes a channel binding. Rebinding the same
// channel to the same peer is idempotent; binding a channel already bound
// to a different peer, or a peer already bound to a different channel, is
// rejected with ErrChannelBindConflict, per RFC 5766 Section 11.2.
func (a *Allocator) ChannelBind(tuple turn.FiveTuple, n turn.ChannelNumber, peer turn.Addr, now time.Time) error {
	if !n.Valid() {
		return turn.ErrInvalidChannelNumber
	}
	a.allocsMux.Lock()
	defer a.allocsMux.Unlock()
	i := a.find(tuple)
	if i < 0 {
		return ErrAllocationMismatch
	}
	timeout := now.Add(PermissionLifetime)
	perms := a.allocs[i].Permissions
	for k := range perms {
		if perms[k].conflicts(n, peer) {
			return ErrChannelBindConflict
		}
	}
	for k := range perms {
		if perms[k].Addr.Equal(peer) {
			perms[k].Binding = n
			perms[k].Timeout = timeout
			return nil
		}
	}
	a.allocs[i].Permissions = append(perms, Permission{Addr: peer, Binding: n, Timeout: timeout})
	return nil
}

// Bound returns the channel number bound to peer on tuple's allocation, if
// any, provided the binding's underlying permission has not expired as of
// now.
func (a *Allocator) Bound(tuple turn.FiveTuple, peer turn.Addr, now time.Time) (turn.ChannelNumber, error) {
	a.allocsMux.RLock()
	defer a.allocsMux.RUnlock()
	i := a.find(tuple)
	if i < 0 {
		return 0, ErrAllocationMismatch
	}
	for _, p := range a.allocs[i].Permissions {
		if p.Addr.Equal(peer) && p.Binding != 0 && p.Timeout.After(now) {
			return p.Binding, nil
		}
	}
	return 0, ErrPermissionNotFound
}

// HasPermission reports whether peer has a live, unexpired permission on
// tuple's allocation as of now.
func (a *Allocator) HasPermission(tuple turn.FiveTuple, peer turn.Addr, now time.Time) bool {
	a.allocsMux.RLock()
	defer a.allocsMux.RUnlock()
	i := a.find(tuple)
	if i < 0 {
		return false
	}
	for _, p := range a.allocs[i].Permissions {
		if p.Addr.Equal(peer) {
			return p.Timeout.After(now)
		}
	}
	return false
}

// Refresh updates tuple's allocation lifetime, restarting its expiry clock
// at now. Callers must route a requested lifetime of zero to Remove
// instead; zero means deallocate, per RFC 5766 Section 7.2.
func (a *Allocator) Refresh(tuple turn.FiveTuple, lifetime time.Duration, now time.Time) (time.Duration, error) {
	if lifetime > MaxLifetime {
		return 0, ErrInvalidLifetime
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	a.allocsMux.Lock()
	defer a.allocsMux.Unlock()
	i := a.find(tuple)
	if i < 0 {
		return 0, ErrAllocationMismatch
	}
	a.allocs[i].CreatedAt = now
	a.allocs[i].Lifetime = lifetime
	a.allocs[i].Timeout = now.Add(lifetime)
	return lifetime, nil
}

// Remove deletes tuple's allocation and returns its relay address to the
// pool.
func (a *Allocator) Remove(tuple turn.FiveTuple) error {
	a.allocsMux.Lock()
	i := a.find(tuple)
	if i < 0 {
		a.allocsMux.Unlock()
		return ErrAllocationMismatch
	}
	removed := a.allocs[i]
	a.allocs = append(a.allocs[:i], a.allocs[i+1:]...)
	a.allocsMux.Unlock()

	if err := a.raddr.Remove(removed.RelayedAddr, removed.Tuple.Proto); err != nil {
		a.log.Warn("failed to release relay address", zap.Error(err))
	}
	return nil
}

// Prune sweeps every allocation: dropping permissions (and the channel
// bindings riding on them) older than PermissionLifetime, and removing
// allocations past their Timeout. Invoked every 60s by the dispatcher.
func (a *Allocator) Prune(now time.Time) {
	var expired []Allocation

	a.allocsMux.Lock()
	live := a.allocs[:0]
	for i := range a.allocs {
		perms := a.allocs[i].Permissions[:0]
		for _, p := range a.allocs[i].Permissions {
			if p.Timeout.After(now) {
				perms = append(perms, p)
			}
		}
		a.allocs[i].Permissions = perms

		if a.allocs[i].Timeout.After(now) {
			live = append(live, a.allocs[i])
		} else {
			expired = append(expired, a.allocs[i])
		}
	}
	a.allocs = live
	a.allocsMux.Unlock()

	for _, e := range expired {
		if err := a.raddr.Remove(e.RelayedAddr, e.Tuple.Proto); err != nil {
			a.log.Warn("failed to release relay address on expiry", zap.Error(err))
		}
	}
}

// SendBound writes data to the peer bound to channel n on tuple's
// allocation, provided the binding's underlying permission has not expired
// as of now.
func (a *Allocator) SendBound(tuple turn.FiveTuple, n turn.ChannelNumber, data []byte, now time.Time) (int, error) {
	conn, addr, err := a.lookupBound(tuple, n, now)
	if err != nil {
		return 0, err
	}
	return conn.WriteTo(data, &net.UDPAddr{IP: addr.IP, Port: addr.Port})
}

func (a *Allocator) lookupBound(tuple turn.FiveTuple, n turn.ChannelNumber, now time.Time) (net.PacketConn, turn.Addr, error) {
	a.allocsMux.RLock()
	defer a.allocsMux.RUnlock()
	i := a.find(tuple)
	if i < 0 {
		return nil, turn.Addr{}, ErrPermissionNotFound
	}
	for _, p := range a.allocs[i].Permissions {
		if p.Binding == n && p.Timeout.After(now) {
			return a.allocs[i].Conn, p.Addr, nil
		}
	}
	return nil, turn.Addr{}, ErrPermissionNotFound
}

// Send writes data to peer on tuple's allocation, provided a live,
// unexpired permission authorizes it as of now.
func (a *Allocator) Send(tuple turn.FiveTuple, peer turn.Addr, data []byte, now time.Time) (int, error) {
	conn, err := a.lookupPermitted(tuple, peer, now)
	if err != nil {
		return 0, err
	}
	return conn.WriteTo(data, &net.UDPAddr{IP: peer.IP, Port: peer.Port})
}

func (a *Allocator) lookupPermitted(tuple turn.FiveTuple, peer turn.Addr, now time.Time) (net.PacketConn, error) {
	a.allocsMux.RLock()
	defer a.allocsMux.RUnlock()
	i := a.find(tuple)
	if i < 0 {
		return nil, ErrPermissionNotFound
	}
	for _, p := range a.allocs[i].Permissions {
		if p.Addr.Equal(peer) && p.Timeout.After(now) {
			return a.allocs[i].Conn, nil
		}
	}
	return nil, ErrPermissionNotFound
}

// Stats summarizes live allocator state, exported to Collect.
type Stats struct {
	Allocations int
	Permissions int
	Bindings    int
}

// Stats computes current statistics.
func (a *Allocator) Stats() Stats {
	a.allocsMux.RLock()
	defer a.allocsMux.RUnlock()
	s := Stats{Allocations: len(a.allocs)}
	for i := range a.allocs {
		s.Permissions += len(a.allocs[i].Permissions)
		for _, p := range a.allocs[i].Permissions {
			if p.Binding != 0 {
				s.Bindings++
			}
		}
	}
	return s
}
