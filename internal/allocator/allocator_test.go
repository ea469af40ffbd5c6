package allocator

import (
	"net"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaynet/turnd/turn"
)

func newTestAllocator(t *testing.T, start, count int) (*Allocator, *Pool) {
	t.Helper()
	p, err := NewPool(zap.NewNop(), net.IPv4(127, 1, 0, 2), start, count)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return New(Options{Relay: p}), p
}

func TestAllocator_New(t *testing.T) {
	a, _ := newTestAllocator(t, 6100, 2)
	now := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	client := turn.Addr{Port: 200, IP: net.IPv4(127, 0, 0, 1)}
	server := turn.Addr{Port: 300, IP: net.IPv4(127, 0, 0, 1)}
	tuple := turn.FiveTuple{Client: client, Server: server, Proto: turn.ProtoUDP}

	if a.Stats().Allocations != 0 {
		t.Error("unexpected allocation count")
	}
	raddr, lifetime, err := a.New(tuple, "alice", 0, now, nil)
	if err != nil {
		t.Fatal(err)
	}
	if lifetime != DefaultLifetime {
		t.Errorf("expected a zero lifetime request to default to %s, got %s", DefaultLifetime, lifetime)
	}
	if a.Stats().Allocations != 1 {
		t.Error("unexpected allocation count")
	}
	if raddr.IP == nil {
		t.Error("expected a relayed address to be returned")
	}

	t.Run("Duplicate", func(t *testing.T) {
		if _, _, err := a.New(tuple, "alice", 0, now, nil); err != ErrAllocationMismatch {
			t.Errorf("got %v, want ErrAllocationMismatch for a duplicate tuple", err)
		}
		if a.Stats().Allocations != 1 {
			t.Error("a failed duplicate New must not leave a second allocation behind")
		}
	})

	t.Run("BadProto", func(t *testing.T) {
		other := turn.FiveTuple{Client: turn.Addr{Port: 201, IP: client.IP}, Server: server, Proto: 1}
		if _, _, err := a.New(other, "alice", 0, now, nil); err == nil {
			t.Error("expected a non-UDP transport to be rejected")
		}
	})

	t.Run("LifetimeTooLong", func(t *testing.T) {
		other := turn.FiveTuple{Client: turn.Addr{Port: 202, IP: client.IP}, Server: server, Proto: turn.ProtoUDP}
		if _, _, err := a.New(other, "alice", time.Hour*2, now, nil); err != ErrInvalidLifetime {
			t.Errorf("got %v, want ErrInvalidLifetime", err)
		}
	})

	if err := a.Remove(tuple); err != nil {
		t.Fatal(err)
	}
	if a.Stats().Allocations != 0 {
		t.Error("unexpected allocation count after Remove")
	}
}

func TestAllocator_New_ExhaustedPool(t *testing.T) {
	a, _ := newTestAllocator(t, 6110, 1)
	now := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	first := turn.FiveTuple{
		Client: turn.Addr{Port: 200, IP: net.IPv4(127, 0, 0, 1)},
		Server: turn.Addr{Port: 300, IP: net.IPv4(127, 0, 0, 1)},
		Proto:  turn.ProtoUDP,
	}
	if _, _, err := a.New(first, "alice", 0, now, nil); err != nil {
		t.Fatal(err)
	}

	second := turn.FiveTuple{
		Client: turn.Addr{Port: 201, IP: net.IPv4(127, 0, 0, 1)},
		Server: first.Server,
		Proto:  turn.ProtoUDP,
	}
	if _, _, err := a.New(second, "bob", 0, now, nil); err != ErrInsufficientCapacity {
		t.Errorf("got %v, want ErrInsufficientCapacity", err)
	}
	// A failed allocation must not leave a wedged placeholder behind: the
	// same tuple must be free to retry once capacity frees up.
	if err := a.Remove(first); err != nil {
		t.Fatal(err)
	}
	if _, _, err := a.New(second, "bob", 0, now, nil); err != nil {
		t.Fatalf("expected retry to succeed after capacity freed up: %v", err)
	}
}

func TestAllocator_CreatePermissionAndSend(t *testing.T) {
	a, _ := newTestAllocator(t, 6120, 1)
	now := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	tuple := turn.FiveTuple{
		Client: turn.Addr{Port: 200, IP: net.IPv4(127, 0, 0, 1)},
		Server: turn.Addr{Port: 300, IP: net.IPv4(127, 0, 0, 1)},
		Proto:  turn.ProtoUDP,
	}
	peer := turn.Addr{Port: 201, IP: net.IPv4(127, 0, 0, 1)}
	peer2 := turn.Addr{Port: 202, IP: net.IPv4(127, 0, 0, 2)}

	if _, _, err := a.New(tuple, "alice", 0, now, nil); err != nil {
		t.Fatal(err)
	}

	if err := a.CreatePermission(tuple, peer, now.Add(time.Second*5)); err != nil {
		t.Error(err)
	}
	if err := a.CreatePermission(tuple, peer2, now.Add(time.Second*18)); err != nil {
		t.Error(err)
	}
	if a.Stats().Permissions != 2 {
		t.Error("unexpected permissions count")
	}

	a.Prune(now)
	if a.Stats().Permissions != 2 {
		t.Error("unexpected permissions count")
	}

	// Refresh peer's permission to expire at T+8+300s instead of T+5+300s.
	if err := a.CreatePermission(tuple, peer, now.Add(time.Second*8)); err != nil {
		t.Error(err)
	}

	afterFirstGrant := now.Add(time.Second * 5).Add(PermissionLifetime + time.Second)
	a.Prune(afterFirstGrant)
	// Both permissions still active: the refresh moved peer's expiry out,
	// and peer2's hasn't arrived yet.
	if _, err := a.Send(tuple, peer, make([]byte, 100), afterFirstGrant); err != nil {
		t.Error(err)
	}
	if _, err := a.Send(tuple, peer2, make([]byte, 100), afterFirstGrant); err != nil {
		t.Error(err)
	}

	afterRefreshedGrant := now.Add(time.Second * 8).Add(PermissionLifetime + time.Second)
	a.Prune(afterRefreshedGrant)
	if _, err := a.Send(tuple, peer, make([]byte, 100), afterRefreshedGrant); err != ErrPermissionNotFound {
		t.Errorf("got %v, want ErrPermissionNotFound once peer's permission expires", err)
	}
	if _, err := a.Send(tuple, peer2, make([]byte, 100), afterRefreshedGrant); err != nil {
		t.Error(err)
	}

	if err := a.Remove(tuple); err != nil {
		t.Fatal(err)
	}
	if err := a.CreatePermission(tuple, peer, now); err != ErrAllocationMismatch {
		t.Errorf("got %v, want ErrAllocationMismatch for a removed allocation", err)
	}
}

// TestAllocator_SendRejectsExpiredPermissionWithoutPrune exercises Send's
// own timeout check independent of the periodic Prune sweep: a permission
// that has reached its 300s timeout must be rejected even though nothing
// has swept it out of the Permissions slice yet.
func TestAllocator_SendRejectsExpiredPermissionWithoutPrune(t *testing.T) {
	a, _ := newTestAllocator(t, 6125, 1)
	now := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	tuple := turn.FiveTuple{
		Client: turn.Addr{Port: 200, IP: net.IPv4(127, 0, 0, 1)},
		Server: turn.Addr{Port: 300, IP: net.IPv4(127, 0, 0, 1)},
		Proto:  turn.ProtoUDP,
	}
	peer := turn.Addr{Port: 201, IP: net.IPv4(127, 0, 0, 1)}

	if _, _, err := a.New(tuple, "alice", 0, now, nil); err != nil {
		t.Fatal(err)
	}
	if err := a.CreatePermission(tuple, peer, now); err != nil {
		t.Fatal(err)
	}

	justBeforeExpiry := now.Add(PermissionLifetime - time.Nanosecond)
	if _, err := a.Send(tuple, peer, make([]byte, 10), justBeforeExpiry); err != nil {
		t.Errorf("got %v, want permission still valid just before its timeout", err)
	}

	atExpiry := now.Add(PermissionLifetime)
	if _, err := a.Send(tuple, peer, make([]byte, 10), atExpiry); err != ErrPermissionNotFound {
		t.Errorf("got %v, want ErrPermissionNotFound for an expired, unpruned permission", err)
	}
	if a.Stats().Permissions != 1 {
		t.Error("expired permission should still be present until Prune runs")
	}
}

func TestAllocator_ChannelBind(t *testing.T) {
	a, _ := newTestAllocator(t, 6130, 1)
	now := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	tuple := turn.FiveTuple{
		Client: turn.Addr{Port: 200, IP: net.IPv4(127, 0, 0, 1)},
		Server: turn.Addr{Port: 300, IP: net.IPv4(127, 0, 0, 1)},
		Proto:  turn.ProtoUDP,
	}
	peer := turn.Addr{Port: 201, IP: net.IPv4(127, 0, 0, 1)}
	peer2 := turn.Addr{Port: 202, IP: net.IPv4(127, 0, 0, 2)}
	const n, n2 = turn.ChannelNumber(0x4000), turn.ChannelNumber(0x4001)

	if _, _, err := a.New(tuple, "alice", 0, now, nil); err != nil {
		t.Fatal(err)
	}

	if err := a.ChannelBind(tuple, n, peer, now); err != nil {
		t.Fatal(err)
	}
	// Rebinding the same channel to the same peer is idempotent.
	if err := a.ChannelBind(tuple, n, peer, now.Add(time.Second)); err != nil {
		t.Error(err)
	}
	if bound, err := a.Bound(tuple, peer, now); err != nil || bound != n {
		t.Errorf("got (%v, %v), want (%s, nil)", bound, err, n)
	}

	t.Run("ChannelAlreadyBoundToAnotherPeer", func(t *testing.T) {
		if err := a.ChannelBind(tuple, n, peer2, now); err != ErrChannelBindConflict {
			t.Errorf("got %v, want ErrChannelBindConflict", err)
		}
	})
	t.Run("PeerAlreadyBoundToAnotherChannel", func(t *testing.T) {
		if err := a.ChannelBind(tuple, n2, peer, now); err != ErrChannelBindConflict {
			t.Errorf("got %v, want ErrChannelBindConflict", err)
		}
	})
	t.Run("InvalidChannelNumber", func(t *testing.T) {
		if err := a.ChannelBind(tuple, turn.ChannelNumber(1), peer2, now); err != turn.ErrInvalidChannelNumber {
			t.Errorf("got %v, want ErrInvalidChannelNumber", err)
		}
	})

	if err := a.ChannelBind(tuple, n2, peer2, now); err != nil {
		t.Fatal(err)
	}
	if _, err := a.SendBound(tuple, n, make([]byte, 100), now); err != nil {
		t.Error(err)
	}
	if _, err := a.SendBound(tuple, n2, make([]byte, 100), now); err != nil {
		t.Error(err)
	}

	// The binding's underlying permission expires on its own, independent
	// of Prune: SendBound must reject it immediately once now reaches the
	// timeout, even though nothing has swept the entry out yet. The rebind
	// at now+1s above refreshed n's timeout to now+1s+PermissionLifetime.
	atExpiry := now.Add(time.Second + PermissionLifetime)
	if _, err := a.SendBound(tuple, n, make([]byte, 100), atExpiry); err != ErrPermissionNotFound {
		t.Errorf("got %v, want ErrPermissionNotFound once the binding expires, before any Prune", err)
	}
	if bound, err := a.Bound(tuple, peer, atExpiry); err != ErrPermissionNotFound {
		t.Errorf("got (%v, %v), want ErrPermissionNotFound once the binding expires, before any Prune", bound, err)
	}

	a.Prune(now.Add(PermissionLifetime + time.Second))
	if _, err := a.SendBound(tuple, n, make([]byte, 100), now.Add(PermissionLifetime+time.Second)); err != ErrPermissionNotFound {
		t.Errorf("got %v, want ErrPermissionNotFound once the binding expires", err)
	}
}

func TestAllocator_Refresh(t *testing.T) {
	a, _ := newTestAllocator(t, 6140, 1)
	now := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	tuple := turn.FiveTuple{
		Client: turn.Addr{Port: 200, IP: net.IPv4(127, 0, 0, 1)},
		Server: turn.Addr{Port: 300, IP: net.IPv4(127, 0, 0, 1)},
		Proto:  turn.ProtoUDP,
	}
	if _, _, err := a.New(tuple, "alice", time.Second*10, now, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := a.Refresh(tuple, time.Hour*2, now); err != ErrInvalidLifetime {
		t.Errorf("got %v, want ErrInvalidLifetime", err)
	}

	lifetime, err := a.Refresh(tuple, time.Second*30, now.Add(time.Second*5))
	if err != nil {
		t.Fatal(err)
	}
	if lifetime != time.Second*30 {
		t.Errorf("got %s, want 30s", lifetime)
	}

	// Original 10s window would have expired at T+10; the refresh at T+5
	// pushed expiry to T+35, so the allocation must survive T+12.
	a.Prune(now.Add(time.Second * 12))
	if _, err := a.Refresh(tuple, time.Second*10, now.Add(time.Second*12)); err != nil {
		t.Error("allocation should still be live after the refresh extended its lifetime")
	}

	missing := turn.FiveTuple{Client: turn.Addr{Port: 999, IP: tuple.Client.IP}, Server: tuple.Server, Proto: turn.ProtoUDP}
	if _, err := a.Refresh(missing, time.Second*10, now); err != ErrAllocationMismatch {
		t.Errorf("got %v, want ErrAllocationMismatch for an unknown tuple", err)
	}
}

func TestAllocator_Prune_ExpiresAllocation(t *testing.T) {
	a, _ := newTestAllocator(t, 6150, 1)
	now := time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	tuple := turn.FiveTuple{
		Client: turn.Addr{Port: 200, IP: net.IPv4(127, 0, 0, 1)},
		Server: turn.Addr{Port: 300, IP: net.IPv4(127, 0, 0, 1)},
		Proto:  turn.ProtoUDP,
	}
	if _, _, err := a.New(tuple, "alice", time.Second*10, now, nil); err != nil {
		t.Fatal(err)
	}
	a.Prune(now.Add(time.Second * 11))
	if a.Stats().Allocations != 0 {
		t.Error("expected the allocation to be pruned once its lifetime elapsed")
	}
	// The relay address must have been returned to the pool.
	if _, _, err := a.New(tuple, "alice", 0, now, nil); err != nil {
		t.Fatalf("expected the tuple to be reusable after expiry: %v", err)
	}
}
