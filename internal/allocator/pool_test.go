package allocator

import (
	"net"
	"testing"

	"go.uber.org/zap"

	"github.com/relaynet/turnd/turn"
)

func TestPool_New(t *testing.T) {
	p, err := NewPool(zap.NewNop(), net.IPv4(127, 0, 0, 1), 34100, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	addr1, conn1, err := p.New(turn.ProtoUDP)
	if err != nil {
		t.Fatal(err)
	}
	defer conn1.Close()
	addr2, conn2, err := p.New(turn.ProtoUDP)
	if err != nil {
		t.Fatal(err)
	}
	defer conn2.Close()
	if addr1.Equal(addr2) {
		t.Fatal("expected distinct addresses from the pool")
	}

	if _, _, err := p.New(turn.ProtoUDP); err != ErrInsufficientCapacity {
		t.Fatalf("got %v, want ErrInsufficientCapacity once the pool is exhausted", err)
	}

	if err := p.Remove(addr1, turn.ProtoUDP); err != nil {
		t.Fatal(err)
	}
	addr3, conn3, err := p.New(turn.ProtoUDP)
	if err != nil {
		t.Fatal("expected the released port to be reusable:", err)
	}
	defer conn3.Close()
	if !addr3.Equal(addr1) {
		t.Fatalf("got %s, want the released address %s back", addr3, addr1)
	}
}

func TestPool_BadProto(t *testing.T) {
	p, err := NewPool(zap.NewNop(), net.IPv4(127, 0, 0, 1), 34110, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	if _, _, err := p.New(turn.Protocol(6)); err == nil {
		t.Fatal("expected non-UDP transport to be rejected")
	}
}
