package allocator

import (
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relaynet/turnd/turn"
)

// PeerHandler is notified of every datagram a relay socket receives from a
// peer, so the dispatcher can forward it to the owning client as a Data
// indication or ChannelData frame.
type PeerHandler interface {
	HandlePeerData(d []byte, t turn.FiveTuple, a turn.Addr)
}

// Permission is a time-limited grant allowing the server to forward to a
// specific peer on behalf of an allocation's client, optionally shortened
// to a channel number. Permissions are keyed on the full peer address (IP
// and port); RFC 5766 Section 9.1 only requires IP-level granularity.
type Permission struct {
	Addr    turn.Addr
	Timeout time.Time
	Binding turn.ChannelNumber // 0 if no channel is bound to this peer
}

func (p Permission) String() string {
	if p.Binding == 0 {
		return fmt.Sprintf("%s [%s]", p.Addr, p.Timeout.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s (c%d) [%s]", p.Addr, uint16(p.Binding), p.Timeout.Format(time.RFC3339))
}

// conflicts reports whether binding channel n to peer against this
// permission must be rejected: this peer already claims a different
// channel, or a different peer already claims n.
func (p *Permission) conflicts(n turn.ChannelNumber, peer turn.Addr) bool {
	if p.Addr.Equal(peer) {
		return p.Binding != 0 && p.Binding != n
	}
	return p.Binding == n
}

// Allocation is the server-side state bound to one client 5-tuple: its
// exclusively-owned relay socket, permissions, channel bindings and
// lifetime, per RFC 5766 Section 5.
type Allocation struct {
	Username    string
	Tuple       turn.FiveTuple
	Permissions []Permission
	RelayedAddr turn.Addr      // relayed transport address
	Conn        net.PacketConn // bound to RelayedAddr
	Callback    PeerHandler    // notified of data arriving on Conn
	CreatedAt   time.Time
	Lifetime    time.Duration
	Timeout     time.Time // CreatedAt + Lifetime; authoritative expiry instant
	Buf         []byte    // read buffer for ReadUntilClosed
	Log         *zap.Logger
}

// ReadUntilClosed relays datagrams arriving on the relay socket to
// Callback until the socket is closed or a non-transient error occurs.
// This background reader is the entry point of the peer-to-client path.
func (a *Allocation) ReadUntilClosed() {
	a.Log.Debug("start")
	defer a.Log.Debug("stop")
	for {
		if err := a.Conn.SetReadDeadline(time.Now().Add(time.Minute)); err != nil {
			a.Log.Warn("set read deadline failed", zap.Error(err))
			break
		}
		n, addr, err := a.Conn.ReadFrom(a.Buf)
		if err != nil && err != io.EOF {
			if netErr, ok := err.(net.Error); ok && (netErr.Temporary() || netErr.Timeout()) {
				continue
			}
			a.Log.Debug("relay socket closed", zap.Error(err))
			break
		}
		if ce := a.Log.Check(zapcore.DebugLevel, "read"); ce != nil {
			ce.Write(zap.Int("n", n))
		}
		udpAddr := addr.(*net.UDPAddr)
		a.Callback.HandlePeerData(a.Buf[:n], a.Tuple, turn.Addr{IP: udpAddr.IP, Port: udpAddr.Port})
	}
}
