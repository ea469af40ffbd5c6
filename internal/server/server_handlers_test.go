package server

import (
	"net"
	"testing"
	"time"

	"github.com/relaynet/turnd/stun"
	"github.com/relaynet/turnd/turn"
)

// TestServer_HandlePeerData exercises the peer-to-client relay path
// directly: a channel binding takes priority and yields ChannelData, a
// bare permission yields a Data indication, and the absence of either
// drops the datagram silently.
func TestServer_HandlePeerData(t *testing.T) {
	s, stop := newServer(t, Options{Realm: "realm"})
	defer stop()

	client, clientAddr := listenUDP(t)
	defer client.Close() //nolint:errcheck

	tuple := turn.FiveTuple{
		Client: turn.Addr{IP: clientAddr.IP, Port: clientAddr.Port},
		Server: s.addr,
		Proto:  turn.ProtoUDP,
	}
	peer := turn.Addr{IP: net.IPv4(88, 11, 22, 33), Port: 4000}
	now := time.Now()

	if _, _, err := s.allocs.New(tuple, "username", 0, now, s); err != nil {
		t.Fatal(err)
	}

	readResponse := func() ([]byte, bool) {
		buf := make([]byte, 1500)
		if err := client.SetReadDeadline(time.Now().Add(200 * time.Millisecond)); err != nil {
			t.Fatal(err)
		}
		n, err := client.Read(buf)
		if err != nil {
			return nil, false
		}
		return buf[:n], true
	}

	t.Run("NoPermissionIsDropped", func(t *testing.T) {
		s.HandlePeerData([]byte("hi"), tuple, peer)
		if _, ok := readResponse(); ok {
			t.Error("expected no datagram for a peer with no permission")
		}
	})

	t.Run("PermissionYieldsDataIndication", func(t *testing.T) {
		if err := s.allocs.CreatePermission(tuple, peer, now); err != nil {
			t.Fatal(err)
		}
		s.HandlePeerData([]byte("hi"), tuple, peer)
		raw, ok := readResponse()
		if !ok {
			t.Fatal("expected a Data indication")
		}
		m := new(stun.Message)
		m.Raw = raw
		if err := m.Decode(); err != nil {
			t.Fatal(err)
		}
		if m.Type != stun.NewType(stun.MethodData, stun.ClassIndication) {
			t.Errorf("unexpected message type %s", m.Type)
		}
		var data turn.Data
		if err := data.GetFrom(m); err != nil {
			t.Fatal(err)
		}
		if string(data) != "hi" {
			t.Errorf("got %q, want %q", data, "hi")
		}
	})

	t.Run("ChannelBindingYieldsChannelData", func(t *testing.T) {
		const n = turn.ChannelNumber(0x4000)
		if err := s.allocs.ChannelBind(tuple, n, peer, now); err != nil {
			t.Fatal(err)
		}
		s.HandlePeerData([]byte("hi"), tuple, peer)
		raw, ok := readResponse()
		if !ok {
			t.Fatal("expected a ChannelData frame")
		}
		cdata := &turn.ChannelData{Raw: raw}
		if err := cdata.Decode(); err != nil {
			t.Fatal(err)
		}
		if cdata.Number != n {
			t.Errorf("got channel %s, want %s", cdata.Number, n)
		}
		if string(cdata.Data) != "hi" {
			t.Errorf("got %q, want %q", cdata.Data, "hi")
		}
	})
}

func TestServer_processAllocationRequest(t *testing.T) {
	s, stop := newServer(t, Options{Auth: testAuth(), Realm: "realm"})
	defer stop()
	var (
		username = stun.NewUsername("username")
		addr     = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 34567}
		peer     = turn.PeerAddress{
			Port: 1234,
			IP:   net.IPv4(88, 11, 22, 33),
		}
	)
	m := stun.MustBuild(stun.TransactionID, stun.AllocateRequest,
		username, peer,
	)
	ctx := &context{
		cfg:      s.config(),
		request:  new(stun.Message),
		response: new(stun.Message),
		cdata:    new(turn.ChannelData),
	}
	ctx.request.Raw = make([]byte, len(m.Raw))
	ctx.request.Raw = ctx.request.Raw[:len(m.Raw)]
	ctx.client = turn.Addr{
		IP:   addr.IP,
		Port: addr.Port,
	}
	ctx.proto = turn.ProtoUDP
	ctx.time = time.Now()
	ctx.setTuple()
	copy(ctx.request.Raw, m.Raw)
	if err := s.process(ctx); err != nil {
		t.Fatal(err)
	}
	if ctx.response.TransactionID != m.TransactionID {
		t.Error("unexpected response transaction ID")
	}
	var (
		realm stun.Realm
		nonce stun.Nonce
	)
	if err := ctx.response.Parse(&realm, &nonce); err != nil {
		t.Fatal(err)
	}
	if len(realm) == 0 {
		t.Fatal("no realm")
	}
	t.Run("Success", func(t *testing.T) {
		i := stun.NewLongTermIntegrity("username", realm.String(), "secret")
		m = stun.MustBuild(stun.TransactionID, stun.AllocateRequest,
			turn.RequestedTransportUDP, username, realm, nonce, peer, i,
		)
		ctx.request.Raw = append(ctx.request.Raw[:0], m.Raw...)
		if err := s.process(ctx); err != nil {
			t.Fatal(err)
		}
		if ctx.response.Type.Class != stun.ClassSuccessResponse {
			var errCode stun.ErrorCodeAttribute
			errCode.GetFrom(ctx.response) //nolint:errcheck
			t.Errorf("unexpected error %s: %s", errCode, ctx.response)
		}
		t.Run("Refresh", func(t *testing.T) {
			m = stun.MustBuild(stun.TransactionID, stun.RefreshRequest,
				turn.Lifetime{Duration: time.Minute * 10},
				username, realm, nonce, peer, i,
			)
			ctx.request.Raw = append(ctx.request.Raw[:0], m.Raw...)
			if err := s.process(ctx); err != nil {
				t.Fatal(err)
			}
			if ctx.response.Type.Class != stun.ClassSuccessResponse {
				var errCode stun.ErrorCodeAttribute
				errCode.GetFrom(ctx.response) //nolint:errcheck
				t.Errorf("unexpected error %s: %s", errCode, ctx.response)
			}
			var lifetime turn.Lifetime
			if getErr := lifetime.GetFrom(ctx.response); getErr != nil {
				t.Error(getErr)
			}
			if lifetime.Duration != time.Minute*10 {
				t.Error("bad lifetime")
			}
		})
		t.Run("Dealloc", func(t *testing.T) {
			m = stun.MustBuild(stun.TransactionID, stun.RefreshRequest,
				turn.Lifetime{},
				username, realm, nonce, peer, i,
			)
			ctx.request.Raw = append(ctx.request.Raw[:0], m.Raw...)
			if err := s.process(ctx); err != nil {
				t.Fatal(err)
			}
			if ctx.response.Type.Class != stun.ClassSuccessResponse {
				var errCode stun.ErrorCodeAttribute
				errCode.GetFrom(ctx.response) //nolint:errcheck
				t.Errorf("unexpected error %s: %s", errCode, ctx.response)
			}
		})
	})
	t.Run("BadIntegrity", func(t *testing.T) {
		i := stun.NewLongTermIntegrity("username", realm.String(), "secret111")
		m = stun.MustBuild(stun.TransactionID, stun.AllocateRequest,
			turn.RequestedTransportUDP, username, realm, nonce, peer, i,
		)
		ctx.request.Raw = append(ctx.request.Raw[:0], m.Raw...)
		if err := s.process(ctx); err != nil {
			t.Fatal(err)
		}
		if ctx.response.Type.Class != stun.ClassErrorResponse {
			t.Errorf("unexpected response: %s", ctx.response)
		}
	})
	t.Run("UnexpectedMessageType", func(t *testing.T) {
		i := stun.NewLongTermIntegrity("username", realm.String(), "secret")
		m = stun.MustBuild(stun.TransactionID, stun.NewType(25, stun.ClassRequest),
			turn.RequestedTransportUDP, username, realm, nonce, peer, i,
		)
		ctx.request.Raw = append(ctx.request.Raw[:0], m.Raw...)
		if err := s.process(ctx); err != nil {
			t.Fatal(err)
		}
		if ctx.response.Type.Class != stun.ClassErrorResponse {
			t.Errorf("unexpected response: %s", ctx.response)
		}
	})
}
