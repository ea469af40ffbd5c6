package server

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relaynet/turnd/internal/allocator"
	"github.com/relaynet/turnd/internal/auth"
	"github.com/relaynet/turnd/stun"
	"github.com/relaynet/turnd/turn"
)

type handleFunc = func(ctx *context) error

func (s *Server) setHandlers() {
	s.handlers = map[stun.MessageType]handleFunc{
		stun.BindingRequest:          s.processBindingRequest,
		stun.AllocateRequest:         s.processAllocateRequest,
		stun.CreatePermissionRequest: s.processCreatePermissionRequest,
		stun.RefreshRequest:          s.processRefreshRequest,
		stun.SendIndication:          s.processSendIndication,
		stun.ChannelBindRequest:      s.processChannelBinding,
	}
}

// HandlePeerData implements allocator.PeerHandler: it forwards a datagram
// received on a relay socket to the owning client, as a ChannelData frame
// if a channel is bound to the peer, otherwise as a Data indication if the
// allocation holds a live permission for the peer; otherwise the datagram is
// dropped.
func (s *Server) HandlePeerData(d []byte, t turn.FiveTuple, a turn.Addr) {
	destination := &net.UDPAddr{IP: t.Client.IP, Port: t.Client.Port}
	l := s.log.With(
		zap.Stringer("t", t),
		zap.Stringer("addr", a),
		zap.Int("len", len(d)),
		zap.Stringer("d", destination),
	)
	l.Debug("got peer data")
	now := time.Now()
	if n, err := s.allocs.Bound(t, a, now); err == nil {
		if err := s.conn.SetWriteDeadline(now.Add(time.Second)); err != nil {
			l.Error("failed to SetWriteDeadline", zap.Error(err))
		}
		cdata := turn.ChannelData{Number: n, Data: d}
		cdata.Encode()
		if _, err := s.conn.WriteTo(cdata.Raw, destination); err != nil {
			l.Error("failed to write", zap.Error(err))
		}
		l.Debug("sent data via channel", zap.Stringer("n", n))
		return
	}
	if !s.allocs.HasPermission(t, a, now) {
		l.Debug("dropping peer data: no permission")
		return
	}
	if err := s.conn.SetWriteDeadline(now.Add(time.Second)); err != nil {
		l.Error("failed to SetWriteDeadline", zap.Error(err))
	}
	m := stun.New()
	if err := m.Build(stun.TransactionID, stun.NewType(stun.MethodData, stun.ClassIndication),
		turn.Data(d), turn.PeerAddress(a),
	); err != nil {
		l.Error("failed to build", zap.Error(err))
		return
	}
	if _, err := s.conn.WriteTo(m.Raw, destination); err != nil {
		l.Error("failed to write", zap.Error(err))
	}
	l.Debug("sent data from peer", zap.Stringer("m", m))
}

func (s *Server) processBindingRequest(ctx *context) error {
	return ctx.buildOk((*stun.XORMappedAddress)(&ctx.client))
}

func (s *Server) processAllocateRequest(ctx *context) error {
	var transport turn.RequestedTransport
	if err := transport.GetFrom(ctx.request); err != nil {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	if transport.Protocol != turn.ProtoUDP {
		return ctx.buildErr(stun.CodeUnsupportedTransportProtocol)
	}
	var requested turn.Lifetime
	if err := requested.GetFrom(ctx.request); err != nil && err != stun.ErrAttributeNotFound {
		return ctx.buildErr(stun.CodeBadRequest)
	}
	var username stun.Username
	if err := username.GetFrom(ctx.request); err != nil {
		return ctx.buildErr(stun.CodeBadRequest)
	}

	relayedAddr, lifetime, err := s.allocs.New(ctx.tuple, username.String(), requested.Duration, ctx.time, s)
	switch err {
	case nil:
		return ctx.buildOk(
			(*stun.XORMappedAddress)(&ctx.tuple.Client),
			(*turn.RelayedAddress)(&relayedAddr),
			turn.Lifetime{Duration: lifetime},
		)
	case allocator.ErrAllocationMismatch:
		return ctx.buildErr(stun.CodeAllocMismatch)
	case allocator.ErrInvalidLifetime:
		return ctx.buildErr(stun.CodeBadRequest)
	case allocator.ErrInsufficientCapacity:
		return ctx.buildErr(stun.CodeInsufficientCapacity)
	default:
		s.log.Warn("failed to allocate", zap.Error(err))
		return ctx.buildErr(stun.CodeServerError)
	}
}

func (s *Server) processRefreshRequest(ctx *context) error {
	var lifetime turn.Lifetime
	if err := ctx.request.Parse(&lifetime); err != nil && err != stun.ErrAttributeNotFound {
		return errors.Wrap(err, "failed to parse")
	}
	if lifetime.Duration == 0 {
		err := s.allocs.Remove(ctx.tuple)
		switch err {
		case nil, allocator.ErrAllocationMismatch:
			return ctx.buildOk(&turn.Lifetime{})
		default:
			s.log.Error("failed to process refresh request", zap.Error(err))
			return ctx.buildErr(stun.CodeServerError)
		}
	}
	granted, err := s.allocs.Refresh(ctx.tuple, lifetime.Duration, ctx.time)
	switch err {
	case nil:
		return ctx.buildOk(&turn.Lifetime{Duration: granted})
	case allocator.ErrAllocationMismatch:
		return ctx.buildErr(stun.CodeAllocMismatch)
	case allocator.ErrInvalidLifetime:
		return ctx.buildErr(stun.CodeBadRequest)
	default:
		s.log.Error("failed to process refresh request", zap.Error(err))
		return ctx.buildErr(stun.CodeServerError)
	}
}

func (s *Server) processCreatePermissionRequest(ctx *context) error {
	var addr turn.PeerAddress
	if err := addr.GetFrom(ctx.request); err != nil {
		return errors.Wrap(err, "failed to get create permission request addr")
	}
	peerAddr := turn.Addr(addr)
	if !ctx.allowPeer(peerAddr) {
		// RFC 5766 Section 9.1: Forbidden for a peer address the operator
		// has blocked.
		return ctx.buildErr(stun.CodeForbidden)
	}
	switch err := s.allocs.CreatePermission(ctx.tuple, peerAddr, ctx.time); err {
	case allocator.ErrAllocationMismatch:
		return ctx.buildErr(stun.CodeAllocMismatch)
	case nil:
		return ctx.buildOk()
	default:
		return errors.Wrap(err, "failed to create permission")
	}
}

func (s *Server) processSendIndication(ctx *context) error {
	var (
		data turn.Data
		addr turn.PeerAddress
	)
	if err := ctx.request.Parse(&data, &addr); err != nil {
		s.log.Error("failed to parse send indication", zap.Error(err))
		return errors.Wrap(err, "failed to parse send indication")
	}
	s.log.Debug("sending data", zap.Stringer("to", addr))
	if err := s.sendByPermission(ctx, turn.Addr(addr), data); err != nil {
		s.log.Warn("send failed", zap.Error(err))
	}
	return nil
}

func (s *Server) processChannelBinding(ctx *context) error {
	var (
		addr   turn.PeerAddress
		number turn.ChannelNumber
	)
	if parseErr := ctx.request.Parse(&addr, &number); parseErr != nil {
		s.log.Debug("channel binding parse failed", zap.Error(parseErr))
		return ctx.buildErr(stun.CodeBadRequest)
	}
	peerAddr := turn.Addr(addr)
	if !ctx.allowPeer(peerAddr) {
		// RFC 5766 Section 9.1: Forbidden for a peer address the operator
		// has blocked.
		return ctx.buildErr(stun.CodeForbidden)
	}
	switch err := s.allocs.ChannelBind(ctx.tuple, number, peerAddr, ctx.time); err {
	case allocator.ErrAllocationMismatch:
		return ctx.buildErr(stun.CodeAllocMismatch)
	case allocator.ErrChannelBindConflict, turn.ErrInvalidChannelNumber:
		return ctx.buildErr(stun.CodeBadRequest)
	case nil:
		return ctx.buildOk()
	default:
		return errors.Wrap(err, "failed to create channel binding")
	}
}

func (s *Server) processChannelData(ctx *context) error {
	if err := ctx.cdata.Decode(); err != nil {
		if ce := s.log.Check(zapcore.DebugLevel, "failed to decode channel data"); ce != nil {
			ce.Write(zap.Stringer("addr", ctx.client), zap.Error(err))
		}
		return nil
	}
	if ce := s.log.Check(zapcore.DebugLevel, "got channel data"); ce != nil {
		ce.Write(zap.Int("channel", int(ctx.cdata.Number)), zap.Int("len", ctx.cdata.Length))
	}
	return s.sendByBinding(ctx, ctx.cdata.Number, ctx.cdata.Data)
}

func (s *Server) needAuth(ctx *context) bool {
	if s.auth == nil {
		return false
	}
	if ctx.request.Type.Class == stun.ClassIndication {
		return false
	}
	if ctx.request.Type == stun.BindingRequest && !ctx.cfg.authForSTUN {
		return false
	}
	return true
}

func (s *Server) processMessage(ctx *context) error {
	if err := ctx.request.Decode(); err != nil {
		if ce := s.log.Check(zapcore.DebugLevel, "failed to decode request"); ce != nil {
			ce.Write(zap.Stringer("addr", ctx.client), zap.Error(err))
		}
		return nil
	}
	ctx.realm = ctx.cfg.realm
	if ce := s.log.Check(zapcore.DebugLevel, "got message"); ce != nil {
		ce.Write(zap.Stringer("m", ctx.request), zap.Stringer("addr", ctx.client))
	}
	if unknown := stun.UnknownComprehensionRequired(ctx.request); len(unknown) > 0 {
		return ctx.buildErr(stun.CodeUnknownAttribute, stun.UnknownAttributes(unknown))
	}
	if s.needAuth(ctx) {
		var nonce stun.Nonce
		if err := nonce.GetFrom(ctx.request); err != nil && err != stun.ErrAttributeNotFound {
			return ctx.buildErr(stun.CodeBadRequest)
		}
		_, integrityAttrErr := ctx.request.Get(stun.AttrMessageIntegrity)
		if integrityAttrErr == stun.ErrAttributeNotFound {
			if ce := s.log.Check(zapcore.DebugLevel, "integrity required"); ce != nil {
				ce.Write(zap.Stringer("addr", ctx.client), zap.Stringer("req", ctx.request))
			}
			ctx.nonce = stun.Nonce(s.nonce.Issue(ctx.time))
			return ctx.buildErr(stun.CodeUnauthorized)
		}
		if nonceErr := s.nonce.Check(nonce.String(), ctx.time); nonceErr != nil {
			if nonceErr != auth.ErrStaleNonce {
				s.log.Error("nonce error", zap.Error(nonceErr))
			}
			ctx.nonce = stun.Nonce(s.nonce.Issue(ctx.time))
			return ctx.buildErr(stun.CodeStaleNonce)
		}
		ctx.nonce = nonce
		switch integrity, err := s.auth.Authenticate(ctx.request, ctx.realm.String()); err {
		case nil:
			ctx.integrity = integrity
		default:
			if ce := s.log.Check(zapcore.DebugLevel, "failed to auth"); ce != nil {
				ce.Write(zap.Stringer("addr", ctx.client), zap.Stringer("req", ctx.request), zap.Error(err))
			}
			return ctx.buildErr(stun.CodeWrongCredentials)
		}
	}
	h, ok := s.handlers[ctx.request.Type]
	if ok {
		return h(ctx)
	}
	s.log.Warn("unsupported request type", zap.Stringer("t", ctx.request.Type))
	return ctx.buildErr(stun.CodeBadRequest)
}
