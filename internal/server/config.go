package server

import (
	"github.com/relaynet/turnd/internal/filter"
	"github.com/relaynet/turnd/stun"
)

// config is an immutable snapshot of the options a Server can reload at
// runtime. It is never mutated in place: Server.setOptions builds a new
// value and swaps it into an atomic.Value, so a context holding a copy
// never observes a half-updated config.
type config struct {
	authForSTUN  bool
	software     stun.Software
	realm        stun.Realm
	peerFilter   filter.Rule
	clientFilter filter.Rule
	metrics      metricsIncrementer
	debugCollect bool
}

func (s *Server) newConfig(o Options) config {
	var m metricsIncrementer = noopMetrics{}
	if o.MetricsEnabled {
		m = s.promMetrics
	}
	peerRule := o.PeerRule
	if peerRule == nil {
		peerRule = filter.AllowAll
	}
	clientRule := o.ClientRule
	if clientRule == nil {
		clientRule = filter.AllowAll
	}
	return config{
		authForSTUN:  o.AuthForSTUN,
		software:     stun.NewSoftware(o.Software),
		realm:        stun.NewRealm(o.Realm),
		peerFilter:   peerRule,
		clientFilter: clientRule,
		metrics:      m,
		debugCollect: o.DebugCollect,
	}
}
