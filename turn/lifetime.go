package turn

import (
	"time"

	"github.com/relaynet/turnd/stun"
)

const lifetimeSize = 4

// Lifetime implements the LIFETIME attribute: the number of seconds an
// allocation should remain valid, per RFC 5766 Section 14.2.
type Lifetime struct {
	Duration time.Duration
}

// AddTo implements stun.Setter.
func (l Lifetime) AddTo(m *stun.Message) error {
	v := make([]byte, lifetimeSize)
	bin.PutUint32(v, uint32(l.Duration/time.Second))
	m.Add(stun.AttrLifetime, v)
	return nil
}

// GetFrom implements stun.Getter.
func (l *Lifetime) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrLifetime)
	if err != nil {
		return err
	}
	if len(v) != lifetimeSize {
		return &BadAttrLength{Attr: "LIFETIME", Got: len(v), Expected: lifetimeSize}
	}
	l.Duration = time.Duration(bin.Uint32(v)) * time.Second
	return nil
}
