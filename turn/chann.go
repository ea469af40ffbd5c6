package turn

import (
	"strconv"

	"github.com/relaynet/turnd/stun"
)

// ChannelNumber implements the CHANNEL-NUMBER attribute: a 16-bit value in
// [minChannelNumber, maxChannelNumber] identifying a channel binding,
// followed by 2 reserved-for-future-use bytes that must be zero.
type ChannelNumber uint16

const (
	minChannelNumber ChannelNumber = 0x4000
	maxChannelNumber ChannelNumber = 0x7FFF

	channelNumberSize = 4
)

func (n ChannelNumber) String() string {
	return "0x" + strconv.FormatUint(uint64(n), 16)
}

// Valid reports whether n falls in the range TURN reserves for channel
// bindings, per RFC 5766 Section 11.
func (n ChannelNumber) Valid() bool {
	return n >= minChannelNumber && n <= maxChannelNumber
}

// ErrInvalidChannelNumber is returned when a CHANNEL-NUMBER value falls
// outside the valid range.
const ErrInvalidChannelNumber stun.Error = "turn: channel number out of range"

// AddTo implements stun.Setter.
func (n ChannelNumber) AddTo(m *stun.Message) error {
	v := make([]byte, channelNumberSize)
	bin.PutUint16(v[0:2], uint16(n))
	m.Add(stun.AttrChannelNumber, v)
	return nil
}

// GetFrom implements stun.Getter.
func (n *ChannelNumber) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrChannelNumber)
	if err != nil {
		return err
	}
	if len(v) != channelNumberSize {
		return &BadAttrLength{Attr: "CHANNEL-NUMBER", Got: len(v), Expected: channelNumberSize}
	}
	*n = ChannelNumber(bin.Uint16(v[0:2]))
	return nil
}
