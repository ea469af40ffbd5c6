package turn

import "github.com/relaynet/turnd/stun"

const requestedTransportSize = 4

// RequestedTransport implements REQUESTED-TRANSPORT: the protocol byte
// followed by 3 reserved-for-future-use bytes that must be zero, sent by
// the client in every Allocate request.
type RequestedTransport struct {
	Protocol Protocol
}

// RequestedTransportUDP is the only value this server accepts; any other
// protocol byte must be rejected with 442 (Unsupported Transport
// Protocol), per RFC 5766 Section 6.2.
var RequestedTransportUDP = RequestedTransport{Protocol: ProtoUDP}

// AddTo implements stun.Setter.
func (t RequestedTransport) AddTo(m *stun.Message) error {
	v := make([]byte, requestedTransportSize)
	v[0] = byte(t.Protocol)
	m.Add(stun.AttrRequestedTransport, v)
	return nil
}

// GetFrom implements stun.Getter.
func (t *RequestedTransport) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrRequestedTransport)
	if err != nil {
		return err
	}
	if len(v) != requestedTransportSize {
		return &BadAttrLength{Attr: "REQUESTED-TRANSPORT", Got: len(v), Expected: requestedTransportSize}
	}
	t.Protocol = Protocol(v[0])
	return nil
}
