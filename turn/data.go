package turn

import "github.com/relaynet/turnd/stun"

// Data implements the DATA attribute: the raw application payload carried
// by a Send indication (client to server) or a Data indication (server to
// client), per RFC 5766 Section 14.4.
type Data []byte

// AddTo implements stun.Setter.
func (d Data) AddTo(m *stun.Message) error {
	m.Add(stun.AttrData, d)
	return nil
}

// GetFrom implements stun.Getter.
func (d *Data) GetFrom(m *stun.Message) error {
	v, err := m.Get(stun.AttrData)
	if err != nil {
		return err
	}
	*d = v
	return nil
}
