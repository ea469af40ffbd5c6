package stun

// UnknownAttributes builds the UNKNOWN-ATTRIBUTES attribute value from a
// list of attribute types, used together with UnknownComprehensionRequired
// to answer a request carrying a comprehension-required attribute this
// server does not implement with a 420 response, per RFC 5389 Section 7.3.1.
type UnknownAttributes []AttrType

// AddTo implements Setter. Each type is written as a 16-bit big-endian
// value; if an odd number of types is given, Message.Add pads the
// attribute to a 4-byte boundary with zero bytes.
func (u UnknownAttributes) AddTo(m *Message) error {
	if len(u) == 0 {
		return nil
	}
	value := make([]byte, 0, len(u)*2)
	for _, t := range u {
		var b [2]byte
		bin.PutUint16(b[:], uint16(t))
		value = append(value, b[:]...)
	}
	m.Add(AttrUnknownAttributes, value)
	return nil
}

// GetFrom implements Getter.
func (u *UnknownAttributes) GetFrom(m *Message) error {
	v, err := m.Get(AttrUnknownAttributes)
	if err != nil {
		return err
	}
	*u = (*u)[:0]
	for i := 0; i+2 <= len(v); i += 2 {
		*u = append(*u, AttrType(bin.Uint16(v[i:i+2])))
	}
	return nil
}
