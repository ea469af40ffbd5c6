package stun

// Username holds the USERNAME attribute value (UTF-8 identity presented by
// the client for long-term credential authentication).
type Username []byte

// NewUsername wraps a plain string as a Username Setter/Getter.
func NewUsername(s string) Username { return Username(s) }

func (u Username) String() string { return string(u) }

// AddTo implements Setter.
func (u Username) AddTo(m *Message) error {
	m.Add(AttrUsername, u)
	return nil
}

// GetFrom implements Getter.
func (u *Username) GetFrom(m *Message) error {
	v, err := m.Get(AttrUsername)
	if err != nil {
		return err
	}
	*u = v
	return nil
}

// Realm holds the REALM attribute value, the authentication realm presented
// by the server in a 401/438 challenge and echoed back by the client.
type Realm []byte

// NewRealm wraps a plain string as a Realm Setter/Getter.
func NewRealm(s string) Realm { return Realm(s) }

func (r Realm) String() string { return string(r) }

// AddTo implements Setter. A zero-length realm is not written, matching the
// behavior needed when no authentication is configured.
func (r Realm) AddTo(m *Message) error {
	if len(r) == 0 {
		return nil
	}
	m.Add(AttrRealm, r)
	return nil
}

// GetFrom implements Getter.
func (r *Realm) GetFrom(m *Message) error {
	v, err := m.Get(AttrRealm)
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Nonce holds the NONCE attribute value, the server-issued replay-resistant
// token from the long-term credential mechanism (RFC 5389 Section 10.2).
type Nonce []byte

func (n Nonce) String() string { return string(n) }

// AddTo implements Setter.
func (n Nonce) AddTo(m *Message) error {
	if len(n) == 0 {
		return nil
	}
	m.Add(AttrNonce, n)
	return nil
}

// GetFrom implements Getter.
func (n *Nonce) GetFrom(m *Message) error {
	v, err := m.Get(AttrNonce)
	if err != nil {
		return err
	}
	*n = v
	return nil
}

// Software holds the optional SOFTWARE attribute, a comprehension-optional
// description of the implementation sending the message.
type Software []byte

// NewSoftware wraps a plain string as a Software Setter. An empty string
// yields a Software value that AddTo silently skips.
func NewSoftware(s string) Software { return Software(s) }

func (s Software) String() string { return string(s) }

// AddTo implements Setter.
func (s Software) AddTo(m *Message) error {
	if len(s) == 0 {
		return nil
	}
	m.Add(AttrSoftware, s)
	return nil
}

// GetFrom implements Getter.
func (s *Software) GetFrom(m *Message) error {
	v, err := m.Get(AttrSoftware)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
