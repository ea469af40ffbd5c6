// Package stun implements encoding and decoding of STUN (RFC 5389) and the
// subset of TURN (RFC 5766) messages built on top of it.
//
// The wire format is a 20-byte header followed by a sequence of
// type-length-value attributes, each padded to a 4-byte boundary. Message
// uses an internal byte buffer (Raw) so that repeated encode/decode cycles
// on a pooled Message do not allocate.
package stun

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
)

// bin is shorthand for binary.BigEndian, matching every attribute encoder
// below.
var bin = binary.BigEndian

const (
	magicCookie         = 0x2112A442
	attributeHeaderSize = 4
	messageHeaderSize   = 20
	transactionIDSize   = 12 // 96 bit
)

// MagicCookie is the fixed value that follows the message length field, used
// to distinguish STUN traffic from other protocols sharing the same port and
// to seed XOR address obfuscation.
const MagicCookie uint32 = magicCookie

// MaxPacketSize is the maximum size of a UDP datagram this package will
// attempt to decode as a STUN message.
const MaxPacketSize = 2048

// TransactionIDSize is the length in bytes of a STUN transaction id.
const TransactionIDSize = transactionIDSize

// DefaultPort is the default STUN/TURN port assigned by IANA (RFC 5389
// Section 8).
const DefaultPort = 3478

// IsMessage returns true if b looks like a STUN message: long enough for a
// header and carrying the magic cookie at the expected offset. It does not
// guarantee that Decode will succeed, only that the buffer is not something
// else (e.g. ChannelData).
func IsMessage(b []byte) bool {
	return len(b) >= messageHeaderSize && bin.Uint32(b[4:8]) == magicCookie
}

// New returns a *Message with a pre-allocated Raw buffer.
func New() *Message {
	const defaultCapacity = 128
	return &Message{Raw: make([]byte, messageHeaderSize, defaultCapacity)}
}

// Message represents a single STUN/TURN message.
type Message struct {
	Type          MessageType
	Length        uint32 // length of the attributes section, excludes header
	TransactionID [transactionIDSize]byte
	Attributes    Attributes
	Raw           []byte
}

// String renders a short diagnostic summary, safe to pass to a logger field.
func (m *Message) String() string {
	return fmt.Sprintf("%s l=%d attrs=%d tx=%s",
		m.Type, m.Length, len(m.Attributes),
		base64.StdEncoding.EncodeToString(m.TransactionID[:]),
	)
}

// Reset zeroes the message so it can be reused for a new encode or decode.
func (m *Message) Reset() {
	m.Raw = m.Raw[:0]
	m.Length = 0
	m.Attributes = m.Attributes[:0]
	m.Type = MessageType{}
}

func (m *Message) grow(n int) {
	for cap(m.Raw) < n {
		m.Raw = append(m.Raw, 0)
	}
	m.Raw = m.Raw[:n]
}

// Add appends a new attribute to the message, padding its value to a 4-byte
// boundary. v is copied into the internal buffer so callers may reuse it.
func (m *Message) Add(t AttrType, v []byte) {
	allocSize := attributeHeaderSize + len(v)
	first := messageHeaderSize + int(m.Length)
	last := first + allocSize
	m.grow(last)
	m.Length += uint32(allocSize)

	buf := m.Raw[first:last]
	value := buf[attributeHeaderSize:]
	bin.PutUint16(buf[0:2], uint16(t))
	bin.PutUint16(buf[2:4], uint16(len(v)))
	copy(value, v)

	if rem := len(v) % 4; rem != 0 {
		pad := 4 - rem
		last += pad
		m.grow(last)
		for i := last - pad; i < last; i++ {
			m.Raw[i] = 0
		}
		m.Length += uint32(pad)
	}

	m.Attributes = append(m.Attributes, RawAttribute{Type: t, Length: uint16(len(v)), Value: value})
}

// WriteLength writes the current attribute-section length into the header.
// Valid only once the header has been allocated (len(Raw) >= 4).
func (m *Message) WriteLength() {
	_ = m.Raw[3]
	bin.PutUint16(m.Raw[2:4], uint16(m.Length))
}

// WriteHeader serializes type, length, magic cookie and transaction id into
// the start of Raw.
func (m *Message) WriteHeader() {
	if len(m.Raw) < messageHeaderSize {
		m.grow(messageHeaderSize)
	}
	_ = m.Raw[:messageHeaderSize]
	bin.PutUint16(m.Raw[0:2], m.Type.Value())
	bin.PutUint16(m.Raw[2:4], uint16(len(m.Raw)-messageHeaderSize))
	bin.PutUint32(m.Raw[4:8], magicCookie)
	copy(m.Raw[8:messageHeaderSize], m.TransactionID[:])
}

// Encode resets Raw and re-serializes Type, TransactionID and Attributes.
// Prefer Build for constructing new messages from Setters.
func (m *Message) Encode() {
	m.Raw = m.Raw[:0]
	m.WriteHeader()
	attrs := m.Attributes
	m.Attributes = m.Attributes[:0]
	m.Length = 0
	for _, a := range attrs {
		m.Add(a.Type, a.Value)
	}
	m.WriteHeader()
}

// ErrUnexpectedHeaderEOF is returned by Decode when fewer than 20 bytes are
// available.
const ErrUnexpectedHeaderEOF Error = "message is too short to contain a header"

// ErrInvalidMagicCookie is returned by Decode when the cookie field does not
// match the fixed STUN value.
const ErrInvalidMagicCookie Error = "invalid magic cookie"

// ErrInvalidMessageLength is returned by Decode when the declared length
// would read past the end of the supplied buffer.
const ErrInvalidMessageLength Error = "message length exceeds buffer"

// Decode parses Raw into Type, Length, TransactionID and Attributes. The
// returned Attributes alias Raw: Raw must not be mutated while Attributes is
// still in use.
func (m *Message) Decode() error {
	buf := m.Raw
	if len(buf) < messageHeaderSize {
		return ErrUnexpectedHeaderEOF
	}
	t := bin.Uint16(buf[0:2])
	size := int(bin.Uint16(buf[2:4]))
	cookie := bin.Uint32(buf[4:8])
	fullSize := messageHeaderSize + size
	if cookie != magicCookie {
		return ErrInvalidMagicCookie
	}
	if len(buf) < fullSize {
		return ErrInvalidMessageLength
	}
	m.Type.ReadValue(t)
	m.Length = uint32(size)
	copy(m.TransactionID[:], buf[8:messageHeaderSize])

	m.Attributes = m.Attributes[:0]
	offset := 0
	b := buf[messageHeaderSize:fullSize]
	for offset < size {
		if len(b) < attributeHeaderSize {
			return newDecodeErr("attribute header truncated")
		}
		a := RawAttribute{
			Type:   AttrType(bin.Uint16(b[0:2])),
			Length: bin.Uint16(b[2:4]),
		}
		aLen := int(a.Length)
		padded := nearestPaddedLength(aLen)
		b = b[attributeHeaderSize:]
		offset += attributeHeaderSize
		if len(b) < padded {
			return newDecodeErr("attribute value truncated")
		}
		a.Value = b[:aLen]
		offset += padded
		b = b[padded:]
		m.Attributes = append(m.Attributes, a)
	}
	return nil
}

// WriteTo implements io.WriterTo.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(m.Raw)
	return int64(n), err
}

// ReadFrom implements io.ReaderFrom, decoding the message after reading it.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	if cap(m.Raw) == 0 {
		m.Raw = make([]byte, MaxPacketSize)
	}
	buf := m.Raw[:cap(m.Raw)]
	n, err := r.Read(buf)
	if err != nil {
		return int64(n), err
	}
	m.Raw = buf[:n]
	return int64(n), m.Decode()
}

func nearestPaddedLength(n int) int {
	rem := n % 4
	if rem == 0 {
		return n
	}
	return n + (4 - rem)
}

// Contains reports whether the message carries an attribute of type t.
func (m *Message) Contains(t AttrType) bool {
	_, ok := m.Attributes.Get(t)
	return ok
}

// Get returns the raw value of the first attribute of type t.
func (m *Message) Get(t AttrType) ([]byte, error) {
	a, ok := m.Attributes.Get(t)
	if !ok {
		return nil, ErrAttributeNotFound
	}
	return a.Value, nil
}

// Setter is implemented by anything that can append itself to a Message as
// one or more attributes.
type Setter interface {
	AddTo(m *Message) error
}

// Getter is implemented by anything that can read its value back out of a
// Message.
type Getter interface {
	GetFrom(m *Message) error
}

// Build resets m and applies every Setter in order. Handlers use this to
// assemble replies; Setters that represent STUN attributes should be added
// before MessageIntegrity if integrity protection is required, since
// MessageIntegrity.AddTo covers every byte written before it.
func (m *Message) Build(setters ...Setter) error {
	m.Reset()
	m.WriteHeader()
	for _, s := range setters {
		if err := s.AddTo(m); err != nil {
			return err
		}
	}
	m.WriteHeader()
	return nil
}

// MustBuild is like Build but panics on error; meant for tests and static
// construction of known-good messages.
func MustBuild(setters ...Setter) *Message {
	m := New()
	if err := m.Build(setters...); err != nil {
		panic(err)
	}
	return m
}

// Parse reads every Getter from the already decoded m in order, stopping at
// and returning the first error, ErrAttributeNotFound included.
func (m *Message) Parse(getters ...Getter) error {
	for _, g := range getters {
		if err := g.GetFrom(m); err != nil {
			return err
		}
	}
	return nil
}

// Error is a constant error, comparable with ==, used for sentinel codec
// errors so that callers can use simple equality checks.
type Error string

func (e Error) Error() string { return string(e) }

// ErrAttributeNotFound is returned by Getter implementations and Message.Get
// when the requested attribute is absent.
const ErrAttributeNotFound Error = "attribute not found"

type decodeErr struct{ msg string }

func newDecodeErr(msg string) error { return &decodeErr{msg: msg} }

func (e *decodeErr) Error() string { return "stun: decode error: " + e.msg }
