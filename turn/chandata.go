package turn

import "github.com/relaynet/turnd/stun"

const channelDataHeaderSize = 4

// ChannelData is the non-STUN framing used once a channel is bound: a
// 4-byte header (channel number, data length) followed by the raw payload,
// padded to a 4-byte boundary, per RFC 5766 Section 11.4. It has no magic
// cookie and is distinguished from a STUN message by its channel number,
// which always falls in TURN's reserved range.
type ChannelData struct {
	Data   []byte
	Length int
	Number ChannelNumber
	Raw    []byte
}

// Equal reports whether c and b carry the same channel number and payload.
func (c ChannelData) Equal(b ChannelData) bool {
	if c.Number != b.Number || len(c.Data) != len(b.Data) {
		return false
	}
	for i := range c.Data {
		if c.Data[i] != b.Data[i] {
			return false
		}
	}
	return true
}

func (c *ChannelData) grow(n int) {
	for cap(c.Raw) < n {
		c.Raw = append(c.Raw, 0)
	}
	c.Raw = c.Raw[:n]
}

// Reset zeroes c for reuse.
func (c *ChannelData) Reset() {
	c.Raw = c.Raw[:0]
	c.Length = 0
	c.Data = nil
}

// WriteHeader serializes the channel number and data length into Raw[:4].
func (c *ChannelData) WriteHeader() {
	if len(c.Raw) < channelDataHeaderSize {
		c.grow(channelDataHeaderSize)
	}
	bin.PutUint16(c.Raw[0:2], uint16(c.Number))
	bin.PutUint16(c.Raw[2:4], uint16(c.Length))
}

// Encode serializes Number and Data into Raw, padding the payload to a
// 4-byte boundary as RFC 5766 Section 11.5 requires on the wire (the pad
// bytes are not part of Length).
func (c *ChannelData) Encode() {
	c.Length = len(c.Data)
	padded := nearestPadded(c.Length)
	c.grow(channelDataHeaderSize + padded)
	c.WriteHeader()
	copy(c.Raw[channelDataHeaderSize:], c.Data)
	for i := channelDataHeaderSize + c.Length; i < channelDataHeaderSize+padded; i++ {
		c.Raw[i] = 0
	}
	c.Data = c.Raw[channelDataHeaderSize : channelDataHeaderSize+c.Length]
}

// ErrBadChannelDataLength is returned by Decode when the declared length
// does not match the number of bytes actually available.
const ErrBadChannelDataLength stun.Error = "turn: channel-data length mismatch"

// Decode parses Raw into Number, Length and Data.
func (c *ChannelData) Decode() error {
	buf := c.Raw
	if len(buf) < channelDataHeaderSize {
		return stun.Error("turn: channel-data shorter than header")
	}
	num := ChannelNumber(bin.Uint16(buf[0:2]))
	if !num.Valid() {
		return ErrInvalidChannelNumber
	}
	size := int(bin.Uint16(buf[2:4]))
	if len(buf)-channelDataHeaderSize < size {
		return ErrBadChannelDataLength
	}
	c.Number = num
	c.Length = size
	c.Data = buf[channelDataHeaderSize : channelDataHeaderSize+size]
	return nil
}

func nearestPadded(n int) int {
	if rem := n % 4; rem != 0 {
		return n + (4 - rem)
	}
	return n
}

// IsChannelData reports whether buf looks like ChannelData rather than a
// STUN message: long enough for the header, and carrying a channel number
// in TURN's reserved range at the position where a STUN message would
// carry its class/method bits.
func IsChannelData(buf []byte) bool {
	if len(buf) < channelDataHeaderSize {
		return false
	}
	return ChannelNumber(bin.Uint16(buf[0:2])).Valid()
}
