// Package turn implements the TURN (RFC 5766) attributes and framing this
// server adds on top of the stun package's STUN codec.
package turn

import "encoding/binary"

var bin = binary.BigEndian

// BadAttrLength is returned when a fixed-size TURN attribute is decoded
// from a value of the wrong length.
type BadAttrLength struct {
	Attr     string
	Got      int
	Expected int
}

func (e *BadAttrLength) Error() string {
	return "turn: bad attribute length for " + e.Attr
}
