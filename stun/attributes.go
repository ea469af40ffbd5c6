package stun

import "fmt"

// AttrType is the 16-bit STUN attribute type.
type AttrType uint16

// Attribute types used by this implementation. Comprehension-required
// attributes have their high bit (0x8000) clear; comprehension-optional
// attributes have it set.
const (
	AttrMappedAddress     AttrType = 0x0001
	AttrUsername          AttrType = 0x0006
	AttrMessageIntegrity  AttrType = 0x0008
	AttrErrorCode         AttrType = 0x0009
	AttrUnknownAttributes AttrType = 0x000A
	AttrChannelNumber     AttrType = 0x000C
	AttrLifetime          AttrType = 0x000D
	AttrXORPeerAddress    AttrType = 0x0012
	AttrData              AttrType = 0x0013
	AttrRealm             AttrType = 0x0014
	AttrNonce             AttrType = 0x0015
	AttrXORRelayedAddress AttrType = 0x0016
	AttrRequestedTransport AttrType = 0x0019
	AttrXORMappedAddress  AttrType = 0x0020
	AttrSoftware          AttrType = 0x8022
)

var attrNames = map[AttrType]string{
	AttrMappedAddress:      "MAPPED-ADDRESS",
	AttrUsername:           "USERNAME",
	AttrMessageIntegrity:   "MESSAGE-INTEGRITY",
	AttrErrorCode:          "ERROR-CODE",
	AttrUnknownAttributes:  "UNKNOWN-ATTRIBUTES",
	AttrChannelNumber:      "CHANNEL-NUMBER",
	AttrLifetime:           "LIFETIME",
	AttrXORPeerAddress:     "XOR-PEER-ADDRESS",
	AttrData:               "DATA",
	AttrRealm:              "REALM",
	AttrNonce:              "NONCE",
	AttrXORRelayedAddress:  "XOR-RELAYED-ADDRESS",
	AttrRequestedTransport: "REQUESTED-TRANSPORT",
	AttrXORMappedAddress:   "XOR-MAPPED-ADDRESS",
	AttrSoftware:           "SOFTWARE",
}

func (t AttrType) String() string {
	if name, ok := attrNames[t]; ok {
		return name
	}
	return fmt.Sprintf("0x%04x", uint16(t))
}

// Required reports whether an unrecognized attribute of this type must
// cause a request to be rejected with 420 (Unknown Attribute), per the
// comprehension-required/optional split in RFC 5389 Section 15: types below
// 0x8000 require comprehension.
func (t AttrType) Required() bool { return t < 0x8000 }

// RawAttribute is a decoded, not-yet-interpreted TLV. Value aliases the
// owning Message's Raw buffer.
type RawAttribute struct {
	Type   AttrType
	Length uint16
	Value  []byte
}

func (a RawAttribute) String() string {
	return fmt.Sprintf("%s: 0x%x", a.Type, a.Value)
}

// Equal reports whether a and b carry the same type and value.
func (a RawAttribute) Equal(b RawAttribute) bool {
	if a.Type != b.Type || len(a.Value) != len(b.Value) {
		return false
	}
	for i := range a.Value {
		if a.Value[i] != b.Value[i] {
			return false
		}
	}
	return true
}

// Attributes is an ordered collection of decoded attributes, as produced by
// Message.Decode.
type Attributes []RawAttribute

// Get returns the first attribute of type t.
func (a Attributes) Get(t AttrType) (RawAttribute, bool) {
	for _, attr := range a {
		if attr.Type == t {
			return attr, true
		}
	}
	return RawAttribute{}, false
}

// knownAttrs lists attribute types this server understands, used to build
// UNKNOWN-ATTRIBUTES responses.
var knownAttrs = map[AttrType]struct{}{
	AttrMappedAddress:      {},
	AttrUsername:           {},
	AttrMessageIntegrity:   {},
	AttrErrorCode:          {},
	AttrUnknownAttributes:  {},
	AttrChannelNumber:      {},
	AttrLifetime:           {},
	AttrXORPeerAddress:     {},
	AttrData:               {},
	AttrRealm:              {},
	AttrNonce:              {},
	AttrXORRelayedAddress:  {},
	AttrRequestedTransport: {},
	AttrXORMappedAddress:   {},
	AttrSoftware:           {},
}

// UnknownComprehensionRequired scans m for comprehension-required attributes
// this implementation does not recognize, used to build a 420 (Unknown
// Attribute) response per RFC 5389 Section 7.3.1.
func UnknownComprehensionRequired(m *Message) []AttrType {
	var unknown []AttrType
	for _, a := range m.Attributes {
		if !a.Type.Required() {
			continue
		}
		if _, ok := knownAttrs[a.Type]; ok {
			continue
		}
		unknown = append(unknown, a.Type)
	}
	return unknown
}
