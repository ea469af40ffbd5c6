package stun

import (
	"fmt"
	"net"
)

const (
	familyIPv4 byte = 0x01
	familyIPv6 byte = 0x02
)

// MappedAddress implements the plain (non-obfuscated) MAPPED-ADDRESS
// attribute. The server's Binding success response carries
// XOR-MAPPED-ADDRESS instead.
type MappedAddress struct {
	IP   net.IP
	Port int
}

func (a MappedAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// AddTo implements Setter.
func (a MappedAddress) AddTo(m *Message) error {
	return addAddress(m, AttrMappedAddress, a.IP, a.Port)
}

// GetFrom implements Getter.
func (a *MappedAddress) GetFrom(m *Message) error {
	v, err := m.Get(AttrMappedAddress)
	if err != nil {
		return err
	}
	ip, port, err := decodeAddress(v)
	if err != nil {
		return err
	}
	a.IP, a.Port = ip, port
	return nil
}

func addAddress(m *Message, t AttrType, ip net.IP, port int) error {
	family := familyIPv4
	ip4 := ip.To4()
	v := ip4
	if ip4 == nil {
		family = familyIPv6
		v = ip.To16()
		if v == nil {
			return fmt.Errorf("stun: invalid IP address %v", ip)
		}
	}
	value := make([]byte, 4+len(v))
	value[1] = family
	bin.PutUint16(value[2:4], uint16(port))
	copy(value[4:], v)
	m.Add(t, value)
	return nil
}

func decodeAddress(v []byte) (net.IP, int, error) {
	if len(v) < 4 {
		return nil, 0, Error("stun: address attribute too short")
	}
	family := v[1]
	port := int(bin.Uint16(v[2:4]))
	addr := v[4:]
	switch family {
	case familyIPv4:
		if len(addr) < 4 {
			return nil, 0, Error("stun: ipv4 address truncated")
		}
		ip := make(net.IP, 4)
		copy(ip, addr[:4])
		return ip, port, nil
	case familyIPv6:
		if len(addr) < 16 {
			return nil, 0, Error("stun: ipv6 address truncated")
		}
		ip := make(net.IP, 16)
		copy(ip, addr[:16])
		return ip, port, nil
	default:
		return nil, 0, fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
}

// XORMappedAddress implements XOR-MAPPED-ADDRESS and, via AddToAs/GetFromAs,
// every other XOR-obfuscated address attribute (XOR-PEER-ADDRESS,
// XOR-RELAYED-ADDRESS): one padding byte, one family byte, the port XORed
// with the high 16 bits of the magic cookie, and the address XORed with the
// cookie (and, for the trailing 12 bytes of an IPv6 address, the
// transaction id), per RFC 5389 Section 15.2.
type XORMappedAddress struct {
	IP   net.IP
	Port int
}

func (a XORMappedAddress) String() string {
	return fmt.Sprintf("%s:%d", a.IP, a.Port)
}

// AddTo implements Setter.
func (a XORMappedAddress) AddTo(m *Message) error {
	return a.AddToAs(m, AttrXORMappedAddress)
}

// GetFrom implements Getter.
func (a *XORMappedAddress) GetFrom(m *Message) error {
	return a.GetFromAs(m, AttrXORMappedAddress)
}

// AddToAs encodes the address as attribute type t, so that RelayedAddress
// and PeerAddress in the turn package can reuse this codec for their own
// attribute numbers.
func (a XORMappedAddress) AddToAs(m *Message, t AttrType) error {
	family := familyIPv4
	ip4 := a.IP.To4()
	raw := []byte(ip4)
	if ip4 == nil {
		family = familyIPv6
		raw = []byte(a.IP.To16())
		if raw == nil {
			return fmt.Errorf("stun: invalid IP address %v", a.IP)
		}
	}
	var buf [4 + net.IPv6len]byte
	value := buf[:4+len(raw)]
	value[1] = family
	xport := uint16(a.Port) ^ uint16(magicCookie>>16)
	bin.PutUint16(value[2:4], xport)
	xorBytes(value[4:], raw, m, family)
	m.Add(t, value)
	return nil
}

// GetFromAs decodes attribute type t as an XOR-obfuscated address.
func (a *XORMappedAddress) GetFromAs(m *Message, t AttrType) error {
	v, err := m.Get(t)
	if err != nil {
		return err
	}
	if len(v) < 4 {
		return Error("stun: xor address attribute too short")
	}
	family := v[1]
	xport := bin.Uint16(v[2:4])
	port := int(xport ^ uint16(magicCookie>>16))
	raw := make([]byte, len(v)-4)
	xorBytes(raw, v[4:], m, family)
	switch family {
	case familyIPv4:
		if len(raw) != 4 {
			return Error("stun: ipv4 xor address has wrong length")
		}
	case familyIPv6:
		if len(raw) != 16 {
			return Error("stun: ipv6 xor address has wrong length")
		}
	default:
		return fmt.Errorf("stun: unknown address family 0x%02x", family)
	}
	a.IP = net.IP(raw)
	a.Port = port
	return nil
}

// xorBytes XORs src into dst using the magic cookie for the first 4 bytes
// (IPv4's entire address, or IPv6's first 4 bytes) and the transaction id
// for any remaining bytes (IPv6's trailing 12 bytes), per RFC 5389
// Section 15.2.
func xorBytes(dst, src []byte, m *Message, family byte) {
	var cookie [4]byte
	bin.PutUint32(cookie[:], magicCookie)
	for i := range src {
		if i < 4 {
			dst[i] = src[i] ^ cookie[i]
		} else {
			dst[i] = src[i] ^ m.TransactionID[i-4]
		}
	}
}
