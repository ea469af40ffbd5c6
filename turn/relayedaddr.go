package turn

import "github.com/relaynet/turnd/stun"

// RelayedAddress implements XOR-RELAYED-ADDRESS, the relayed transport
// address the server assigns in a successful Allocate response.
type RelayedAddress Addr

func (a RelayedAddress) String() string { return Addr(a).String() }

// AddTo implements stun.Setter.
func (a RelayedAddress) AddTo(m *stun.Message) error {
	return stun.XORMappedAddress(a).AddToAs(m, stun.AttrXORRelayedAddress)
}

// GetFrom implements stun.Getter.
func (a *RelayedAddress) GetFrom(m *stun.Message) error {
	return (*stun.XORMappedAddress)(a).GetFromAs(m, stun.AttrXORRelayedAddress)
}

// PeerAddress implements XOR-PEER-ADDRESS, used by CreatePermission,
// ChannelBind and Send/Data to name the peer a client wants to reach
// through its allocation.
type PeerAddress Addr

func (a PeerAddress) String() string { return Addr(a).String() }

// AddTo implements stun.Setter.
func (a PeerAddress) AddTo(m *stun.Message) error {
	return stun.XORMappedAddress(a).AddToAs(m, stun.AttrXORPeerAddress)
}

// GetFrom implements stun.Getter.
func (a *PeerAddress) GetFrom(m *stun.Message) error {
	return (*stun.XORMappedAddress)(a).GetFromAs(m, stun.AttrXORPeerAddress)
}
