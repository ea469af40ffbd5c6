package stun

import "crypto/rand"

type transactionIDSetter struct{}

// AddTo fills m.TransactionID with fresh cryptographically random bytes and
// flushes the header, so setters applied after it (MESSAGE-INTEGRITY in
// particular) observe the final transaction id in Raw.
func (transactionIDSetter) AddTo(m *Message) error {
	if _, err := rand.Read(m.TransactionID[:]); err != nil {
		return err
	}
	m.WriteHeader()
	return nil
}

// TransactionID is a Setter that assigns a new random transaction id to the
// message being built.
var TransactionID Setter = transactionIDSetter{}

// NewTransactionID returns a fresh random transaction id, for callers that
// need one outside of Message.Build (e.g. matching a request id into a
// reply built independently).
func NewTransactionID() (id [TransactionIDSize]byte) {
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return id
}
