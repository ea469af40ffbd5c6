package auth

import (
	"sync"

	"github.com/relaynet/turnd/stun"
)

// Credential is one configured user. Password is kept only in memory and
// matched byte-for-byte with no hashing at rest; Key, when set, is the
// precomputed long-term integrity key and takes precedence over Password.
type Credential struct {
	Username string
	Password string
	Realm    string
	Key      []byte
}

// ErrUserNotFound is returned by Authenticate for an unrecognized username.
var ErrUserNotFound = errUserNotFound{}

type errUserNotFound struct{}

func (errUserNotFound) Error() string { return "auth: user not found" }

// Directory is the in-memory user directory: username to credential, keys
// unique. Credential storage stops here; nonce handling and the wiring of
// credentials into the request handlers live above this type.
type Directory struct {
	mux   sync.RWMutex
	users map[string]Credential
}

// NewDirectory builds a Directory preloaded with the given credentials.
func NewDirectory(credentials []Credential) *Directory {
	d := &Directory{users: make(map[string]Credential, len(credentials))}
	for _, c := range credentials {
		d.users[c.Username] = c
	}
	return d
}

// AddUser installs or replaces a single credential. This is the in-process
// operator surface; the config file feeds NewDirectory instead.
func (d *Directory) AddUser(username, password string) {
	d.mux.Lock()
	d.users[username] = Credential{Username: username, Password: password}
	d.mux.Unlock()
}

// PasswordFor returns the password on file for username, if any.
func (d *Directory) PasswordFor(username string) (string, bool) {
	d.mux.RLock()
	defer d.mux.RUnlock()
	c, ok := d.users[username]
	return c.Password, ok
}

func (d *Directory) lookup(username string) (Credential, bool) {
	d.mux.RLock()
	defer d.mux.RUnlock()
	c, ok := d.users[username]
	return c, ok
}

// Authenticate verifies a request's MESSAGE-INTEGRITY against the
// directory entry for its USERNAME/REALM. It returns the MessageIntegrity
// key so the caller can reuse it when building the authenticated reply.
func (d *Directory) Authenticate(m *stun.Message, realm string) (stun.MessageIntegrity, error) {
	var username stun.Username
	if err := username.GetFrom(m); err != nil {
		return nil, err
	}
	c, ok := d.lookup(username.String())
	if !ok {
		return nil, ErrUserNotFound
	}
	key := stun.MessageIntegrity(c.Key)
	if len(key) == 0 {
		r := c.Realm
		if r == "" {
			r = realm
		}
		key = stun.NewLongTermIntegrity(c.Username, r, c.Password)
	}
	if err := key.Check(m); err != nil {
		return nil, err
	}
	return key, nil
}
