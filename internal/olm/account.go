// Package olm adapts the pure-Go olm and megolm ratchets from mautrix
// (crypto/goolm) to the raw-key API the session managers use. Keys cross
// the boundary as raw bytes, state leaves it through MarshalBinary so the
// pickle layer can seal it.
package olm

import (
	"crypto/ed25519"

	"maunium.net/go/mautrix/crypto/goolm/account"
	libolm "maunium.net/go/mautrix/crypto/olm"
)

// Account holds a device's identity keys and its one-time keys.
type Account struct {
	acct       *account.Account
	curve25519 []byte
	ed25519    []byte
}

// NewAccount creates an account with fresh identity keys.
func NewAccount() (*Account, error) {
	acct, err := account.NewAccount()
	if err != nil {
		return nil, newError(ErrRandom, err, "create account")
	}
	return wrapAccount(acct)
}

func wrapAccount(acct *account.Account) (*Account, error) {
	ed, curve, err := acct.IdentityKeys()
	if err != nil {
		return nil, newError(ErrBadState, err, "read identity keys")
	}
	a := &Account{acct: acct}
	if a.curve25519, err = decodeKey(string(curve)); err != nil {
		return nil, err
	}
	if a.ed25519, err = decodeKey(string(ed)); err != nil {
		return nil, err
	}
	return a, nil
}

// IdentityKeys returns the raw curve25519 and ed25519 public keys.
func (a *Account) IdentityKeys() (curve25519, ed25519Key []byte) {
	return a.curve25519, a.ed25519
}

// Sign signs msg with the account's ed25519 key and returns the raw
// signature.
func (a *Account) Sign(msg []byte) ([]byte, error) {
	sig, err := a.acct.Sign(msg)
	if err != nil {
		return nil, newError(ErrBadState, err, "sign")
	}
	if len(sig) == ed25519.SignatureSize {
		return sig, nil
	}
	return decodeKey(string(sig))
}

// GenerateOneTimeKeys adds n unpublished one-time keys.
func (a *Account) GenerateOneTimeKeys(n int) error {
	if n <= 0 {
		return nil
	}
	if err := a.acct.GenOneTimeKeys(uint(n)); err != nil {
		return newError(ErrRandom, err, "generate %d one-time keys", n)
	}
	return nil
}

// OneTimeKeys returns the unpublished one-time keys by key id.
func (a *Account) OneTimeKeys() (map[string][]byte, error) {
	otks, err := a.acct.OneTimeKeys()
	if err != nil {
		return nil, newError(ErrBadState, err, "list one-time keys")
	}
	out := make(map[string][]byte, len(otks))
	for keyID, k := range otks {
		raw, err := decodeKey(string(k))
		if err != nil {
			return nil, err
		}
		out[keyID] = raw
	}
	return out, nil
}

// MarkKeysAsPublished stops OneTimeKeys from returning the current keys.
func (a *Account) MarkKeysAsPublished() {
	a.acct.MarkKeysAsPublished()
}

// GenerateFallbackKey replaces the fallback key, which stays usable after
// one-time keys run out.
func (a *Account) GenerateFallbackKey() error {
	if err := a.acct.GenerateFallbackKey(); err != nil {
		return newError(ErrRandom, err, "generate fallback key")
	}
	return nil
}

// NewOutboundSession starts a session with the device owning
// theirIdentityKey, using one of its one-time keys.
func (a *Account) NewOutboundSession(theirIdentityKey, theirOneTimeKey []byte) (*Session, error) {
	s, err := a.acct.NewOutboundSession(curveKey(theirIdentityKey), curveKey(theirOneTimeKey))
	if err != nil {
		return nil, newError(ErrBadKey, err, "create outbound session")
	}
	return &Session{s: s}, nil
}

// NewInboundSession creates a session from a received pre-key message.
// When theirIdentityKey is not nil the message must come from that key.
// The one-time key stays in the account until RemoveOneTimeKeys.
func (a *Account) NewInboundSession(theirIdentityKey []byte, msg Message) (*Session, error) {
	if msg.Type != MessageTypePreKey {
		return nil, newError(ErrBadPreKeyMessage, nil, "message type %d is not a pre-key message", msg.Type)
	}
	var (
		s   libolm.Session
		err error
	)
	if theirIdentityKey != nil {
		k := curveKey(theirIdentityKey)
		s, err = a.acct.NewInboundSessionFrom(&k, string(msg.Body))
	} else {
		s, err = a.acct.NewInboundSession(string(msg.Body))
	}
	if err != nil {
		return nil, newError(ErrBadPreKeyMessage, err, "create inbound session")
	}
	return &Session{s: s}, nil
}

// RemoveOneTimeKeys drops the one-time key s was created from.
func (a *Account) RemoveOneTimeKeys(s *Session) error {
	if err := a.acct.RemoveOneTimeKeys(s.s); err != nil {
		return newError(ErrBadState, err, "remove one-time key of session %s", s.ID())
	}
	return nil
}

// MarshalBinary exports the account state.
func (a *Account) MarshalBinary() ([]byte, error) {
	data, err := a.acct.Pickle(stateKey)
	if err != nil {
		return nil, newError(ErrBadState, err, "export account")
	}
	return data, nil
}

// UnmarshalBinary replaces a with the state in data. a is left untouched
// on error.
func (a *Account) UnmarshalBinary(data []byte) error {
	acct := &account.Account{}
	if err := acct.Unpickle(data, stateKey); err != nil {
		return newError(ErrBadState, err, "import account")
	}
	w, err := wrapAccount(acct)
	if err != nil {
		return err
	}
	*a = *w
	return nil
}
