package pickle

import (
	"errors"

	"golang.org/x/crypto/argon2"
)

// KeySize is the length of keys returned by KeyFromPassphrase.
const KeySize = 32

// KeyFromPassphrase derives a pickle key with argon2id. The salt must be
// stable for a given store, or previously written pickles become unreadable.
func KeyFromPassphrase(passphrase, salt []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("pickle: empty passphrase")
	}
	if len(salt) < 8 {
		return nil, errors.New("pickle: salt must be at least 8 bytes")
	}
	return argon2.IDKey(passphrase, salt, 3, 32*1024, 4, KeySize), nil
}
