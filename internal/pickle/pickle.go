// Package pickle converts exported session state to and from the blobs kept
// in the session store, optionally sealing them with a pickle key.
//
// Encrypted blobs use a synthetic IV: the nonce is an HMAC of the state, so
// encoding is deterministic and introduces no randomness of its own. Any
// corruption, truncation, wrong key or wrong mode is reported as a
// *cryptoerr.DecodeError.
package pickle

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
)

// Mode selects whether blobs are sealed. It is either Unencrypted or Encrypted.
type Mode interface {
	isMode()
}

// Unencrypted stores the exported state verbatim.
type Unencrypted struct{}

// Encrypted seals the exported state with Key.
type Encrypted struct {
	Key []byte
}

func (Unencrypted) isMode() {}
func (Encrypted) isMode()   {}

const (
	magic         = 'P'
	formatVersion = 1
	headerSize    = 2
	nonceSize     = chacha20poly1305.NonceSizeX
)

var (
	errEmptyKey     = errors.New("pickle: empty encryption key")
	errWrongKey     = errors.New("wrong pickle key or corrupted pickle")
	errShort        = errors.New("pickle too short")
	errBadHeader    = errors.New("not an encrypted pickle")
	errUnknownMode  = errors.New("pickle: unknown mode")
	errEmptyPayload = errors.New("empty pickle")
)

// Validate reports whether mode can be used.
func Validate(mode Mode) error {
	switch m := mode.(type) {
	case Unencrypted:
		return nil
	case Encrypted:
		if len(m.Key) == 0 {
			return errEmptyKey
		}
		return nil
	}
	return errUnknownMode
}

func deriveKeys(key []byte) (aeadKey, nonceKey []byte, err error) {
	out := make([]byte, chacha20poly1305.KeySize+sha256.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte("e2ee pickle")), out); err != nil {
		return nil, nil, err
	}
	return out[:chacha20poly1305.KeySize], out[chacha20poly1305.KeySize:], nil
}

// Encode turns exported state into a blob under mode.
func Encode(state []byte, mode Mode) ([]byte, error) {
	if err := Validate(mode); err != nil {
		return nil, err
	}
	m, ok := mode.(Encrypted)
	if !ok {
		return bytes.Clone(state), nil
	}
	aeadKey, nonceKey, err := deriveKeys(m.Key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, nonceKey)
	mac.Write(state)
	nonce := mac.Sum(nil)[:nonceSize]

	header := []byte{magic, formatVersion}
	out := make([]byte, 0, headerSize+nonceSize+len(state)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, state, header), nil
}

// Decode recovers exported state from a blob produced by Encode with the
// same mode. kind and id only label the returned error.
func Decode(blob []byte, mode Mode, kind, id string) ([]byte, error) {
	fail := func(err error) ([]byte, error) {
		return nil, &cryptoerr.DecodeError{Kind: kind, ID: id, Err: err}
	}
	if err := Validate(mode); err != nil {
		return fail(err)
	}
	if len(blob) == 0 {
		return fail(errEmptyPayload)
	}
	m, ok := mode.(Encrypted)
	if !ok {
		return bytes.Clone(blob), nil
	}
	aeadKey, nonceKey, err := deriveKeys(m.Key)
	if err != nil {
		return fail(err)
	}
	aead, err := chacha20poly1305.NewX(aeadKey)
	if err != nil {
		return fail(err)
	}
	if len(blob) < headerSize+nonceSize+aead.Overhead() {
		return fail(errShort)
	}
	header, nonce, sealed := blob[:headerSize], blob[headerSize:headerSize+nonceSize], blob[headerSize+nonceSize:]
	if header[0] != magic || header[1] != formatVersion {
		return fail(errBadHeader)
	}
	state, err := aead.Open(nil, nonce, sealed, header)
	if err != nil {
		return fail(errWrongKey)
	}
	// The nonce is bound to the plaintext; a mismatch means the blob was
	// not produced by Encode.
	mac := hmac.New(sha256.New, nonceKey)
	mac.Write(state)
	if !hmac.Equal(mac.Sum(nil)[:nonceSize], nonce) {
		return fail(errWrongKey)
	}
	return state, nil
}

// Pickle exports v and encodes it under mode.
func Pickle(v encoding.BinaryMarshaler, mode Mode) ([]byte, error) {
	state, err := v.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("pickle: export state: %w", err)
	}
	return Encode(state, mode)
}

// Unpickle decodes blob under mode and imports it into v. v is only
// modified when the whole blob decodes and imports cleanly.
func Unpickle(blob []byte, mode Mode, v encoding.BinaryUnmarshaler, kind, id string) error {
	state, err := Decode(blob, mode, kind, id)
	if err != nil {
		return err
	}
	if err := v.UnmarshalBinary(state); err != nil {
		return &cryptoerr.DecodeError{Kind: kind, ID: id, Err: err}
	}
	return nil
}
