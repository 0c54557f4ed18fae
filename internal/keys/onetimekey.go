package keys

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
)

// Key id algorithm prefixes of claimed one-time keys.
const (
	KeyAlgorithmCurve25519       = "curve25519"
	KeyAlgorithmSignedCurve25519 = "signed_curve25519"
)

var ErrBadSignature = errors.New("keys: one-time key signature invalid")

// OneTimeKey is either an UnsignedKey or a *SignedKey.
type OneTimeKey interface {
	PublicKey() []byte
	oneTimeKey()
}

// UnsignedKey is a bare curve25519 one-time key.
type UnsignedKey struct {
	Key []byte
}

func (k UnsignedKey) PublicKey() []byte { return k.Key }
func (UnsignedKey) oneTimeKey()         {}

// SignedKey is a curve25519 one-time or fallback key signed by the
// owning device.
type SignedKey struct {
	Key        []byte
	Fallback   bool
	Signatures map[string]map[string]string // user id -> "ed25519:<device>" -> signature
}

func (k *SignedKey) PublicKey() []byte { return k.Key }
func (*SignedKey) oneTimeKey()         {}

type signedKeyJSON struct {
	Fallback   bool                         `json:"fallback,omitempty"`
	Key        string                       `json:"key"`
	Signatures map[string]map[string]string `json:"signatures,omitempty"`
}

// CanonicalJSON returns the bytes covered by the signatures: the key object
// without signatures, compact, keys sorted.
func (k *SignedKey) CanonicalJSON() []byte {
	b, _ := json.Marshal(signedKeyJSON{Fallback: k.Fallback, Key: Encoding.EncodeToString(k.Key)})
	return b
}

func (k *SignedKey) MarshalJSON() ([]byte, error) {
	return json.Marshal(signedKeyJSON{
		Fallback:   k.Fallback,
		Key:        Encoding.EncodeToString(k.Key),
		Signatures: k.Signatures,
	})
}

// Sign adds a signature by userID's deviceID produced by sign.
func (k *SignedKey) Sign(userID, deviceID string, sign func([]byte) ([]byte, error)) error {
	sig, err := sign(k.CanonicalJSON())
	if err != nil {
		return fmt.Errorf("sign one-time key: %w", err)
	}
	if k.Signatures == nil {
		k.Signatures = make(map[string]map[string]string)
	}
	if k.Signatures[userID] == nil {
		k.Signatures[userID] = make(map[string]string)
	}
	k.Signatures[userID]["ed25519:"+deviceID] = Encoding.EncodeToString(sig)
	return nil
}

// Verify checks the signature made by userID's deviceID with its ed25519 key.
func (k *SignedKey) Verify(userID, deviceID string, ed25519Key []byte) error {
	if len(ed25519Key) != ed25519.PublicKeySize {
		return fmt.Errorf("keys: invalid ed25519 key for %s/%s", userID, deviceID)
	}
	sigB64, ok := k.Signatures[userID]["ed25519:"+deviceID]
	if !ok {
		return fmt.Errorf("%w: no signature by %s/%s", ErrBadSignature, userID, deviceID)
	}
	sig, err := DecodeKey(sigB64)
	if err != nil || !ed25519.Verify(ed25519Key, k.CanonicalJSON(), sig) {
		return fmt.Errorf("%w: signature by %s/%s does not verify", ErrBadSignature, userID, deviceID)
	}
	return nil
}

// ParseOneTimeKeys decodes a map of claimed keys keyed "<algorithm>:<key id>".
// The algorithm prefix selects the variant.
func ParseOneTimeKeys(raw map[string]json.RawMessage) (map[string]OneTimeKey, error) {
	out := make(map[string]OneTimeKey, len(raw))
	for id, v := range raw {
		alg, _, ok := strings.Cut(id, ":")
		if !ok {
			return nil, fmt.Errorf("keys: malformed key id %q", id)
		}
		switch alg {
		case KeyAlgorithmCurve25519:
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return nil, fmt.Errorf("keys: key %s: %w", id, err)
			}
			key, err := DecodeKey(s)
			if err != nil || len(key) != 32 {
				return nil, fmt.Errorf("keys: key %s: invalid curve25519 key", id)
			}
			out[id] = UnsignedKey{Key: key}
		case KeyAlgorithmSignedCurve25519:
			var j signedKeyJSON
			if err := json.Unmarshal(v, &j); err != nil {
				return nil, fmt.Errorf("keys: key %s: %w", id, err)
			}
			key, err := DecodeKey(j.Key)
			if err != nil || len(key) != 32 {
				return nil, fmt.Errorf("keys: key %s: invalid curve25519 key", id)
			}
			out[id] = &SignedKey{Key: key, Fallback: j.Fallback, Signatures: j.Signatures}
		default:
			return nil, &cryptoerr.UnsupportedAlgorithmError{Algorithm: alg}
		}
	}
	return out, nil
}
