// Package keys holds the key material and room encryption settings that
// cross the boundary between the session layer and its callers.
package keys

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
)

// Algorithm is one of the supported encryption algorithms.
type Algorithm string

const (
	AlgorithmOlmV1    Algorithm = "m.olm.v1.curve25519-aes-sha2"
	AlgorithmMegolmV1 Algorithm = "m.megolm.v1.aes-sha2"
)

// ParseAlgorithm validates an algorithm name received from outside.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(s); a {
	case AlgorithmOlmV1, AlgorithmMegolmV1:
		return a, nil
	}
	return "", &cryptoerr.UnsupportedAlgorithmError{Algorithm: s}
}

// Encoding is unpadded standard base64, used for every key on the wire and
// as the textual key in storage.
var Encoding = base64.RawStdEncoding

// DecodeKey decodes a base64 key, tolerating padding.
func DecodeKey(s string) ([]byte, error) {
	return Encoding.DecodeString(strings.TrimRight(s, "="))
}

// IdentityKeys are a device's long-term public keys.
type IdentityKeys struct {
	Curve25519 []byte
	Ed25519    []byte
}

// Curve25519String returns the sender key identifier used by the store.
func (k IdentityKeys) Curve25519String() string { return Encoding.EncodeToString(k.Curve25519) }

func (k IdentityKeys) Ed25519String() string { return Encoding.EncodeToString(k.Ed25519) }

// ParseIdentityKeys decodes base64 curve25519 and ed25519 keys.
func ParseIdentityKeys(curve25519, ed25519 string) (IdentityKeys, error) {
	c, err := DecodeKey(curve25519)
	if err != nil || len(c) != 32 {
		return IdentityKeys{}, fmt.Errorf("keys: invalid curve25519 key %q", curve25519)
	}
	e, err := DecodeKey(ed25519)
	if err != nil || len(e) != 32 {
		return IdentityKeys{}, fmt.Errorf("keys: invalid ed25519 key %q", ed25519)
	}
	return IdentityKeys{Curve25519: c, Ed25519: e}, nil
}

// Room encryption defaults applied when a room's settings omit a threshold.
const (
	DefaultRotationPeriod   = 7 * 24 * time.Hour
	DefaultRotationMessages = 100
)

// RotationPolicy bounds the lifetime of an outbound group session.
type RotationPolicy struct {
	Period   time.Duration
	Messages int
}

// DefaultRotationPolicy returns the policy used when a room specifies none.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{Period: DefaultRotationPeriod, Messages: DefaultRotationMessages}
}

// ShouldRotate reports whether a session created at createdAt that has
// encrypted count messages must be replaced, and why.
func (p RotationPolicy) ShouldRotate(count int, createdAt, now time.Time) (bool, string) {
	if p.Messages > 0 && count >= p.Messages {
		return true, "message_count"
	}
	if p.Period > 0 && now.Sub(createdAt) > p.Period {
		return true, "age"
	}
	return false, ""
}
