package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
)

func TestParseAlgorithm(t *testing.T) {
	for _, s := range []string{"m.olm.v1.curve25519-aes-sha2", "m.megolm.v1.aes-sha2"} {
		a, err := ParseAlgorithm(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(a))
	}
	_, err := ParseAlgorithm("m.megolm.v2.aes-sha2")
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))
}

func TestParseEncryptionSettings(t *testing.T) {
	defaults := DefaultRotationPolicy()

	tests := []struct {
		name    string
		content string
		want    RotationPolicy
		wantErr bool
	}{
		{"defaults", `{"algorithm":"m.megolm.v1.aes-sha2"}`, defaults, false},
		{"custom", `{"algorithm":"m.megolm.v1.aes-sha2","rotation_period_ms":3600000,"rotation_period_msgs":2}`,
			RotationPolicy{Period: time.Hour, Messages: 2}, false},
		{"olm is not a room algorithm", `{"algorithm":"m.olm.v1.curve25519-aes-sha2"}`, RotationPolicy{}, true},
		{"unknown algorithm", `{"algorithm":"m.fancy"}`, RotationPolicy{}, true},
		{"zero messages", `{"algorithm":"m.megolm.v1.aes-sha2","rotation_period_msgs":0}`, RotationPolicy{}, true},
		{"longest period", `{"algorithm":"m.megolm.v1.aes-sha2","rotation_period_ms":9223372036854}`,
			RotationPolicy{Period: 9223372036854 * time.Millisecond, Messages: DefaultRotationMessages}, false},
		{"period overflows duration", `{"algorithm":"m.megolm.v1.aes-sha2","rotation_period_ms":9223372036855}`, RotationPolicy{}, true},
		{"max int64 period", `{"algorithm":"m.megolm.v1.aes-sha2","rotation_period_ms":9223372036854775807}`, RotationPolicy{}, true},
		{"garbage", `not json`, RotationPolicy{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEncryptionSettings([]byte(tt.content), defaults)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, AlgorithmMegolmV1, got.Algorithm)
			assert.Equal(t, tt.want, got.Rotation)
		})
	}
}

func TestRotationPolicy(t *testing.T) {
	p := RotationPolicy{Period: time.Hour, Messages: 2}
	created := time.Unix(1000, 0)

	rotate, _ := p.ShouldRotate(1, created, created.Add(time.Minute))
	assert.False(t, rotate)

	rotate, reason := p.ShouldRotate(2, created, created.Add(time.Minute))
	assert.True(t, rotate)
	assert.Equal(t, "message_count", reason)

	rotate, reason = p.ShouldRotate(0, created, created.Add(time.Hour+time.Second))
	assert.True(t, rotate)
	assert.Equal(t, "age", reason)

	rotate, _ = p.ShouldRotate(0, created, created.Add(time.Hour))
	assert.False(t, rotate, "exactly the period is not past it")
}

func TestParseOneTimeKeys(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	signed := &SignedKey{Key: make([]byte, 32), Fallback: true}
	signed.Key[0] = 7
	require.NoError(t, signed.Sign("@bob:example.org", "BOBDEVICE", func(b []byte) ([]byte, error) {
		return ed25519.Sign(priv, b), nil
	}))
	signedJSON, err := json.Marshal(signed)
	require.NoError(t, err)

	raw := map[string]json.RawMessage{
		"signed_curve25519:AAAAAQ": signedJSON,
		"curve25519:AAAAAg":        json.RawMessage(`"` + Encoding.EncodeToString(make([]byte, 32)) + `"`),
	}
	parsed, err := ParseOneTimeKeys(raw)
	require.NoError(t, err)
	require.Len(t, parsed, 2)

	got, ok := parsed["signed_curve25519:AAAAAQ"].(*SignedKey)
	require.True(t, ok)
	assert.True(t, got.Fallback)
	assert.Equal(t, signed.Key, got.PublicKey())
	require.NoError(t, got.Verify("@bob:example.org", "BOBDEVICE", pub))
	assert.ErrorIs(t, got.Verify("@bob:example.org", "OTHER", pub), ErrBadSignature)

	got.Fallback = false
	assert.ErrorIs(t, got.Verify("@bob:example.org", "BOBDEVICE", pub), ErrBadSignature)

	_, ok = parsed["curve25519:AAAAAg"].(UnsignedKey)
	assert.True(t, ok)

	_, err = ParseOneTimeKeys(map[string]json.RawMessage{"ed448:AAAA": json.RawMessage(`"x"`)})
	assert.ErrorIs(t, err, cryptoerr.ErrUnsupportedAlgorithm)
}
