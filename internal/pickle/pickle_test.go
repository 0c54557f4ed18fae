package pickle

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
	"github.com/gwillem/e2ee-go/internal/olm"
)

var (
	keyA = Encrypted{Key: []byte("0123456789abcdef0123456789abcdef")}
	keyB = Encrypted{Key: []byte("fedcba9876543210fedcba9876543210")}
)

func TestRoundTrip(t *testing.T) {
	out, err := olm.NewOutboundGroupSession()
	require.NoError(t, err)
	_, err = out.Encrypt([]byte("advance once"))
	require.NoError(t, err)

	for name, mode := range map[string]Mode{"unencrypted": Unencrypted{}, "encrypted": keyA} {
		t.Run(name, func(t *testing.T) {
			blob, err := Pickle(out, mode)
			require.NoError(t, err)

			restored := new(olm.OutboundGroupSession)
			require.NoError(t, Unpickle(blob, mode, restored, "outbound_megolm", out.ID()))
			assert.Equal(t, out.ID(), restored.ID())
			assert.Equal(t, out.MessageIndex(), restored.MessageIndex())
			assert.Equal(t, out.SessionKey(), restored.SessionKey())
		})
	}
}

func TestUnencryptedIsVerbatim(t *testing.T) {
	state := []byte{1, 2, 3}
	blob, err := Encode(state, Unencrypted{})
	require.NoError(t, err)
	assert.Equal(t, state, blob)
}

func TestEncryptedIsDeterministic(t *testing.T) {
	state := []byte("exported state")
	a, err := Encode(state, keyA)
	require.NoError(t, err)
	b, err := Encode(state, keyA)
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.NotContains(t, string(a), "exported state")

	c, err := Encode([]byte("exported statf"), keyA)
	require.NoError(t, err)
	assert.NotEqual(t, a[headerSize:headerSize+nonceSize], c[headerSize:headerSize+nonceSize])
}

func TestDecodeFailsClosed(t *testing.T) {
	acct, err := olm.NewAccount()
	require.NoError(t, err)
	blob, err := Pickle(acct, keyA)
	require.NoError(t, err)

	flipped := append([]byte(nil), blob...)
	flipped[len(flipped)/2] ^= 0x01

	tests := []struct {
		name string
		blob []byte
		mode Mode
	}{
		{"wrong key", blob, keyB},
		{"truncated", blob[:len(blob)-1], keyA},
		{"header only", blob[:headerSize], keyA},
		{"bit flip", flipped, keyA},
		{"empty", nil, keyA},
		{"encrypted read as unencrypted", blob, Unencrypted{}},
		{"empty key", blob, Encrypted{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := new(olm.Account)
			err := Unpickle(tt.blob, tt.mode, target, "account", "")
			require.Error(t, err)
			assert.True(t, errors.Is(err, cryptoerr.ErrDecode))
			var derr *cryptoerr.DecodeError
			require.True(t, errors.As(err, &derr))
			assert.Equal(t, "account", derr.Kind)
		})
	}
}

func TestUnencryptedReadAsEncrypted(t *testing.T) {
	s, err := olm.NewOutboundGroupSession()
	require.NoError(t, err)
	blob, err := Pickle(s, Unencrypted{})
	require.NoError(t, err)

	err = Unpickle(blob, keyA, new(olm.OutboundGroupSession), "outbound_megolm", s.ID())
	assert.ErrorIs(t, err, cryptoerr.ErrDecode)
}

func TestEncodeRejectsEmptyKey(t *testing.T) {
	_, err := Encode([]byte("x"), Encrypted{})
	assert.Error(t, err)
}

func TestKeyFromPassphrase(t *testing.T) {
	salt := []byte("store-salt")
	k1, err := KeyFromPassphrase([]byte("hunter2"), salt)
	require.NoError(t, err)
	k2, err := KeyFromPassphrase([]byte("hunter2"), salt)
	require.NoError(t, err)
	assert.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2)

	k3, err := KeyFromPassphrase([]byte("hunter3"), salt)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)

	_, err = KeyFromPassphrase(nil, salt)
	assert.Error(t, err)
	_, err = KeyFromPassphrase([]byte("x"), []byte("short"))
	assert.Error(t, err)
}
