package e2ee

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/gwillem/e2ee-go/internal/config"
	"github.com/gwillem/e2ee-go/internal/cryptoerr"
	"github.com/gwillem/e2ee-go/internal/keys"
	"github.com/gwillem/e2ee-go/internal/olm"
)

const testRoom = "!room:example.org"

var testPickleKey = []byte("0123456789abcdef0123456789abcdef")

func newTestClient(t *testing.T, userID, deviceID string, opts ...Option) (*Client, string) {
	t.Helper()
	acct, err := olm.NewAccount()
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "e2ee.db")
	opts = append([]Option{WithDBPath(path), WithPickleKey(testPickleKey), WithAccount(acct)}, opts...)
	c, err := Open(userID, deviceID, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, path
}

func device(c *Client) Device {
	return Device{UserID: c.UserID(), DeviceID: c.DeviceID(), Curve25519: c.IdentityKeys().Curve25519String()}
}

// connect gives from a pairwise session towards to, as if a one-time key
// had been claimed from the server.
func connect(t *testing.T, from, to *Client) {
	t.Helper()
	ctx := context.Background()
	otks, err := to.GenerateOneTimeKeys(ctx, 1)
	require.NoError(t, err)
	require.Len(t, otks, 1)
	for _, k := range otks {
		_, err := from.CreateSession(ctx, ClaimedKey{
			UserID:     to.UserID(),
			DeviceID:   to.DeviceID(),
			Identity:   to.IdentityKeys(),
			OneTimeKey: k,
		})
		require.NoError(t, err)
	}
}

func groupMessage(ev *EncryptedEvent, eventID string) EncryptedGroupMessage {
	return EncryptedGroupMessage{
		RoomID:     ev.RoomID,
		SenderKey:  ev.SenderKey,
		SessionID:  ev.SessionID,
		EventID:    eventID,
		Timestamp:  time.UnixMilli(1_700_000_000_000),
		Ciphertext: ev.Ciphertext,
	}
}

// deliver hands m to c the way a transport would, as encoded bytes.
func deliver(t *testing.T, c *Client, m ToDeviceMessage) *ReceivedRoomKey {
	t.Helper()
	wire, err := m.MarshalBinary()
	require.NoError(t, err)
	var got ToDeviceMessage
	require.NoError(t, got.UnmarshalBinary(wire))
	key, err := c.ReceiveToDevice(context.Background(), got)
	require.NoError(t, err)
	return key
}

func TestRoomMessageEndToEnd(t *testing.T) {
	ctx := context.Background()
	alice, _ := newTestClient(t, "@alice:example.org", "ALICE")
	bob, _ := newTestClient(t, "@bob:example.org", "BOB")
	carol, _ := newTestClient(t, "@carol:example.org", "CAROL")
	connect(t, alice, bob)
	connect(t, alice, carol)

	settings := keys.EncryptionSettings{Algorithm: keys.AlgorithmMegolmV1, Rotation: keys.DefaultRotationPolicy()}
	recipients := []Device{device(bob), device(carol)}

	ev, err := alice.EncryptRoomEvent(ctx, testRoom, settings, recipients, []byte("hello room"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), ev.MessageIndex)
	require.Len(t, ev.ToDevice, 2)
	for i, c := range []*Client{bob, carol} {
		assert.Equal(t, c.UserID(), ev.ToDevice[i].UserID)
		assert.NotEmpty(t, ev.ToDevice[i].TxnID)
		got := deliver(t, c, ev.ToDevice[i])
		assert.True(t, got.Added)
		assert.Equal(t, ev.SessionID, got.SessionID)
	}

	for _, c := range []*Client{bob, carol} {
		dec, err := c.DecryptRoomEvent(ctx, groupMessage(ev, "$one"))
		require.NoError(t, err)
		assert.Equal(t, []byte("hello room"), dec.Plaintext)
		assert.Equal(t, alice.IdentityKeys().Ed25519String(), dec.SenderEd25519)
	}

	// Both already hold the session key.
	ev2, err := alice.EncryptRoomEvent(ctx, testRoom, settings, recipients, []byte("second"))
	require.NoError(t, err)
	assert.Equal(t, ev.SessionID, ev2.SessionID)
	assert.Equal(t, uint32(1), ev2.MessageIndex)
	assert.Empty(t, ev2.ToDevice)

	dec, err := bob.DecryptRoomEvent(ctx, groupMessage(ev2, "$two"))
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), dec.Plaintext)

	// The same ciphertext presented as another event is a replay.
	_, err = bob.DecryptRoomEvent(ctx, groupMessage(ev2, "$forged"))
	assert.True(t, errors.Is(err, cryptoerr.ErrReplayDetected))
}

func TestEncryptRoomEventWaitsForSessions(t *testing.T) {
	ctx := context.Background()
	alice, _ := newTestClient(t, "@alice:example.org", "ALICE")
	bob, _ := newTestClient(t, "@bob:example.org", "BOB")
	carol, _ := newTestClient(t, "@carol:example.org", "CAROL")
	connect(t, alice, bob)

	settings := keys.EncryptionSettings{Algorithm: keys.AlgorithmMegolmV1, Rotation: keys.DefaultRotationPolicy()}
	recipients := []Device{device(bob), device(carol)}

	_, err := alice.EncryptRoomEvent(ctx, testRoom, settings, recipients, []byte("first"))
	require.ErrorIs(t, err, ErrMissingSessions)
	var missing *MissingSessionsError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []Device{device(carol)}, missing.Devices)

	// Nothing was encrypted or shared.
	cur, err := alice.outbound.Current(ctx, testRoom)
	require.NoError(t, err)
	assert.Nil(t, cur)

	connect(t, alice, carol)
	ev, err := alice.EncryptRoomEvent(ctx, testRoom, settings, recipients, []byte("first"))
	require.NoError(t, err)
	assert.Equal(t, uint32(0), ev.MessageIndex)
	require.Len(t, ev.ToDevice, 2)

	// Every recipient can read the first message actually sent.
	for i, c := range []*Client{bob, carol} {
		deliver(t, c, ev.ToDevice[i])
		dec, err := c.DecryptRoomEvent(ctx, groupMessage(ev, "$first"))
		require.NoError(t, err)
		assert.Equal(t, []byte("first"), dec.Plaintext)
	}
}

func TestToDeviceEnvelope(t *testing.T) {
	m := ToDeviceMessage{
		TxnID:     "txn",
		UserID:    "@bob:example.org",
		DeviceID:  "BOB",
		SenderKey: "c2VuZGVy",
		Message:   olm.Message{Type: olm.MessageTypeNormal, Body: []byte("ciphertext")},
	}
	wire, err := m.MarshalBinary()
	require.NoError(t, err)
	var got ToDeviceMessage
	require.NoError(t, got.UnmarshalBinary(wire))
	assert.Equal(t, m, got)

	// Unknown fields are skipped.
	extra := protowire.AppendTag(append([]byte(nil), wire...), 15, protowire.VarintType)
	extra = protowire.AppendVarint(extra, 42)
	require.NoError(t, got.UnmarshalBinary(extra))
	assert.Equal(t, m, got)

	for name, b := range map[string][]byte{
		"truncated":    wire[:len(wire)-3],
		"empty":        nil,
		"message type": protowire.AppendVarint(protowire.AppendTag(append([]byte(nil), wire...), fieldMsgType, protowire.VarintType), 7),
	} {
		var bad ToDeviceMessage
		assert.ErrorIs(t, bad.UnmarshalBinary(b), errBadEnvelope, name)
	}
}

func TestOpenConfigAppliesRotation(t *testing.T) {
	ctx := context.Background()
	cfg, err := config.Load([]byte(`
[Database]
  Path = "` + filepath.Join(t.TempDir(), "e2ee.db") + `"

[Pickle]
  Unencrypted = true

[Rotation]
  Messages = 1
`))
	require.NoError(t, err)
	acct, err := olm.NewAccount()
	require.NoError(t, err)
	alice, err := OpenConfig("@alice:example.org", "ALICE", cfg, nil, WithAccount(acct))
	require.NoError(t, err)
	defer alice.Close()

	// Settings without thresholds fall back to the configured policy.
	settings := keys.EncryptionSettings{Algorithm: keys.AlgorithmMegolmV1}
	first, err := alice.EncryptRoomEvent(ctx, testRoom, settings, nil, []byte("one"))
	require.NoError(t, err)
	second, err := alice.EncryptRoomEvent(ctx, testRoom, settings, nil, []byte("two"))
	require.NoError(t, err)
	assert.True(t, second.Rotated)
	assert.NotEqual(t, first.SessionID, second.SessionID)

	// Explicit room thresholds win.
	settings.Rotation = keys.RotationPolicy{Period: time.Hour, Messages: 10}
	third, err := alice.EncryptRoomEvent(ctx, "!other:example.org", settings, nil, []byte("a"))
	require.NoError(t, err)
	fourth, err := alice.EncryptRoomEvent(ctx, "!other:example.org", settings, nil, []byte("b"))
	require.NoError(t, err)
	assert.False(t, fourth.Rotated)
	assert.Equal(t, third.SessionID, fourth.SessionID)
}

func TestRotationRedistributesKey(t *testing.T) {
	ctx := context.Background()
	alice, _ := newTestClient(t, "@alice:example.org", "ALICE")
	bob, _ := newTestClient(t, "@bob:example.org", "BOB")
	connect(t, alice, bob)

	settings := keys.EncryptionSettings{
		Algorithm: keys.AlgorithmMegolmV1,
		Rotation:  keys.RotationPolicy{Period: time.Hour, Messages: 1},
	}
	recipients := []Device{device(bob)}

	first, err := alice.EncryptRoomEvent(ctx, testRoom, settings, recipients, []byte("one"))
	require.NoError(t, err)
	assert.False(t, first.Rotated)
	second, err := alice.EncryptRoomEvent(ctx, testRoom, settings, recipients, []byte("two"))
	require.NoError(t, err)
	assert.True(t, second.Rotated)
	assert.NotEqual(t, first.SessionID, second.SessionID)
	require.Len(t, second.ToDevice, 1)

	for _, ev := range []*EncryptedEvent{first, second} {
		deliver(t, bob, ev.ToDevice[0])
	}
	for i, ev := range []*EncryptedEvent{first, second} {
		dec, err := bob.DecryptRoomEvent(ctx, groupMessage(ev, []string{"$a", "$b"}[i]))
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two"}[i], string(dec.Plaintext))
	}
}

func TestReceiveToDeviceForOtherRecipient(t *testing.T) {
	ctx := context.Background()
	alice, _ := newTestClient(t, "@alice:example.org", "ALICE")
	bob, _ := newTestClient(t, "@bob:example.org", "BOB")
	connect(t, alice, bob)

	// Addressed to bob's device id but under another user id.
	wrong := device(bob)
	wrong.UserID = "@mallory:example.org"
	settings := keys.EncryptionSettings{Algorithm: keys.AlgorithmMegolmV1, Rotation: keys.DefaultRotationPolicy()}
	ev, err := alice.EncryptRoomEvent(ctx, testRoom, settings, []Device{wrong}, []byte("x"))
	require.NoError(t, err)
	require.Len(t, ev.ToDevice, 1)

	_, err = bob.ReceiveToDevice(ctx, ev.ToDevice[0])
	assert.ErrorIs(t, err, errWrongRecipient)
}

func TestEncryptRoomEventRejectsAlgorithm(t *testing.T) {
	alice, _ := newTestClient(t, "@alice:example.org", "ALICE")
	_, err := alice.EncryptRoomEvent(context.Background(), testRoom, keys.EncryptionSettings{Algorithm: keys.AlgorithmOlmV1}, nil, []byte("x"))
	assert.True(t, errors.Is(err, cryptoerr.ErrUnsupportedAlgorithm))
}

func TestReopenKeepsAccountAndSessions(t *testing.T) {
	ctx := context.Background()
	alice, path := newTestClient(t, "@alice:example.org", "ALICE")
	bob, _ := newTestClient(t, "@bob:example.org", "BOB")
	connect(t, alice, bob)
	identity := alice.IdentityKeys()
	require.NoError(t, alice.Close())

	reopened, err := Open("@alice:example.org", "ALICE", WithDBPath(path), WithPickleKey(testPickleKey))
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, identity, reopened.IdentityKeys())

	ok, err := reopened.HasSession(ctx, bob.IdentityKeys().Curve25519String())
	require.NoError(t, err)
	assert.True(t, ok)

	other, err := olm.NewAccount()
	require.NoError(t, err)
	_, err = Open("@alice:example.org", "ALICE", WithDBPath(path), WithPickleKey(testPickleKey), WithAccount(other))
	assert.Error(t, err)
}

func TestOpenWithoutAccount(t *testing.T) {
	_, err := Open("@alice:example.org", "ALICE", WithDBPath(filepath.Join(t.TempDir(), "e2ee.db")))
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestOpenWithWrongPickleKey(t *testing.T) {
	alice, path := newTestClient(t, "@alice:example.org", "ALICE")
	require.NoError(t, alice.Close())

	_, err := Open("@alice:example.org", "ALICE", WithDBPath(path), WithPickleKey([]byte("a different pickle key")))
	assert.True(t, errors.Is(err, cryptoerr.ErrDecode))
}

func TestClearRoom(t *testing.T) {
	ctx := context.Background()
	alice, _ := newTestClient(t, "@alice:example.org", "ALICE")
	settings := keys.EncryptionSettings{Algorithm: keys.AlgorithmMegolmV1, Rotation: keys.DefaultRotationPolicy()}

	ev, err := alice.EncryptRoomEvent(ctx, testRoom, settings, nil, []byte("mine"))
	require.NoError(t, err)
	_, err = alice.DecryptRoomEvent(ctx, groupMessage(ev, "$e"))
	require.NoError(t, err)

	require.NoError(t, alice.ClearRoom(ctx, testRoom))
	_, err = alice.DecryptRoomEvent(ctx, groupMessage(ev, "$e"))
	assert.True(t, errors.Is(err, cryptoerr.ErrUnknownSession))
}

func TestMetricsAndEvents(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	alice, _ := newTestClient(t, "@alice:example.org", "ALICE", WithMetrics(reg))

	var events []Event
	cancel := alice.Subscribe(func(ev Event) { events = append(events, ev) })
	defer cancel()

	settings := keys.EncryptionSettings{Algorithm: keys.AlgorithmMegolmV1, Rotation: keys.DefaultRotationPolicy()}
	_, err := alice.EncryptRoomEvent(ctx, testRoom, settings, nil, []byte("x"))
	require.NoError(t, err)
	require.NotEmpty(t, events)

	families, err := reg.Gather()
	require.NoError(t, err)
	var found bool
	for _, f := range families {
		if f.GetName() == "e2ee_megolm_outbound_sessions_created_total" {
			found = true
			require.Len(t, f.GetMetric(), 1)
			assert.Equal(t, 1.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}
