package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gwillem/e2ee-go/internal/olm"
	"github.com/gwillem/e2ee-go/internal/pickle"
	"github.com/gwillem/e2ee-go/internal/store"
)

var (
	keyA = []byte("0123456789abcdef0123456789abcdef")
	keyB = []byte("fedcba9876543210fedcba9876543210")
)

// setup writes a config using key and returns the database path. Output of
// the commands is captured in the returned buffer.
func setup(t *testing.T, key []byte) (string, *bytes.Buffer) {
	t.Helper()
	dir := t.TempDir()
	keyFile := filepath.Join(dir, "pickle.key")
	require.NoError(t, os.WriteFile(keyFile, key, 0o600))
	dbPath := filepath.Join(dir, "sessions.db")
	cfgFile := filepath.Join(dir, "e2ee.toml")
	require.NoError(t, os.WriteFile(cfgFile, []byte(`
[Database]
  Path = "`+dbPath+`"

[Pickle]
  KeyFile = "`+keyFile+`"
`), 0o600))

	var buf bytes.Buffer
	opts = globalOpts{Config: cfgFile}
	stdout = &buf
	passphrase = func() ([]byte, error) {
		t.Fatal("passphrase must not be requested")
		return nil, nil
	}
	t.Cleanup(func() {
		opts = globalOpts{}
		stdout = os.Stdout
		passphrase = readPassphrase
	})
	return dbPath, &buf
}

func seed(t *testing.T, dbPath string, key []byte, room string) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(dbPath, pickle.Encrypted{Key: key})
	require.NoError(t, err)
	defer st.Close()

	acct, err := olm.NewAccount()
	require.NoError(t, err)
	require.NoError(t, st.SaveAccount(ctx, acct))
	out, err := olm.NewOutboundGroupSession()
	require.NoError(t, err)
	require.NoError(t, st.SaveCurrentOutboundMegolmSession(ctx, room, out, time.Now(), 0))
	in, err := olm.NewInboundGroupSession(out.SessionKey())
	require.NoError(t, err)
	require.NoError(t, st.SaveMegolmSession(ctx, room, "sender", "ed", in))
}

func TestStats(t *testing.T) {
	dbPath, buf := setup(t, keyA)
	seed(t, dbPath, keyA, "!a")

	require.NoError(t, (&statsCommand{}).Execute(nil))
	assert.Contains(t, buf.String(), "Accounts:                  1")
	assert.Contains(t, buf.String(), "Inbound group sessions:    1")
}

func TestMigrate(t *testing.T) {
	_, buf := setup(t, keyA)
	require.NoError(t, (&migrateCommand{}).Execute(nil))
	assert.Contains(t, buf.String(), "Schema version")
}

func TestVerify(t *testing.T) {
	dbPath, buf := setup(t, keyA)
	seed(t, dbPath, keyA, "!a")

	require.NoError(t, (&verifyCommand{}).Execute(nil))
	assert.Contains(t, buf.String(), "Decoded 0 olm, 1 inbound and 1 outbound group sessions")
	assert.Contains(t, buf.String(), "OK")
}

func TestVerifyReportsWrongKey(t *testing.T) {
	dbPath, buf := setup(t, keyB)
	seed(t, dbPath, keyA, "!a")

	err := (&verifyCommand{}).Execute(nil)
	assert.ErrorIs(t, err, errUndecodable)
	assert.Contains(t, buf.String(), "UNDECODABLE account")
	assert.Contains(t, buf.String(), "UNDECODABLE megolm_session")
	assert.Contains(t, buf.String(), "UNDECODABLE outbound_megolm_session")
}

func TestClearRoomAndReset(t *testing.T) {
	ctx := context.Background()
	dbPath, _ := setup(t, keyA)
	seed(t, dbPath, keyA, "!a")

	cmd := &clearRoomCommand{}
	cmd.Args.Room = "!a"
	require.NoError(t, cmd.Execute(nil))

	assert.ErrorIs(t, (&resetCommand{}).Execute(nil), errNotConfirmed)
	require.NoError(t, (&resetCommand{Yes: true}).Execute(nil))

	st, err := store.Open(dbPath, pickle.Encrypted{Key: keyA})
	require.NoError(t, err)
	defer st.Close()
	s, err := st.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, &store.Stats{Version: store.CurrentVersion()}, s)
}

func TestDBFlagOverridesConfig(t *testing.T) {
	_, buf := setup(t, keyA)
	other := filepath.Join(t.TempDir(), "other.db")
	opts.DB = other

	require.NoError(t, (&migrateCommand{}).Execute(nil))
	assert.FileExists(t, other)
	assert.Contains(t, buf.String(), "Schema version")
}
