// Package e2ee manages the end-to-end encryption sessions of a messaging
// client: pairwise sessions between devices, per-room group sessions with
// rotation, their encrypted persistence, and replay protection.
package e2ee

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/gwillem/e2ee-go/internal/config"
	"github.com/gwillem/e2ee-go/internal/keys"
	"github.com/gwillem/e2ee-go/internal/metrics"
	"github.com/gwillem/e2ee-go/internal/olm"
	"github.com/gwillem/e2ee-go/internal/pickle"
	"github.com/gwillem/e2ee-go/internal/sessions"
	"github.com/gwillem/e2ee-go/internal/store"
)

// ClaimedKey is a one-time key claimed for a remote device.
type ClaimedKey = sessions.ClaimedKey

// EncryptedGroupMessage is a received group ciphertext.
type EncryptedGroupMessage = sessions.EncryptedGroupMessage

// Decrypted is a decrypted group message.
type Decrypted = sessions.Decrypted

// Event is a session event delivered to Subscribe callbacks.
type Event = sessions.Event

// ErrNoAccount is returned by Open when the database holds no account and
// none was supplied with WithAccount.
var ErrNoAccount = sessions.ErrNoAccount

// Client is the main entry point. It owns the session store and the session
// managers of one local device.
type Client struct {
	userID   string
	deviceID string
	dbPath   string
	mode     pickle.Mode
	logger   logrus.FieldLogger
	now      func() time.Time
	registry prometheus.Registerer
	account  *olm.Account
	rotation keys.RotationPolicy

	store    *store.Store
	bus      *sessions.Bus
	identity keys.IdentityKeys
	pairwise *sessions.Pairwise
	outbound *sessions.Outbound
	inbound  *sessions.Inbound
}

// Option configures a Client.
type Option func(*Client)

// WithDBPath overrides the database path for persistent storage.
// If not set, defaults to $XDG_DATA_HOME/e2ee-go/<user>_<device>.db.
func WithDBPath(path string) Option {
	return func(c *Client) { c.dbPath = path }
}

// WithPickleKey encrypts session state at rest with key.
func WithPickleKey(key []byte) Option {
	return func(c *Client) { c.mode = pickle.Encrypted{Key: key} }
}

// WithPickleMode sets the pickling mode directly.
func WithPickleMode(mode pickle.Mode) Option {
	return func(c *Client) { c.mode = mode }
}

// WithLogger sets the logger. If not set, only warnings and errors are
// logged, to stderr.
func WithLogger(l logrus.FieldLogger) Option {
	return func(c *Client) { c.logger = l }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithMetrics registers session counters with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *Client) { c.registry = reg }
}

// WithRotationPolicy sets the rotation thresholds used when a room's
// encryption settings carry none. Defaults to keys.DefaultRotationPolicy.
func WithRotationPolicy(p keys.RotationPolicy) Option {
	return func(c *Client) { c.rotation = p }
}

// WithAccount stores acct as the device account when the database has none.
func WithAccount(acct *olm.Account) Option {
	return func(c *Client) { c.account = acct }
}

// DefaultDBPath returns the default database path of a device.
func DefaultDBPath(userID, deviceID string) string {
	clean := strings.NewReplacer("@", "", ":", "_", "/", "_").Replace(userID)
	return filepath.Join(store.DefaultDataDir(), clean+"_"+deviceID+".db")
}

// OpenConfig opens a device with the database, pickle, rotation and logging
// settings of cfg. passphrase is only called when the pickle key is derived
// from a passphrase. opts are applied after the configured ones.
func OpenConfig(userID, deviceID string, cfg *config.Config, passphrase func() ([]byte, error), opts ...Option) (*Client, error) {
	mode, err := cfg.PickleMode(passphrase)
	if err != nil {
		return nil, err
	}
	l := logrus.New()
	l.SetLevel(cfg.LogLevel())
	base := []Option{
		WithDBPath(cfg.Database.Path),
		WithPickleMode(mode),
		WithRotationPolicy(cfg.RotationPolicy()),
		WithLogger(l),
	}
	return Open(userID, deviceID, append(base, opts...)...)
}

// Open opens the session database of a local device, migrating it if
// needed, and loads the device account.
func Open(userID, deviceID string, opts ...Option) (*Client, error) {
	c := &Client{
		userID:   userID,
		deviceID: deviceID,
		mode:     pickle.Unencrypted{},
		now:      time.Now,
		rotation: keys.DefaultRotationPolicy(),
		bus:      sessions.NewBus(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		c.logger = l
	}
	if c.dbPath == "" {
		c.dbPath = DefaultDBPath(userID, deviceID)
	}
	c.logger.WithField("path", c.dbPath).Debug("opening database")

	st, err := store.Open(c.dbPath, c.mode, store.WithLogger(c.logger))
	if err != nil {
		return nil, fmt.Errorf("client: open store %s: %w", c.dbPath, err)
	}
	c.store = st

	if err := c.loadAccount(context.Background()); err != nil {
		st.Close()
		return nil, err
	}

	if c.registry != nil {
		m, err := metrics.New(c.registry)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("client: register metrics: %w", err)
		}
		m.Attach(c.bus)
	}

	opt := []sessions.Option{
		sessions.WithLogger(c.logger),
		sessions.WithClock(c.now),
		sessions.WithBus(c.bus),
	}
	c.pairwise = sessions.NewPairwise(st, opt...)
	c.outbound = sessions.NewOutbound(st, c.identity, opt...)
	c.inbound = sessions.NewInbound(st, opt...)
	return c, nil
}

func (c *Client) loadAccount(ctx context.Context) error {
	acct, err := c.store.LoadAccount(ctx)
	if err != nil {
		return fmt.Errorf("client: load account: %w", err)
	}
	switch {
	case acct == nil && c.account == nil:
		return ErrNoAccount
	case acct == nil:
		if err := c.store.SaveAccount(ctx, c.account); err != nil {
			return fmt.Errorf("client: save account: %w", err)
		}
		acct = c.account
	case c.account != nil:
		have, _ := acct.IdentityKeys()
		want, _ := c.account.IdentityKeys()
		if !bytes.Equal(have, want) {
			return errors.New("client: database holds a different account")
		}
	}
	c.identity.Curve25519, c.identity.Ed25519 = acct.IdentityKeys()
	c.account = nil
	return nil
}

// Close closes the client's database connection.
func (c *Client) Close() error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

// UserID returns the local user id.
func (c *Client) UserID() string { return c.userID }

// DeviceID returns the local device id.
func (c *Client) DeviceID() string { return c.deviceID }

// IdentityKeys returns the device's identity keys.
func (c *Client) IdentityKeys() keys.IdentityKeys { return c.identity }

// Subscribe registers fn for session events and returns a func that removes
// it. fn runs synchronously and must not call back into the Client.
func (c *Client) Subscribe(fn func(Event)) (cancel func()) {
	return c.bus.Subscribe(fn)
}

// GenerateOneTimeKeys creates n one-time keys, signs them with the device
// key and returns them keyed "signed_curve25519:<id>" for upload. The keys
// are marked as published.
func (c *Client) GenerateOneTimeKeys(ctx context.Context, n int) (map[string]keys.OneTimeKey, error) {
	out := make(map[string]keys.OneTimeKey, n)
	err := c.store.Tx(ctx, func(q *store.Queries) error {
		acct, err := q.LoadAccount(ctx)
		if err != nil {
			return err
		}
		if acct == nil {
			return ErrNoAccount
		}
		if err := acct.GenerateOneTimeKeys(n); err != nil {
			return fmt.Errorf("generate one-time keys: %w", err)
		}
		otks, err := acct.OneTimeKeys()
		if err != nil {
			return err
		}
		for id, pub := range otks {
			k := &keys.SignedKey{Key: pub}
			if err := k.Sign(c.userID, c.deviceID, acct.Sign); err != nil {
				return err
			}
			out[keys.KeyAlgorithmSignedCurve25519+":"+id] = k
		}
		acct.MarkKeysAsPublished()
		return q.SaveAccount(ctx, acct)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateSession starts a pairwise session with a remote device from a
// claimed one-time key.
func (c *Client) CreateSession(ctx context.Context, claim ClaimedKey) (string, error) {
	return c.pairwise.CreateOutbound(ctx, claim)
}

// HasSession reports whether a pairwise session with the device exists.
func (c *Client) HasSession(ctx context.Context, curve25519 string) (bool, error) {
	return c.pairwise.HasSession(ctx, curve25519)
}

// DecryptRoomEvent decrypts a group message, rejecting replayed indices.
func (c *Client) DecryptRoomEvent(ctx context.Context, msg EncryptedGroupMessage) (*Decrypted, error) {
	return c.inbound.Decrypt(ctx, msg)
}

// DiscardRoomSession drops the room's outbound session, for example after a
// member left. The next message starts a new session.
func (c *Client) DiscardRoomSession(ctx context.Context, roomID string) error {
	return c.outbound.Discard(ctx, roomID)
}

// ClearRoom deletes all sessions and replay records of a room.
func (c *Client) ClearRoom(ctx context.Context, roomID string) error {
	return c.store.ClearRoomData(ctx, roomID)
}
