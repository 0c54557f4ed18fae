package sessions

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gwillem/e2ee-go/internal/keys"
	"github.com/gwillem/e2ee-go/internal/olm"
	"github.com/gwillem/e2ee-go/internal/pickle"
	"github.com/gwillem/e2ee-go/internal/store"
)

var testKey = pickle.Encrypted{Key: []byte("0123456789abcdef0123456789abcdef")}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *fakeClock {
	return &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// device is a local device with its own store, account and managers.
type device struct {
	path     string
	st       *store.Store
	identity keys.IdentityKeys
	otks     [][]byte
	bus      *Bus
	pairwise *Pairwise
	outbound *Outbound
	inbound  *Inbound
}

func newDevice(t *testing.T, clock *fakeClock, oneTimeKeys int) *device {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")
	st, err := store.Open(path, testKey)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	acct, err := olm.NewAccount()
	require.NoError(t, err)
	d := &device{path: path, st: st, bus: NewBus()}
	if oneTimeKeys > 0 {
		require.NoError(t, acct.GenerateOneTimeKeys(oneTimeKeys))
		otks, err := acct.OneTimeKeys()
		require.NoError(t, err)
		for _, k := range otks {
			d.otks = append(d.otks, k)
		}
		acct.MarkKeysAsPublished()
	}
	require.NoError(t, st.SaveAccount(ctx, acct))
	d.identity.Curve25519, d.identity.Ed25519 = acct.IdentityKeys()

	opts := []Option{WithClock(clock.Now), WithBus(d.bus)}
	d.pairwise = NewPairwise(st, opts...)
	d.outbound = NewOutbound(st, d.identity, opts...)
	d.inbound = NewInbound(st, opts...)
	return d
}

func (d *device) curve() string { return d.identity.Curve25519String() }

// events records everything published on the device's bus.
func (d *device) events(t *testing.T) *recorder {
	r := &recorder{}
	t.Cleanup(d.bus.Subscribe(r.add))
	return r
}

type recorder struct {
	mu  sync.Mutex
	evs []Event
}

func (r *recorder) add(ev Event) {
	r.mu.Lock()
	r.evs = append(r.evs, ev)
	r.mu.Unlock()
}

func (r *recorder) outboundCreated() []OutboundSessionCreated {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []OutboundSessionCreated
	for _, ev := range r.evs {
		if e, ok := ev.(OutboundSessionCreated); ok {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) replays() []ReplayDetected {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ReplayDetected
	for _, ev := range r.evs {
		if e, ok := ev.(ReplayDetected); ok {
			out = append(out, e)
		}
	}
	return out
}
