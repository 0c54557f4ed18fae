// Package sessions manages pairwise and group encryption sessions on top of
// the session store.
//
// Managers never keep live session handles between calls. Every operation
// loads the sessions it needs inside one store transaction, uses them, and
// persists the advanced state before the transaction commits, while holding
// a lock scoped to the room, device or session involved.
package sessions

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
)

// Option configures a manager.
type Option func(*options)

type options struct {
	log logrus.FieldLogger
	now func() time.Time
	bus *Bus
}

func newOptions(component string, opts []Option) options {
	o := options{log: logrus.StandardLogger(), now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	o.log = o.log.WithField("component", component)
	return o
}

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithClock sets the time source used for rotation and last-received stamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithBus publishes session events on b.
func WithBus(b *Bus) Option {
	return func(o *options) { o.bus = b }
}

// publishCorrupt reports rows a load skipped.
func (o *options) publishCorrupt(corrupt []*cryptoerr.DecodeError) {
	for _, c := range corrupt {
		o.bus.Publish(CorruptSessionSkipped{Kind: c.Kind, ID: c.ID})
	}
}

// decryptErr wraps a crypto library failure. Only call it on errors
// returned by olm.
func decryptErr(sessionID string, err error) error {
	return &cryptoerr.DecryptError{SessionID: sessionID, Err: err}
}

// cryptoErr wraps any other olm failure of op.
func cryptoErr(op, sessionID string, err error) error {
	return &cryptoerr.CryptoError{Op: op, SessionID: sessionID, Err: err}
}
