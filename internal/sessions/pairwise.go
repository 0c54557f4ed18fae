package sessions

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
	"github.com/gwillem/e2ee-go/internal/keys"
	"github.com/gwillem/e2ee-go/internal/olm"
	"github.com/gwillem/e2ee-go/internal/store"
)

// ErrNoAccount is returned when the store holds no local account.
var ErrNoAccount = errors.New("sessions: no account in store")

// ClaimedKey is a one-time key claimed for a remote device, together with
// the device's identity keys. OneTimeKey is nil when the device had none
// left.
type ClaimedKey struct {
	UserID     string
	DeviceID   string
	Identity   keys.IdentityKeys
	OneTimeKey keys.OneTimeKey
}

// Pairwise manages the pairwise sessions between the local account and
// remote devices.
type Pairwise struct {
	st    *store.Store
	opts  options
	locks keyedMutex
}

// NewPairwise returns a pairwise session manager backed by st. The store
// must hold the local account.
func NewPairwise(st *store.Store, opts ...Option) *Pairwise {
	return &Pairwise{st: st, opts: newOptions("pairwise", opts)}
}

func loadAccount(ctx context.Context, q *store.Queries) (*olm.Account, error) {
	acct, err := q.LoadAccount(ctx)
	if err != nil {
		return nil, err
	}
	if acct == nil {
		return nil, ErrNoAccount
	}
	return acct, nil
}

// CreateOutbound starts a new session with a remote device from a claimed
// one-time key and returns its id. Signed keys must carry a valid signature
// by the device's ed25519 key.
func (p *Pairwise) CreateOutbound(ctx context.Context, claim ClaimedKey) (string, error) {
	if claim.OneTimeKey == nil {
		return "", fmt.Errorf("%s/%s: %w", claim.UserID, claim.DeviceID, cryptoerr.ErrExhaustedOneTimeKeys)
	}
	if signed, ok := claim.OneTimeKey.(*keys.SignedKey); ok {
		if err := signed.Verify(claim.UserID, claim.DeviceID, claim.Identity.Ed25519); err != nil {
			return "", fmt.Errorf("verify one-time key of %s/%s: %w", claim.UserID, claim.DeviceID, err)
		}
	}
	senderKey := claim.Identity.Curve25519String()

	unlock := p.locks.Lock(senderKey)
	defer unlock()

	var sessionID string
	err := p.st.Tx(ctx, func(q *store.Queries) error {
		acct, err := loadAccount(ctx, q)
		if err != nil {
			return err
		}
		sess, err := acct.NewOutboundSession(claim.Identity.Curve25519, claim.OneTimeKey.PublicKey())
		if err != nil {
			return cryptoErr("create outbound session", "", err)
		}
		sessionID = sess.ID()
		return q.SaveOlmSession(ctx, senderKey, sess, p.opts.now())
	})
	if err != nil {
		return "", err
	}

	p.opts.log.WithFields(logrus.Fields{
		"sender_key": senderKey,
		"session_id": sessionID,
	}).Debug("created outbound pairwise session")
	p.opts.bus.Publish(PairwiseSessionCreated{SenderKey: senderKey, SessionID: sessionID})
	return sessionID, nil
}

// Encrypt encrypts plaintext for the device with curve25519 key theirKey
// using its preferred session, and marks that session as used now.
func (p *Pairwise) Encrypt(ctx context.Context, theirKey string, plaintext []byte) (olm.Message, string, error) {
	unlock := p.locks.Lock(theirKey)
	defer unlock()

	var (
		msg     olm.Message
		chosen  *store.OlmSession
		corrupt []*cryptoerr.DecodeError
	)
	err := p.st.Tx(ctx, func(q *store.Queries) error {
		loaded, err := q.LoadOlmSessionsFor(ctx, theirKey)
		if err != nil {
			return err
		}
		corrupt = loaded.Corrupt
		chosen = preferred(loaded, theirKey)
		if chosen == nil {
			return &cryptoerr.UnknownSessionError{SenderKey: theirKey}
		}
		msg, err = chosen.Session.Encrypt(plaintext)
		if err != nil {
			return cryptoErr("pairwise encrypt", chosen.SessionID, err)
		}
		return q.SaveOlmSession(ctx, theirKey, chosen.Session, p.opts.now())
	})
	p.opts.publishCorrupt(corrupt)
	if err != nil {
		return olm.Message{}, "", err
	}
	return msg, chosen.SessionID, nil
}

// PreferredSession returns the id of the session Encrypt would use.
func (p *Pairwise) PreferredSession(ctx context.Context, theirKey string) (string, error) {
	loaded, err := p.st.LoadOlmSessionsFor(ctx, theirKey)
	if err != nil {
		return "", err
	}
	p.opts.publishCorrupt(loaded.Corrupt)
	chosen := preferred(loaded, theirKey)
	if chosen == nil {
		return "", &cryptoerr.UnknownSessionError{SenderKey: theirKey}
	}
	return chosen.SessionID, nil
}

// HasSession reports whether a usable session with the device exists.
func (p *Pairwise) HasSession(ctx context.Context, theirKey string) (bool, error) {
	_, err := p.PreferredSession(ctx, theirKey)
	if errors.Is(err, cryptoerr.ErrUnknownSession) {
		return false, nil
	}
	return err == nil, err
}

// preferred picks the most recently used session, by the time of its last
// successful send or receive. The store returns rows ordered by that time
// descending, then session id ascending.
func preferred(loaded *store.OlmSessions, theirKey string) *store.OlmSession {
	if list := loaded.ByDevice[theirKey]; len(list) > 0 {
		return list[0]
	}
	return nil
}

// Decrypt decrypts a message from the device with curve25519 key theirKey.
// A pre-key message that matches no existing session creates a new inbound
// session, consuming the one-time key it was built on.
func (p *Pairwise) Decrypt(ctx context.Context, theirKey string, msg olm.Message) ([]byte, error) {
	theirCurve, err := keys.DecodeKey(theirKey)
	if err != nil {
		return nil, fmt.Errorf("decode sender key: %w", err)
	}

	unlock := p.locks.Lock(theirKey)
	defer unlock()

	var (
		plaintext []byte
		created   string
		corrupt   []*cryptoerr.DecodeError
	)
	err = p.st.Tx(ctx, func(q *store.Queries) error {
		loaded, err := q.LoadOlmSessionsFor(ctx, theirKey)
		if err != nil {
			return err
		}
		corrupt = loaded.Corrupt
		now := p.opts.now()

		var lastErr error
		for _, s := range loaded.ByDevice[theirKey] {
			if msg.Type == olm.MessageTypePreKey && !s.Session.MatchesInboundSession(msg) {
				continue
			}
			pt, err := s.Session.Decrypt(msg)
			if err != nil {
				if msg.Type == olm.MessageTypePreKey {
					return decryptErr(s.SessionID, err)
				}
				lastErr = decryptErr(s.SessionID, err)
				continue
			}
			plaintext = pt
			return q.SaveOlmSession(ctx, theirKey, s.Session, now)
		}

		if msg.Type != olm.MessageTypePreKey {
			if lastErr != nil {
				return lastErr
			}
			return &cryptoerr.UnknownSessionError{SenderKey: theirKey}
		}

		acct, err := loadAccount(ctx, q)
		if err != nil {
			return err
		}
		sess, err := acct.NewInboundSession(theirCurve, msg)
		if err != nil {
			return decryptErr("", err)
		}
		pt, err := sess.Decrypt(msg)
		if err != nil {
			return decryptErr(sess.ID(), err)
		}
		if err := acct.RemoveOneTimeKeys(sess); err != nil {
			return cryptoErr("consume one-time key", sess.ID(), err)
		}
		if err := q.SaveAccount(ctx, acct); err != nil {
			return err
		}
		if err := q.SaveOlmSession(ctx, theirKey, sess, now); err != nil {
			return err
		}
		plaintext, created = pt, sess.ID()
		return nil
	})
	p.opts.publishCorrupt(corrupt)
	if err != nil {
		return nil, err
	}

	if created != "" {
		p.opts.log.WithFields(logrus.Fields{
			"sender_key": theirKey,
			"session_id": created,
		}).Debug("created inbound pairwise session")
		p.opts.bus.Publish(PairwiseSessionCreated{SenderKey: theirKey, SessionID: created, Inbound: true})
	}
	return plaintext, nil
}
