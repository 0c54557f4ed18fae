package sessions

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
	"github.com/gwillem/e2ee-go/internal/keys"
	"github.com/gwillem/e2ee-go/internal/olm"
	"github.com/gwillem/e2ee-go/internal/store"
)

// Rotation reasons reported in RoomKeyShare and OutboundSessionCreated.
const (
	ReasonNew        = "new"
	ReasonUnreadable = "unreadable"
)

// RoomKeyShare asks the key-distribution side to send a new session key to
// the room's devices.
type RoomKeyShare struct {
	RoomID     string
	SessionID  string
	SessionKey []byte
	Rotated    bool
	Reason     string
}

// GroupCiphertext is the result of an outbound group encryption.
// SessionKey is exported at MessageIndex, so a device that receives it can
// decrypt this message and every later one. KeyShare is non-nil when the
// session was created by this call.
type GroupCiphertext struct {
	RoomID       string
	SessionID    string
	MessageIndex uint32
	Ciphertext   []byte
	SessionKey   []byte
	KeyShare     *RoomKeyShare
}

// Outbound manages the local device's sending group session per room.
type Outbound struct {
	st    *store.Store
	own   keys.IdentityKeys
	opts  options
	locks keyedMutex
}

// NewOutbound returns an outbound group session manager. own are the local
// device's identity keys, under which a copy of every created session is
// stored as an inbound session.
func NewOutbound(st *store.Store, own keys.IdentityKeys, opts ...Option) *Outbound {
	return &Outbound{st: st, own: own, opts: newOptions("outbound", opts)}
}

// Encrypt encrypts plaintext with the room's current session, creating or
// rotating it first as policy requires. The advanced session and its message
// count are persisted before Encrypt returns.
func (o *Outbound) Encrypt(ctx context.Context, roomID string, policy keys.RotationPolicy, plaintext []byte) (*GroupCiphertext, error) {
	unlock := o.locks.Lock(roomID)
	defer unlock()

	var out *GroupCiphertext
	err := o.st.Tx(ctx, func(q *store.Queries) error {
		now := o.opts.now()
		cur, reason, err := o.current(ctx, q, roomID)
		if err != nil {
			return err
		}
		rotated := false
		if cur != nil {
			var rotate bool
			if rotate, reason = policy.ShouldRotate(cur.MessageCount, cur.CreatedAt, now); rotate {
				rotated = true
				if err := q.DeleteCurrentOutboundMegolmSession(ctx, roomID); err != nil {
					return err
				}
				cur = nil
			}
		}

		var share *RoomKeyShare
		if cur == nil {
			cur, err = o.create(ctx, q, roomID)
			if err != nil {
				return err
			}
			share = &RoomKeyShare{
				RoomID:     roomID,
				SessionID:  cur.SessionID,
				SessionKey: cur.Session.SessionKey(),
				Rotated:    rotated,
				Reason:     reason,
			}
		}

		sessionKey := cur.Session.SessionKey()
		index := cur.Session.MessageIndex()
		ct, err := cur.Session.Encrypt(plaintext)
		if err != nil {
			return cryptoErr("group encrypt", cur.SessionID, err)
		}
		if err := q.SaveCurrentOutboundMegolmSession(ctx, roomID, cur.Session, cur.CreatedAt, cur.MessageCount+1); err != nil {
			return err
		}
		out = &GroupCiphertext{
			RoomID:       roomID,
			SessionID:    cur.SessionID,
			MessageIndex: index,
			Ciphertext:   ct,
			SessionKey:   sessionKey,
			KeyShare:     share,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ks := out.KeyShare; ks != nil {
		entry := o.opts.log.WithFields(logrus.Fields{
			"room_id":    roomID,
			"session_id": ks.SessionID,
			"reason":     ks.Reason,
		})
		if ks.Rotated {
			entry.Info("rotated outbound group session")
		} else {
			entry.Debug("created outbound group session")
		}
		o.opts.bus.Publish(OutboundSessionCreated{
			RoomID:    roomID,
			SessionID: ks.SessionID,
			Rotated:   ks.Rotated,
			Reason:    ks.Reason,
		})
	}
	return out, nil
}

// current loads the room's session. An unreadable row is dropped and
// reported through reason so a fresh session replaces it.
func (o *Outbound) current(ctx context.Context, q *store.Queries, roomID string) (*store.OutboundMegolmSession, string, error) {
	cur, err := q.LoadCurrentOutboundMegolmSession(ctx, roomID)
	if err == nil {
		return cur, ReasonNew, nil
	}
	var derr *cryptoerr.DecodeError
	if !errors.As(err, &derr) {
		return nil, "", err
	}
	o.opts.bus.Publish(CorruptSessionSkipped{Kind: derr.Kind, ID: derr.ID})
	if err := q.DeleteCurrentOutboundMegolmSession(ctx, roomID); err != nil {
		return nil, "", err
	}
	return nil, ReasonUnreadable, nil
}

// create starts a session and stores it both as the room's outbound session
// and as an inbound session under our own keys, so messages sent with it
// stay decryptable after it is superseded.
func (o *Outbound) create(ctx context.Context, q *store.Queries, roomID string) (*store.OutboundMegolmSession, error) {
	sess, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, cryptoErr("create outbound group session", "", err)
	}
	in, err := olm.NewInboundGroupSession(sess.SessionKey())
	if err != nil {
		return nil, cryptoErr("create inbound copy", sess.ID(), err)
	}
	if err := q.SaveMegolmSession(ctx, roomID, o.own.Curve25519String(), o.own.Ed25519String(), in); err != nil {
		return nil, err
	}
	cur := &store.OutboundMegolmSession{
		RoomID:    roomID,
		SessionID: sess.ID(),
		Session:   sess,
		CreatedAt: o.opts.now(),
	}
	if err := q.SaveCurrentOutboundMegolmSession(ctx, roomID, sess, cur.CreatedAt, 0); err != nil {
		return nil, err
	}
	return cur, nil
}

// Current returns the room's outbound session, or nil if there is none.
func (o *Outbound) Current(ctx context.Context, roomID string) (*store.OutboundMegolmSession, error) {
	return o.st.LoadCurrentOutboundMegolmSession(ctx, roomID)
}

// Discard drops the room's outbound session. The next Encrypt creates a new
// one. Inbound copies are kept.
func (o *Outbound) Discard(ctx context.Context, roomID string) error {
	unlock := o.locks.Lock(roomID)
	defer unlock()

	return o.st.Tx(ctx, func(q *store.Queries) error {
		return q.DeleteCurrentOutboundMegolmSession(ctx, roomID)
	})
}

// MarkShared records that devices received the session key of sessionID.
func (o *Outbound) MarkShared(ctx context.Context, roomID, sessionID string, devices []store.Device) error {
	return o.st.Tx(ctx, func(q *store.Queries) error {
		return q.MarkOutboundShared(ctx, roomID, sessionID, devices)
	})
}

// SharedWith returns the devices that received the session key of sessionID.
func (o *Outbound) SharedWith(ctx context.Context, roomID, sessionID string) (map[store.Device]bool, error) {
	return o.st.OutboundSharedWith(ctx, roomID, sessionID)
}
