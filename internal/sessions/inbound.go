package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
	"github.com/gwillem/e2ee-go/internal/olm"
	"github.com/gwillem/e2ee-go/internal/store"
)

// RoomKey is a group session key received from a room member.
type RoomKey struct {
	RoomID        string
	SenderKey     string
	SenderEd25519 string
	SessionKey    []byte
}

// EncryptedGroupMessage is a group ciphertext together with the event it
// arrived in.
type EncryptedGroupMessage struct {
	RoomID     string
	SenderKey  string
	SessionID  string
	EventID    string
	Timestamp  time.Time
	Ciphertext []byte
}

// Decrypted is a decrypted group message.
type Decrypted struct {
	Plaintext     []byte
	MessageIndex  uint32
	SenderKey     string
	SenderEd25519 string
}

// Inbound manages group sessions received from other devices.
type Inbound struct {
	st    *store.Store
	opts  options
	locks keyedMutex
}

// NewInbound returns an inbound group session manager.
func NewInbound(st *store.Store, opts ...Option) *Inbound {
	return &Inbound{st: st, opts: newOptions("inbound", opts)}
}

func sessionLockKey(roomID, senderKey, sessionID string) string {
	return roomID + "\x00" + senderKey + "\x00" + sessionID
}

// AddSession stores a received room key and returns its session id. When
// the session is already known, the copy that can decrypt from the lower
// message index is kept; added reports whether the new key was stored.
func (in *Inbound) AddSession(ctx context.Context, key RoomKey) (sessionID string, added bool, err error) {
	sess, err := olm.NewInboundGroupSession(key.SessionKey)
	if err != nil {
		return "", false, cryptoErr("import room key", "", err)
	}
	sessionID = sess.ID()

	unlock := in.locks.Lock(sessionLockKey(key.RoomID, key.SenderKey, sessionID))
	defer unlock()

	err = in.st.Tx(ctx, func(q *store.Queries) error {
		existing, err := q.LoadMegolmSession(ctx, key.RoomID, key.SenderKey, sessionID)
		var derr *cryptoerr.DecodeError
		switch {
		case errors.As(err, &derr):
			in.opts.bus.Publish(CorruptSessionSkipped{Kind: derr.Kind, ID: derr.ID})
		case err != nil:
			return err
		case existing != nil && existing.Session.FirstKnownIndex() <= sess.FirstKnownIndex():
			return nil
		}
		added = true
		return q.SaveMegolmSession(ctx, key.RoomID, key.SenderKey, key.SenderEd25519, sess)
	})
	if err != nil {
		return "", false, err
	}

	if added {
		in.opts.log.WithFields(logrus.Fields{
			"room_id":    key.RoomID,
			"sender_key": key.SenderKey,
			"session_id": sessionID,
			"index":      sess.FirstKnownIndex(),
		}).Debug("added inbound group session")
		in.opts.bus.Publish(InboundSessionAdded{
			RoomID:          key.RoomID,
			SenderKey:       key.SenderKey,
			SessionID:       sessionID,
			FirstKnownIndex: sess.FirstKnownIndex(),
		})
	}
	return sessionID, added, nil
}

// Decrypt decrypts a group message. The message index is recorded against
// the event id in the same transaction that persists the advanced session;
// an index already recorded for a different event fails with a
// *cryptoerr.ReplayError and nothing is written.
func (in *Inbound) Decrypt(ctx context.Context, msg EncryptedGroupMessage) (*Decrypted, error) {
	unlock := in.locks.Lock(sessionLockKey(msg.RoomID, msg.SenderKey, msg.SessionID))
	defer unlock()

	var out *Decrypted
	err := in.st.Tx(ctx, func(q *store.Queries) error {
		sess, err := q.LoadMegolmSession(ctx, msg.RoomID, msg.SenderKey, msg.SessionID)
		if err != nil {
			return err
		}
		if sess == nil {
			return &cryptoerr.UnknownSessionError{
				RoomID:    msg.RoomID,
				SenderKey: msg.SenderKey,
				SessionID: msg.SessionID,
			}
		}
		pt, index, err := sess.Session.Decrypt(msg.Ciphertext)
		if err != nil {
			return decryptErr(msg.SessionID, err)
		}
		if err := q.AddGroupSessionIndexRecord(ctx, msg.RoomID, msg.SessionID, index, msg.EventID, msg.Timestamp); err != nil {
			return err
		}
		if err := q.SaveMegolmSession(ctx, msg.RoomID, msg.SenderKey, sess.SenderEd25519, sess.Session); err != nil {
			return err
		}
		out = &Decrypted{
			Plaintext:     pt,
			MessageIndex:  index,
			SenderKey:     msg.SenderKey,
			SenderEd25519: sess.SenderEd25519,
		}
		return nil
	})

	var rerr *cryptoerr.ReplayError
	if errors.As(err, &rerr) {
		in.opts.log.WithFields(logrus.Fields{
			"room_id":    rerr.RoomID,
			"session_id": rerr.SessionID,
			"index":      rerr.Index,
			"event_id":   rerr.EventID,
		}).Warn("replayed group message index")
		in.opts.bus.Publish(ReplayDetected{
			RoomID:          rerr.RoomID,
			SessionID:       rerr.SessionID,
			Index:           rerr.Index,
			EventID:         rerr.EventID,
			RecordedEventID: rerr.RecordedEventID,
		})
	}
	var derr *cryptoerr.DecodeError
	if errors.As(err, &derr) {
		in.opts.bus.Publish(CorruptSessionSkipped{Kind: derr.Kind, ID: derr.ID})
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Sessions returns the inbound sessions stored for a room.
func (in *Inbound) Sessions(ctx context.Context, roomID string) (*store.MegolmSessions, error) {
	ms, err := in.st.LoadMegolmSessions(ctx, roomID)
	if err != nil {
		return nil, err
	}
	in.opts.publishCorrupt(ms.Corrupt)
	return ms, nil
}
