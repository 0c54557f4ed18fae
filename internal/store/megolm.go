package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
	"github.com/gwillem/e2ee-go/internal/olm"
	"github.com/gwillem/e2ee-go/internal/pickle"
)

// MegolmKey identifies an inbound group session within a room.
type MegolmKey struct {
	SenderKey string
	SessionID string
}

// InboundMegolmSession is a group session received from a room member.
type InboundMegolmSession struct {
	RoomID        string
	SenderKey     string
	SessionID     string
	SenderEd25519 string
	Session       *olm.InboundGroupSession
}

// MegolmSessions holds the inbound group sessions of one room. Rows that
// failed to decode are listed in Corrupt.
type MegolmSessions struct {
	BySession map[MegolmKey]*InboundMegolmSession
	Corrupt   []*cryptoerr.DecodeError
}

// OutboundMegolmSession is our current sending session for a room.
type OutboundMegolmSession struct {
	RoomID       string
	SessionID    string
	Session      *olm.OutboundGroupSession
	CreatedAt    time.Time
	MessageCount int
}

// SaveMegolmSession inserts or replaces an inbound group session.
func (q *Queries) SaveMegolmSession(ctx context.Context, roomID, senderKey, ed25519Key string, s *olm.InboundGroupSession) error {
	blob, err := pickle.Pickle(s, q.mode)
	if err != nil {
		return storageErr("pickle megolm session", err)
	}
	_, err = q.q.ExecContext(ctx,
		`INSERT INTO inbound_megolm_sessions (room_id, sender_key, session_id, sender_ed25519, pickle) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (room_id, sender_key, session_id) DO UPDATE SET sender_ed25519 = excluded.sender_ed25519, pickle = excluded.pickle`,
		roomID, senderKey, s.ID(), ed25519Key, blob,
	)
	if err != nil {
		return storageErr("save megolm session", err)
	}
	return nil
}

// LoadMegolmSessions loads every inbound group session of a room.
func (q *Queries) LoadMegolmSessions(ctx context.Context, roomID string) (*MegolmSessions, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT sender_key, session_id, sender_ed25519, pickle FROM inbound_megolm_sessions WHERE room_id = ?`,
		roomID,
	)
	if err != nil {
		return nil, storageErr("load megolm sessions", err)
	}
	defer rows.Close()

	out := &MegolmSessions{BySession: make(map[MegolmKey]*InboundMegolmSession)}
	for rows.Next() {
		var (
			senderKey, sessionID, ed25519Key string
			blob                             []byte
		)
		if err := rows.Scan(&senderKey, &sessionID, &ed25519Key, &blob); err != nil {
			return nil, storageErr("scan megolm session", err)
		}
		sess, derr := q.unpickleInbound(blob, roomID, senderKey, sessionID)
		if derr != nil {
			out.Corrupt = append(out.Corrupt, derr)
			continue
		}
		out.BySession[MegolmKey{SenderKey: senderKey, SessionID: sessionID}] = &InboundMegolmSession{
			RoomID:        roomID,
			SenderKey:     senderKey,
			SessionID:     sessionID,
			SenderEd25519: ed25519Key,
			Session:       sess,
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load megolm sessions", err)
	}
	return out, nil
}

// LoadMegolmSession loads a single inbound group session. Returns nil, nil
// if it does not exist. A row that cannot be decoded is returned as a
// *cryptoerr.DecodeError.
func (q *Queries) LoadMegolmSession(ctx context.Context, roomID, senderKey, sessionID string) (*InboundMegolmSession, error) {
	var (
		ed25519Key string
		blob       []byte
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT sender_ed25519, pickle FROM inbound_megolm_sessions
		 WHERE room_id = ? AND sender_key = ? AND session_id = ?`,
		roomID, senderKey, sessionID,
	).Scan(&ed25519Key, &blob)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, storageErr("load megolm session", err)
	}
	sess, derr := q.unpickleInbound(blob, roomID, senderKey, sessionID)
	if derr != nil {
		return nil, derr
	}
	return &InboundMegolmSession{
		RoomID:        roomID,
		SenderKey:     senderKey,
		SessionID:     sessionID,
		SenderEd25519: ed25519Key,
		Session:       sess,
	}, nil
}

func (q *Queries) unpickleInbound(blob []byte, roomID, senderKey, sessionID string) (*olm.InboundGroupSession, *cryptoerr.DecodeError) {
	sess := new(olm.InboundGroupSession)
	if err := pickle.Unpickle(blob, q.mode, sess, "megolm_session", sessionID); err != nil {
		q.log.WithFields(logrus.Fields{
			"room_id":    roomID,
			"sender_key": senderKey,
			"session_id": sessionID,
		}).WithError(err).Warn("skipping undecodable megolm session")
		return nil, asDecodeError(err, "megolm_session", sessionID)
	}
	return sess, nil
}

// SaveCurrentOutboundMegolmSession replaces the room's outbound session.
func (q *Queries) SaveCurrentOutboundMegolmSession(ctx context.Context, roomID string, s *olm.OutboundGroupSession, createdAt time.Time, messageCount int) error {
	blob, err := pickle.Pickle(s, q.mode)
	if err != nil {
		return storageErr("pickle outbound megolm session", err)
	}
	_, err = q.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO outbound_megolm_sessions (room_id, session_id, pickle, created_at, message_count)
		 VALUES (?, ?, ?, ?, ?)`,
		roomID, s.ID(), blob, toMillis(createdAt), messageCount,
	)
	if err != nil {
		return storageErr("save outbound megolm session", err)
	}
	return nil
}

// LoadCurrentOutboundMegolmSession returns the room's outbound session, or
// nil, nil if there is none. A row that cannot be decoded is returned as a
// *cryptoerr.DecodeError.
func (q *Queries) LoadCurrentOutboundMegolmSession(ctx context.Context, roomID string) (*OutboundMegolmSession, error) {
	var (
		sessionID    string
		blob         []byte
		createdAt    int64
		messageCount int
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT session_id, pickle, created_at, message_count FROM outbound_megolm_sessions WHERE room_id = ?`,
		roomID,
	).Scan(&sessionID, &blob, &createdAt, &messageCount)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, storageErr("load outbound megolm session", err)
	}
	sess := new(olm.OutboundGroupSession)
	if err := pickle.Unpickle(blob, q.mode, sess, "outbound_megolm_session", sessionID); err != nil {
		q.log.WithFields(logrus.Fields{
			"room_id":    roomID,
			"session_id": sessionID,
		}).WithError(err).Warn("undecodable outbound megolm session")
		return nil, asDecodeError(err, "outbound_megolm_session", sessionID)
	}
	return &OutboundMegolmSession{
		RoomID:       roomID,
		SessionID:    sessionID,
		Session:      sess,
		CreatedAt:    fromMillis(createdAt),
		MessageCount: messageCount,
	}, nil
}

// DeleteCurrentOutboundMegolmSession drops the room's outbound session and
// its share records.
func (q *Queries) DeleteCurrentOutboundMegolmSession(ctx context.Context, roomID string) error {
	if _, err := q.q.ExecContext(ctx, "DELETE FROM outbound_megolm_sessions WHERE room_id = ?", roomID); err != nil {
		return storageErr("delete outbound megolm session", err)
	}
	if _, err := q.q.ExecContext(ctx, "DELETE FROM outbound_megolm_session_shares WHERE room_id = ?", roomID); err != nil {
		return storageErr("delete outbound megolm shares", err)
	}
	return nil
}
