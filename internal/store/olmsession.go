package store

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
	"github.com/gwillem/e2ee-go/internal/olm"
	"github.com/gwillem/e2ee-go/internal/pickle"
)

// OlmSession is a pairwise session with a remote device, identified by the
// device's curve25519 key.
type OlmSession struct {
	SenderKey    string
	SessionID    string
	Session      *olm.Session
	LastReceived time.Time
}

// OlmSessions is the result of loading pairwise sessions. Sessions of each
// device are ordered most recently used first, ties broken by session id.
// Rows that failed to decode are left out of ByDevice and listed in Corrupt.
type OlmSessions struct {
	ByDevice map[string][]*OlmSession
	Corrupt  []*cryptoerr.DecodeError
}

// SaveOlmSession inserts or replaces the pickled state of a pairwise session.
func (q *Queries) SaveOlmSession(ctx context.Context, senderKey string, s *olm.Session, lastReceived time.Time) error {
	blob, err := pickle.Pickle(s, q.mode)
	if err != nil {
		return storageErr("pickle olm session", err)
	}
	_, err = q.q.ExecContext(ctx,
		`INSERT INTO olm_sessions (sender_key, session_id, pickle, last_received) VALUES (?, ?, ?, ?)
		 ON CONFLICT (sender_key, session_id) DO UPDATE SET pickle = excluded.pickle, last_received = excluded.last_received`,
		senderKey, s.ID(), blob, toMillis(lastReceived),
	)
	if err != nil {
		return storageErr("save olm session", err)
	}
	return nil
}

// LoadOlmSessions loads every pairwise session.
func (q *Queries) LoadOlmSessions(ctx context.Context) (*OlmSessions, error) {
	return q.loadOlmSessions(ctx,
		`SELECT sender_key, session_id, pickle, last_received FROM olm_sessions
		 ORDER BY sender_key, last_received DESC, session_id ASC`)
}

// LoadOlmSessionsFor loads the pairwise sessions of one remote device.
func (q *Queries) LoadOlmSessionsFor(ctx context.Context, senderKey string) (*OlmSessions, error) {
	return q.loadOlmSessions(ctx,
		`SELECT sender_key, session_id, pickle, last_received FROM olm_sessions
		 WHERE sender_key = ? ORDER BY last_received DESC, session_id ASC`, senderKey)
}

func (q *Queries) loadOlmSessions(ctx context.Context, query string, args ...any) (*OlmSessions, error) {
	rows, err := q.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("load olm sessions", err)
	}
	defer rows.Close()

	out := &OlmSessions{ByDevice: make(map[string][]*OlmSession)}
	for rows.Next() {
		var (
			senderKey, sessionID string
			blob                 []byte
			lastReceived         int64
		)
		if err := rows.Scan(&senderKey, &sessionID, &blob, &lastReceived); err != nil {
			return nil, storageErr("scan olm session", err)
		}
		sess := new(olm.Session)
		if err := pickle.Unpickle(blob, q.mode, sess, "olm_session", sessionID); err != nil {
			out.Corrupt = append(out.Corrupt, asDecodeError(err, "olm_session", sessionID))
			q.log.WithFields(logrus.Fields{
				"sender_key": senderKey,
				"session_id": sessionID,
			}).WithError(err).Warn("skipping undecodable olm session")
			continue
		}
		out.ByDevice[senderKey] = append(out.ByDevice[senderKey], &OlmSession{
			SenderKey:    senderKey,
			SessionID:    sessionID,
			Session:      sess,
			LastReceived: fromMillis(lastReceived),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load olm sessions", err)
	}
	return out, nil
}

// SetOlmSessionLastReceived records when a message was last received on the
// session.
func (q *Queries) SetOlmSessionLastReceived(ctx context.Context, sessionID string, ts time.Time) error {
	res, err := q.q.ExecContext(ctx,
		"UPDATE olm_sessions SET last_received = ? WHERE session_id = ?",
		toMillis(ts), sessionID,
	)
	if err != nil {
		return storageErr("set olm session last received", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("set olm session last received", err)
	}
	if n == 0 {
		return &cryptoerr.UnknownSessionError{SessionID: sessionID}
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
