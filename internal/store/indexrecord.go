package store

import (
	"context"
	"time"

	"github.com/gwillem/e2ee-go/internal/cryptoerr"
)

// IndexRecord is the event first seen at a group session message index.
type IndexRecord struct {
	EventID   string
	Timestamp time.Time
}

// AddGroupSessionIndexRecord records that eventID was decrypted at index of
// the session. The insert is the check: recording the same event again is a
// no-op, while a different event at an already recorded index returns a
// *cryptoerr.ReplayError and writes nothing.
func (q *Queries) AddGroupSessionIndexRecord(ctx context.Context, roomID, sessionID string, index uint32, eventID string, ts time.Time) error {
	res, err := q.q.ExecContext(ctx,
		`INSERT OR IGNORE INTO group_session_record_index (room_id, session_id, message_index, event_id, ts)
		 VALUES (?, ?, ?, ?, ?)`,
		roomID, sessionID, int64(index), eventID, toMillis(ts),
	)
	if err != nil {
		return storageErr("add group session index record", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("add group session index record", err)
	}
	if n == 1 {
		return nil
	}

	existing, err := q.GroupSessionIndexRecord(ctx, roomID, sessionID, index)
	if err != nil {
		return err
	}
	if existing == nil || existing.EventID == eventID {
		return nil
	}
	return &cryptoerr.ReplayError{
		RoomID:          roomID,
		SessionID:       sessionID,
		Index:           index,
		EventID:         eventID,
		RecordedEventID: existing.EventID,
	}
}

// GroupSessionIndexRecord returns the record at index, or nil, nil if the
// index has not been seen.
func (q *Queries) GroupSessionIndexRecord(ctx context.Context, roomID, sessionID string, index uint32) (*IndexRecord, error) {
	var (
		eventID string
		ts      int64
	)
	err := q.q.QueryRowContext(ctx,
		`SELECT event_id, ts FROM group_session_record_index
		 WHERE room_id = ? AND session_id = ? AND message_index = ?`,
		roomID, sessionID, int64(index),
	).Scan(&eventID, &ts)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, storageErr("load group session index record", err)
	}
	return &IndexRecord{EventID: eventID, Timestamp: fromMillis(ts)}, nil
}
