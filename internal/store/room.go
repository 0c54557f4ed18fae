package store

import (
	"context"
)

// Device names a recipient device of a room key.
type Device struct {
	UserID   string
	DeviceID string
}

// MarkOutboundShared records that the given devices received the session key
// of the room's outbound session.
func (q *Queries) MarkOutboundShared(ctx context.Context, roomID, sessionID string, devices []Device) error {
	for _, d := range devices {
		_, err := q.q.ExecContext(ctx,
			`INSERT OR IGNORE INTO outbound_megolm_session_shares (room_id, session_id, user_id, device_id)
			 VALUES (?, ?, ?, ?)`,
			roomID, sessionID, d.UserID, d.DeviceID,
		)
		if err != nil {
			return storageErr("mark outbound shared", err)
		}
	}
	return nil
}

// OutboundSharedWith returns the devices that received the session key of
// the given outbound session.
func (q *Queries) OutboundSharedWith(ctx context.Context, roomID, sessionID string) (map[Device]bool, error) {
	rows, err := q.q.QueryContext(ctx,
		"SELECT user_id, device_id FROM outbound_megolm_session_shares WHERE room_id = ? AND session_id = ?",
		roomID, sessionID,
	)
	if err != nil {
		return nil, storageErr("load outbound shares", err)
	}
	defer rows.Close()

	shared := make(map[Device]bool)
	for rows.Next() {
		var d Device
		if err := rows.Scan(&d.UserID, &d.DeviceID); err != nil {
			return nil, storageErr("scan outbound share", err)
		}
		shared[d] = true
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("load outbound shares", err)
	}
	return shared, nil
}

var roomTables = []string{
	"inbound_megolm_sessions",
	"outbound_megolm_sessions",
	"group_session_record_index",
	"outbound_megolm_session_shares",
}

// ClearRoomData deletes every session and index record of a room. Run it
// through Store.ClearRoomData, or inside Store.Tx, so the deletes commit
// together.
func (q *Queries) ClearRoomData(ctx context.Context, roomID string) error {
	for _, table := range roomTables {
		if _, err := q.q.ExecContext(ctx, "DELETE FROM "+table+" WHERE room_id = ?", roomID); err != nil {
			return storageErr("clear room data: "+table, err)
		}
	}
	return nil
}

// ClearRoomData deletes every session and index record of a room in one
// transaction.
func (s *Store) ClearRoomData(ctx context.Context, roomID string) error {
	return s.Tx(ctx, func(q *Queries) error {
		return q.ClearRoomData(ctx, roomID)
	})
}

var allTables = append([]string{"accounts", "olm_sessions"}, roomTables...)

// Clear deletes all data, leaving an empty store at the current schema.
func (s *Store) Clear(ctx context.Context) error {
	return s.Tx(ctx, func(q *Queries) error {
		for _, table := range allTables {
			if _, err := q.q.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return storageErr("clear: "+table, err)
			}
		}
		return nil
	})
}

// Stats holds row counts per table.
type Stats struct {
	Version        int
	Accounts       int
	OlmSessions    int
	InboundMegolm  int
	OutboundMegolm int
	IndexRecords   int
	OutboundShares int
}

// Stats returns row counts per table.
func (q *Queries) Stats(ctx context.Context) (*Stats, error) {
	v, err := q.Version(ctx)
	if err != nil {
		return nil, err
	}
	st := &Stats{Version: v}
	counts := []struct {
		table string
		dst   *int
	}{
		{"accounts", &st.Accounts},
		{"olm_sessions", &st.OlmSessions},
		{"inbound_megolm_sessions", &st.InboundMegolm},
		{"outbound_megolm_sessions", &st.OutboundMegolm},
		{"group_session_record_index", &st.IndexRecords},
		{"outbound_megolm_session_shares", &st.OutboundShares},
	}
	for _, c := range counts {
		if err := q.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table).Scan(c.dst); err != nil {
			return nil, storageErr("count "+c.table, err)
		}
	}
	return st, nil
}

// Rooms returns the ids of all rooms with stored group sessions, sorted.
func (q *Queries) Rooms(ctx context.Context) ([]string, error) {
	rows, err := q.q.QueryContext(ctx,
		`SELECT room_id FROM inbound_megolm_sessions
		 UNION SELECT room_id FROM outbound_megolm_sessions
		 ORDER BY room_id`,
	)
	if err != nil {
		return nil, storageErr("list rooms", err)
	}
	defer rows.Close()

	var rooms []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, storageErr("scan room", err)
		}
		rooms = append(rooms, id)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list rooms", err)
	}
	return rooms, nil
}
