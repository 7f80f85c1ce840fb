package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// InsertUnread records a newly admitted message as unread.
func (db *DB) InsertUnread(messageID, identityID int64) error {
	_, err := db.Exec(`
		INSERT INTO unread (message_id, identity_id, shown) VALUES (?, ?, 0)`,
		messageID, identityID)
	if err != nil {
		return fmt.Errorf("insert unread: %w", err)
	}
	return nil
}

// SetRead removes the given messages from the unread ledger. Reading is
// removal, not flagging.
func (db *DB) SetRead(messageIDs []int64) error {
	if len(messageIDs) == 0 {
		return nil
	}
	args := make([]any, len(messageIDs))
	for i, id := range messageIDs {
		args[i] = id
	}
	query := fmt.Sprintf(
		`DELETE FROM unread WHERE message_id IN (%s)`, placeholders(len(messageIDs)))
	if _, err := db.Exec(query, args...); err != nil {
		return fmt.Errorf("set read: %w", err)
	}
	return nil
}

// SetShown marks an unread message as already surfaced by the UI so it is
// not popped up again.
func (db *DB) SetShown(messageID int64) error {
	if _, err := db.Exec(
		`UPDATE unread SET shown = 1 WHERE message_id = ?`, messageID); err != nil {
		return fmt.Errorf("set shown: %w", err)
	}
	return nil
}

// ResetShown clears the shown flag on every unread entry. Called at
// startup so pending notifications are surfaced once more.
func (db *DB) ResetShown() error {
	if _, err := db.Exec(`UPDATE unread SET shown = 0`); err != nil {
		return fmt.Errorf("reset shown: %w", err)
	}
	return nil
}

// ListUnread returns all unread messages joined with their archive rows.
// Entries whose message was deleted by an external retention process are
// pruned here rather than eagerly.
func (db *DB) ListUnread() ([]UnreadMessage, error) {
	rows, err := db.Query(`SELECT message_id, shown FROM unread`)
	if err != nil {
		return nil, fmt.Errorf("list unread: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type entry struct {
		messageID int64
		shown     bool
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.messageID, &e.shown); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var (
		unread   []UnreadMessage
		orphaned []int64
	)
	for _, e := range entries {
		var (
			u     UnreadMessage
			extra sql.NullString
		)
		err := db.QueryRow(`
			SELECT m.id, m.identity_id, i.address, m.at, m.body, m.subject, m.extra
			FROM messages m JOIN identities i ON m.identity_id = i.id
			WHERE m.id = ?`, e.messageID).
			Scan(&u.MessageID, &u.IdentityID, &u.Address, &u.Timestamp,
				&u.Body, &u.Subject, &extra)
		if err == sql.ErrNoRows {
			orphaned = append(orphaned, e.messageID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load unread message %d: %w", e.messageID, err)
		}
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &u.Extra); err != nil {
				return nil, fmt.Errorf("decode extra data: %w", err)
			}
		}
		u.Shown = e.shown
		unread = append(unread, u)
	}

	if len(orphaned) > 0 {
		if err := db.SetRead(orphaned); err != nil {
			return nil, err
		}
	}
	return unread, nil
}

// UnreadCount returns the number of unread messages for a single identity.
func (db *DB) UnreadCount(identityID int64) (int, error) {
	var n int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM unread WHERE identity_id = ?`, identityID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}
