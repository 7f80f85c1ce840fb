package archive

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// GetCheckpoint returns the sync checkpoint for an identity, or nil if
// the archive was never synced.
func (db *DB) GetCheckpoint(identityID int64) (*Checkpoint, error) {
	var (
		cp           Checkpoint
		cursor       sql.NullString
		oldest, last sql.NullFloat64
		window       sql.NullInt64
	)
	err := db.QueryRow(`
		SELECT identity_id, cursor, oldest_synced, last_received, sync_window_days
		FROM checkpoints WHERE identity_id = ?`, identityID).
		Scan(&cp.IdentityID, &cursor, &oldest, &last, &window)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}

	cp.Cursor = cursor.String
	cp.OldestSynced = oldest.Float64
	cp.LastReceived = last.Float64
	if window.Valid {
		w := int(window.Int64)
		cp.SyncWindow = &w
	}
	return &cp, nil
}

// ListCheckpoints returns all stored checkpoints ordered by identity id.
func (db *DB) ListCheckpoints() ([]Checkpoint, error) {
	rows, err := db.Query(`
		SELECT identity_id, cursor, oldest_synced, last_received, sync_window_days
		FROM checkpoints ORDER BY identity_id`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		var (
			cp           Checkpoint
			cursor       sql.NullString
			oldest, last sql.NullFloat64
			window       sql.NullInt64
		)
		if err := rows.Scan(&cp.IdentityID, &cursor, &oldest, &last, &window); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Cursor = cursor.String
		cp.OldestSynced = oldest.Float64
		cp.LastReceived = last.Float64
		if window.Valid {
			w := int(window.Int64)
			cp.SyncWindow = &w
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// SetCheckpoint upserts the checkpoint for an identity. Only fields set
// in the update are written; everything else keeps its stored value, so
// different call sites can advance the cursor, the oldest-synced horizon
// and the last-received timestamp independently.
func (db *DB) SetCheckpoint(identityID int64, u CheckpointUpdate) error {
	var (
		cols []string
		args []any
	)
	if u.Cursor != nil {
		cols = append(cols, "cursor")
		args = append(args, *u.Cursor)
	}
	if u.OldestSynced != nil {
		cols = append(cols, "oldest_synced")
		args = append(args, *u.OldestSynced)
	}
	if u.LastReceived != nil {
		cols = append(cols, "last_received")
		args = append(args, *u.LastReceived)
	}
	if u.SyncWindow != nil {
		cols = append(cols, "sync_window_days")
		args = append(args, *u.SyncWindow)
	}
	if len(cols) == 0 {
		return nil
	}

	sets := make([]string, len(cols))
	for i, c := range cols {
		sets[i] = c + " = excluded." + c
	}
	query := fmt.Sprintf(`
		INSERT INTO checkpoints (identity_id, %s)
		VALUES (?, %s)
		ON CONFLICT(identity_id) DO UPDATE SET %s`,
		strings.Join(cols, ", "),
		placeholders(len(cols)),
		strings.Join(sets, ", "))

	if _, err := db.Exec(query, append([]any{identityID}, args...)...); err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}
