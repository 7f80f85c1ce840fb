package archive

import (
	"database/sql"
	"errors"
	"fmt"
)

// HasStableID reports whether any of the given stable ids (stanza-id or
// origin-id values) is already stored for the account.
//
// A stanza-id is only unique within the archive that assigned it, so for
// room archives the search is additionally scoped to the room identity.
// For the personal archive, plain group-chat rows are excluded instead:
// the same id may validly appear in a room archive and the personal one.
func (db *DB) HasStableID(accountID, archiveID int64, ids []string, room bool) (bool, error) {
	values := make([]any, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			values = append(values, id)
		}
	}
	if len(values) == 0 {
		return false, nil
	}

	var query string
	args := values
	if room {
		query = fmt.Sprintf(`
			SELECT 1 FROM messages
			WHERE (stanza_id IN (%s) OR origin_id IN (%s))
			AND identity_id = ? AND account_id = ? LIMIT 1`,
			placeholders(len(values)), placeholders(len(values)))
		args = append(append(append([]any{}, values...), values...), archiveID, accountID)
	} else {
		query = fmt.Sprintf(`
			SELECT 1 FROM messages
			WHERE (stanza_id IN (%s) OR origin_id IN (%s))
			AND account_id = ? AND kind != %d LIMIT 1`,
			placeholders(len(values)), placeholders(len(values)), int(KindGCMessage))
		args = append(append(append([]any{}, values...), values...), accountID)
	}

	var one int
	err := db.QueryRow(query, args...).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stable id lookup: %w", err)
	}
	return true, nil
}

// HasTimestampMatch reports whether a message with the same body exists
// for the conversation within ±window seconds of the timestamp. This is
// the fallback duplicate check for archives without stable ids.
func (db *DB) HasTimestampMatch(accountID, identityID int64, ts float64, body string, window float64) (bool, error) {
	var one int
	err := db.QueryRow(`
		SELECT 1 FROM messages
		WHERE account_id = ? AND identity_id = ? AND body = ?
		AND at BETWEEN ? AND ? LIMIT 1`,
		accountID, identityID, body, ts-window, ts+window).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("timestamp window lookup: %w", err)
	}
	return true, nil
}

// HasRoomTimestampMatch reports whether a room message from the given
// nickname with the given origin-id exists within ±window seconds of the
// timestamp. Used to reconcile a reflected room message against its
// locally stored copy.
func (db *DB) HasRoomTimestampMatch(accountID, identityID int64, nickname, originID string, ts float64, window float64) (bool, error) {
	var one int
	err := db.QueryRow(`
		SELECT 1 FROM messages
		WHERE account_id = ? AND identity_id = ? AND sender_name = ?
		AND origin_id = ? AND at BETWEEN ? AND ? LIMIT 1`,
		accountID, identityID, nickname, originID, ts-window, ts+window).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("room timestamp window lookup: %w", err)
	}
	return true, nil
}
