package archive

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const messageColumns = `id, account_id, identity_id, at, kind, sender_name,
	body, subject, extra, error, stanza_id, origin_id, marker`

// chatKinds are the kinds shown in a conversation view. Status rows are
// excluded from scrollback and coverage probes.
var chatKinds = []MessageKind{
	KindGCMessage,
	KindSingleMsgRecv, KindSingleMsgSent,
	KindChatMsgRecv, KindChatMsgSent,
	KindError,
}

// InsertMessage appends a message and returns its primary key. Account,
// identity and timestamp are required.
func (db *DB) InsertMessage(m *Message) (int64, error) {
	if m.AccountID == 0 || m.IdentityID == 0 {
		return 0, fmt.Errorf("insert message: account and identity required")
	}
	if m.Timestamp == 0 {
		return 0, fmt.Errorf("insert message: timestamp required")
	}

	var extra any
	if len(m.Extra) > 0 {
		raw, err := json.Marshal(m.Extra)
		if err != nil {
			return 0, fmt.Errorf("marshal extra data: %w", err)
		}
		extra = string(raw)
	}

	res, err := db.Exec(`
		INSERT INTO messages (account_id, identity_id, at, kind, sender_name,
			body, subject, extra, error, stanza_id, origin_id, marker)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.AccountID, m.IdentityID, m.Timestamp, m.Kind, m.SenderName,
		m.Body, m.Subject, extra, m.Error,
		nullable(m.StanzaID), nullable(m.OriginID), m.Marker)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("message rowid: %w", err)
	}
	m.ID = id
	return id, nil
}

// QueryRange returns all messages for an identity family between start and
// end (inclusive), ordered by timestamp with insertion order as tie-break.
// Backfill inserts older rows after newer ones, so the explicit ordering
// is required for correct display.
func (db *DB) QueryRange(accountID int64, identityIDs []int64, start, end float64) ([]Message, error) {
	if len(identityIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE account_id = ? AND identity_id IN (%s) AND at BETWEEN ? AND ?
		ORDER BY at, id`,
		messageColumns, placeholders(len(identityIDs)))

	args := []any{accountID}
	for _, id := range identityIDs {
		args = append(args, id)
	}
	args = append(args, start, end)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query range: %w", err)
	}
	return scanMessages(rows)
}

// MessagesForDay returns the conversation with an identity family for one
// calendar day starting at dayStart.
func (db *DB) MessagesForDay(accountID int64, identityIDs []int64, dayStart time.Time) ([]Message, error) {
	start := float64(dayStart.Unix())
	return db.QueryRange(accountID, identityIDs, start, start+24*60*60-1)
}

// RecentMessages returns the last limit chat messages for an identity
// family in chronological order, skipping offset most recent rows.
func (db *DB) RecentMessages(accountID int64, identityIDs []int64, limit, offset int) ([]Message, error) {
	if limit <= 0 || len(identityIDs) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE account_id = ? AND identity_id IN (%s) AND kind IN (%s)
		ORDER BY at DESC, id DESC LIMIT ? OFFSET ?`,
		messageColumns, placeholders(len(identityIDs)), kindList(chatKinds))

	args := []any{accountID}
	for _, id := range identityIDs {
		args = append(args, id)
	}
	args = append(args, limit, offset)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SearchMessages returns messages whose body contains the query substring.
// A non-zero day restricts the search to that calendar day.
func (db *DB) SearchMessages(accountID int64, identityIDs []int64, text string, day time.Time) ([]Message, error) {
	if len(identityIDs) == 0 {
		return nil, nil
	}
	bound := ""
	args := []any{accountID}
	for _, id := range identityIDs {
		args = append(args, id)
	}
	args = append(args, "%"+text+"%")
	if !day.IsZero() {
		bound = " AND at BETWEEN ? AND ?"
		start := float64(day.Unix())
		args = append(args, start, start+24*60*60-1)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM messages
		WHERE account_id = ? AND identity_id IN (%s) AND body LIKE ?%s
		ORDER BY at, id`,
		messageColumns, placeholders(len(identityIDs)), bound)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	return scanMessages(rows)
}

// DaysWithMessages returns the days of the given month that have at least
// one non-status message for the identity family.
func (db *DB) DaysWithMessages(accountID int64, identityIDs []int64, year int, month time.Month) ([]int, error) {
	if len(identityIDs) == 0 {
		return nil, nil
	}
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0).Add(-time.Second)

	query := fmt.Sprintf(`
		SELECT DISTINCT CAST(strftime('%%d', at, 'unixepoch') AS INTEGER) AS day
		FROM messages
		WHERE account_id = ? AND identity_id IN (%s)
		AND at BETWEEN ? AND ? AND kind NOT IN (%s)
		ORDER BY day`,
		placeholders(len(identityIDs)),
		kindList([]MessageKind{KindStatus, KindGCStatus}))

	args := []any{accountID}
	for _, id := range identityIDs {
		args = append(args, id)
	}
	args = append(args, float64(start.Unix()), float64(end.Unix()))

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("days with messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var days []int
	for rows.Next() {
		var d int
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

// FirstMessageTime returns the timestamp of the oldest non-status message
// for the identity family, or false if none exists.
func (db *DB) FirstMessageTime(accountID int64, identityIDs []int64) (float64, bool, error) {
	return db.coverageBound(accountID, identityIDs, "MIN")
}

// LastMessageTime returns the timestamp of the newest non-status message
// for the identity family, or false if none exists.
func (db *DB) LastMessageTime(accountID int64, identityIDs []int64) (float64, bool, error) {
	return db.coverageBound(accountID, identityIDs, "MAX")
}

func (db *DB) coverageBound(accountID int64, identityIDs []int64, fn string) (float64, bool, error) {
	if len(identityIDs) == 0 {
		return 0, false, nil
	}
	query := fmt.Sprintf(`
		SELECT %s(at) FROM messages
		WHERE account_id = ? AND identity_id IN (%s) AND kind NOT IN (%s)`,
		fn, placeholders(len(identityIDs)),
		kindList([]MessageKind{KindStatus, KindGCStatus}))

	args := []any{accountID}
	for _, id := range identityIDs {
		args = append(args, id)
	}

	var ts sql.NullFloat64
	if err := db.QueryRow(query, args...).Scan(&ts); err != nil {
		return 0, false, fmt.Errorf("coverage bound: %w", err)
	}
	return ts.Float64, ts.Valid, nil
}

// SetMarker attaches a later-arriving read-marker to the message with the
// given origin-id. Unknown messages are ignored.
func (db *DB) SetMarker(accountID, identityID int64, originID string, marker Marker) error {
	_, err := db.Exec(`
		UPDATE messages SET marker = ?
		WHERE account_id = ? AND identity_id = ? AND origin_id = ?`,
		marker, accountID, identityID, originID)
	if err != nil {
		return fmt.Errorf("set marker: %w", err)
	}
	return nil
}

// SetMessageError attaches an error annotation to the message with the
// given origin-id.
func (db *DB) SetMessageError(accountID, identityID int64, originID, errText string) error {
	_, err := db.Exec(`
		UPDATE messages SET error = ?
		WHERE account_id = ? AND identity_id = ? AND origin_id = ?`,
		errText, accountID, identityID, originID)
	if err != nil {
		return fmt.Errorf("set message error: %w", err)
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		var m Message
		var extra, stanzaID, originID sql.NullString
		if err := rows.Scan(&m.ID, &m.AccountID, &m.IdentityID, &m.Timestamp,
			&m.Kind, &m.SenderName, &m.Body, &m.Subject, &extra, &m.Error,
			&stanzaID, &originID, &m.Marker); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.StanzaID = stanzaID.String
		m.OriginID = originID.String
		if extra.Valid && extra.String != "" {
			if err := json.Unmarshal([]byte(extra.String), &m.Extra); err != nil {
				return nil, fmt.Errorf("decode extra data: %w", err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// nullable maps empty strings to NULL so the stanza/origin id indices do
// not fill up with empty values.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func kindList(kinds []MessageKind) string {
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%d", int(k))
	}
	return strings.Join(parts, ", ")
}
