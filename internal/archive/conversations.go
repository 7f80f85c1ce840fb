package archive

import "fmt"

// Conversation is one row of the conversation overview: an identity with
// at least one chat message, its newest message and its unread count.
type Conversation struct {
	IdentityID int64
	Address    string
	Kind       AddressKind
	LastAt     float64
	Preview    string
	Unread     int
}

// ListConversations returns every conversation for the account, newest
// first.
func (db *DB) ListConversations(accountID int64) ([]Conversation, error) {
	query := fmt.Sprintf(`
		SELECT m.identity_id, i.address, i.kind, MAX(m.at) AS last_at,
			(SELECT body FROM messages
			 WHERE identity_id = m.identity_id AND account_id = m.account_id
			 AND kind IN (%[1]s) ORDER BY at DESC, id DESC LIMIT 1),
			(SELECT COUNT(*) FROM unread u WHERE u.identity_id = m.identity_id)
		FROM messages m JOIN identities i ON i.id = m.identity_id
		WHERE m.account_id = ? AND m.kind IN (%[1]s)
		GROUP BY m.identity_id
		ORDER BY last_at DESC`, kindList(chatKinds))

	rows, err := db.Query(query, accountID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.IdentityID, &c.Address, &c.Kind,
			&c.LastAt, &c.Preview, &c.Unread); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}
