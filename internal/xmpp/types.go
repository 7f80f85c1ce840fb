// Package xmpp defines the types exchanged with the stanza-level XMPP
// client. The client itself is an external collaborator: it parses
// stanzas, manages the connection and delivers the events below.
package xmpp

import "time"

// MAM protocol versions. Version 2 provides server-assigned stanza-ids;
// version 1 has no stable ids and forces timestamp-window deduplication.
const (
	MAMv1 = 1
	MAMv2 = 2
)

// Query is a paginated archive request. Exactly one of Start or After
// drives the page position: Start bounds a fresh query, After continues
// from an archive cursor.
type Query struct {
	QueryID    string
	ArchiveJID string
	With       string
	Start      time.Time
	End        time.Time
	After      string
	Max        int
}

// Querier sends archive queries. Sending returns immediately; the result
// arrives later through the controller's HandleQueryResult callback.
type Querier interface {
	SendQuery(q Query) error
}

// QueryResult is the terminal response to a Query page. Err is set for
// error-typed or malformed responses; a transport timeout is surfaced the
// same way. Last is empty when the page contained no items.
type QueryResult struct {
	QueryID    string
	ArchiveJID string
	Complete   bool
	Last       string
	Err        error
}

// MessageEvent is a parsed inbound message, live or archived.
type MessageEvent struct {
	Account    string
	From       string
	Nickname   string
	ArchiveJID string
	QueryID    string

	MAM        bool
	MAMVersion int

	Groupchat   bool
	MUCPrivate  bool
	SelfMessage bool
	Carbon      bool
	Sent        bool

	Timestamp float64
	Body      string
	Subject   string
	StanzaID  string
	OriginID  string
	Marker    string
	Error     string
	Extra     map[string]any
}
