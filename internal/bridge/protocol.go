// Package bridge exposes the archive engine to a stanza-level XMPP
// client over a Unix domain socket. The wire format is one JSON object
// per line in both directions: the client streams parsed message events
// and query results in, the daemon writes archive queries out.
package bridge

import (
	"time"

	"github.com/mfelten/histd/internal/xmpp"
)

// Inbound envelope types.
const (
	TypeMessage     = "message"
	TypeQueryResult = "query-result"
	TypeOnline      = "online"
	TypeRoomJoined  = "room-joined"
	TypeInterval    = "interval"
)

// TypeQuery is the only outbound envelope type.
const TypeQuery = "query"

// Envelope frames every line on the socket. Exactly one payload field is
// set, matching Type.
type Envelope struct {
	Type string `json:"type"`

	Message  *MessagePayload     `json:"message,omitempty"`
	Result   *QueryResultPayload `json:"result,omitempty"`
	Online   *OnlinePayload      `json:"online,omitempty"`
	Joined   *RoomJoinedPayload  `json:"joined,omitempty"`
	Interval *IntervalPayload    `json:"interval,omitempty"`
	Query    *QueryPayload       `json:"query,omitempty"`
}

// MessagePayload mirrors xmpp.MessageEvent on the wire.
type MessagePayload struct {
	Account    string `json:"account"`
	From       string `json:"from"`
	Nickname   string `json:"nickname,omitempty"`
	ArchiveJID string `json:"archive_jid,omitempty"`
	QueryID    string `json:"query_id,omitempty"`

	MAM        bool `json:"mam,omitempty"`
	MAMVersion int  `json:"mam_version,omitempty"`

	Groupchat   bool `json:"groupchat,omitempty"`
	MUCPrivate  bool `json:"muc_private,omitempty"`
	SelfMessage bool `json:"self_message,omitempty"`
	Carbon      bool `json:"carbon,omitempty"`
	Sent        bool `json:"sent,omitempty"`

	Timestamp float64        `json:"timestamp"`
	Body      string         `json:"body,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	StanzaID  string         `json:"stanza_id,omitempty"`
	OriginID  string         `json:"origin_id,omitempty"`
	Marker    string         `json:"marker,omitempty"`
	Error     string         `json:"error,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// QueryResultPayload is the terminal response to an outbound query.
type QueryResultPayload struct {
	QueryID    string `json:"query_id"`
	ArchiveJID string `json:"archive_jid,omitempty"`
	Complete   bool   `json:"complete,omitempty"`
	Last       string `json:"last,omitempty"`
	Error      string `json:"error,omitempty"`
}

// OnlinePayload announces that the account session came up and reports
// the MAM version the personal archive advertised.
type OnlinePayload struct {
	Account    string `json:"account"`
	MAMVersion int    `json:"mam_version"`
}

// RoomJoinedPayload announces a completed MUC join.
type RoomJoinedPayload struct {
	Room        string `json:"room"`
	MAMVersion  int    `json:"mam_version"`
	MembersOnly bool   `json:"members_only,omitempty"`
}

// IntervalPayload asks for a user-initiated history fetch of the
// personal archive between two RFC 3339 timestamps. End may be empty,
// meaning now.
type IntervalPayload struct {
	Start string `json:"start"`
	End   string `json:"end,omitempty"`
}

// QueryPayload is an outbound archive page request. Start and End are
// RFC 3339 timestamps; empty means unbounded.
type QueryPayload struct {
	QueryID    string `json:"query_id"`
	ArchiveJID string `json:"archive_jid,omitempty"`
	With       string `json:"with,omitempty"`
	Start      string `json:"start,omitempty"`
	End        string `json:"end,omitempty"`
	After      string `json:"after,omitempty"`
	Max        int    `json:"max,omitempty"`
}

func (p *MessagePayload) event() xmpp.MessageEvent {
	return xmpp.MessageEvent{
		Account:     p.Account,
		From:        p.From,
		Nickname:    p.Nickname,
		ArchiveJID:  p.ArchiveJID,
		QueryID:     p.QueryID,
		MAM:         p.MAM,
		MAMVersion:  p.MAMVersion,
		Groupchat:   p.Groupchat,
		MUCPrivate:  p.MUCPrivate,
		SelfMessage: p.SelfMessage,
		Carbon:      p.Carbon,
		Sent:        p.Sent,
		Timestamp:   p.Timestamp,
		Body:        p.Body,
		Subject:     p.Subject,
		StanzaID:    p.StanzaID,
		OriginID:    p.OriginID,
		Marker:      p.Marker,
		Error:       p.Error,
		Extra:       p.Extra,
	}
}

func queryPayload(q xmpp.Query) QueryPayload {
	p := QueryPayload{
		QueryID:    q.QueryID,
		ArchiveJID: q.ArchiveJID,
		With:       q.With,
		After:      q.After,
		Max:        q.Max,
	}
	if !q.Start.IsZero() {
		p.Start = q.Start.UTC().Format(time.RFC3339)
	}
	if !q.End.IsZero() {
		p.End = q.End.UTC().Format(time.RFC3339)
	}
	return p
}
