// Package dedup decides whether an incoming message is a duplicate of an
// already-stored one. Archives speaking MAM version 2 are checked by
// stable id; version 1 archives fall back to a timestamp-window match.
package dedup

import (
	"errors"

	"github.com/mfelten/histd/internal/archive"
	"github.com/mfelten/histd/internal/xmpp"
	"go.uber.org/zap"
)

// Window bounds for the fallback strategy, in seconds either side of the
// candidate timestamp. Policy constants carried from long-standing
// behavior; whether they should be configurable is unresolved.
const (
	DirectWindowSeconds = 30.0
	RoomWindowSeconds   = 60.0
)

// ErrSelfMessageWithoutOriginID marks a carbon-copied self message that
// cannot be identified. Archive-id semantics are undefined for these, so
// the message is rejected outright instead of risking a false admission.
var ErrSelfMessageWithoutOriginID = errors.New("self message without origin-id")

// Candidate describes an incoming message for the duplicate decision.
// ConversationID is the resolved identity of the conversation partner,
// ArchiveID the identity of the archive scope (room id, or the account id
// for the personal archive).
type Candidate struct {
	AccountID      int64
	ConversationID int64
	ArchiveID      int64

	StanzaID string
	OriginID string

	Timestamp float64
	Body      string
	Nickname  string

	Groupchat   bool
	MUCPrivate  bool
	SelfMessage bool
	Sent        bool

	MAMVersion int
}

// Engine is the deduplication engine. It owns no state beyond its
// archive handle.
type Engine struct {
	db     *archive.DB
	logger *zap.Logger
}

// NewEngine creates a deduplication engine.
func NewEngine(db *archive.DB, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, logger: logger}
}

// IsDuplicate reports whether the candidate matches a stored message.
// Returns ErrSelfMessageWithoutOriginID for unidentifiable self messages;
// the caller must drop those.
func (e *Engine) IsDuplicate(c Candidate) (bool, error) {
	if c.SelfMessage && c.OriginID == "" {
		return false, ErrSelfMessageWithoutOriginID
	}

	if c.MAMVersion >= xmpp.MAMv2 {
		ids := c.stableIDs()
		found, err := e.db.HasStableID(c.AccountID, c.ArchiveID, ids, c.Groupchat)
		if err != nil {
			return false, err
		}
		if found {
			e.logger.Debug("duplicate by stable id",
				zap.String("stanza_id", c.StanzaID),
				zap.String("origin_id", c.OriginID))
		}
		return found, nil
	}

	window := DirectWindowSeconds
	if c.Groupchat {
		window = RoomWindowSeconds
	}
	found, err := e.db.HasTimestampMatch(
		c.AccountID, c.ConversationID, c.Timestamp, c.Body, window)
	if err != nil {
		return false, err
	}
	if found {
		e.logger.Debug("duplicate by timestamp window",
			zap.Int64("conversation", c.ConversationID),
			zap.Float64("at", c.Timestamp))
	}
	return found, nil
}

// IsReflectedRoomMessage reports whether a live room message is the
// server's reflection of a message this client already stored. Matched by
// nickname and origin-id within the room window.
func (e *Engine) IsReflectedRoomMessage(c Candidate) (bool, error) {
	if c.OriginID == "" {
		return false, nil
	}
	return e.db.HasRoomTimestampMatch(
		c.AccountID, c.ConversationID, c.Nickname, c.OriginID,
		c.Timestamp, RoomWindowSeconds)
}

// stableIDs selects which ids identify the candidate. The archive-assigned
// stanza-id may not be visible on the sender's own echo, so self-authored,
// self-addressed and private-in-room messages trust the origin-id too.
func (c Candidate) stableIDs() []string {
	switch {
	case c.SelfMessage:
		return []string{c.OriginID}
	case c.Groupchat && !c.MUCPrivate:
		return []string{c.StanzaID}
	case c.MUCPrivate, c.Sent:
		return []string{c.StanzaID, c.OriginID}
	default:
		return []string{c.StanzaID}
	}
}
