package mam

import (
	"errors"
	"fmt"

	"github.com/mfelten/histd/internal/archive"
	"github.com/mfelten/histd/internal/dedup"
	"github.com/mfelten/histd/internal/xmpp"
	"go.uber.org/zap"
)

// HandleArchivedMessage processes one message delivered inside an archive
// query page. Messages from archives we did not query, or carrying a
// stale query id, are dropped: result pages are only trusted for the one
// in-flight query per scope.
func (c *Controller) HandleArchivedMessage(ev xmpp.MessageEvent) error {
	if !ev.MAM {
		return nil
	}

	groupchat := ev.Groupchat && !ev.MUCPrivate
	expected := c.account
	if groupchat {
		expected = bareJID(ev.From)
	}
	if bareJID(ev.ArchiveJID) != expected {
		c.logger.Warn("message from invalid archive",
			zap.String("archive", ev.ArchiveJID), zap.String("expected", expected))
		return nil
	}

	c.mu.Lock()
	s, ok := c.scopes[bareJID(ev.ArchiveJID)]
	valid := ok && s.queryID != "" && s.queryID == ev.QueryID
	version := ev.MAMVersion
	if version == 0 {
		version = c.version(bareJID(ev.ArchiveJID))
	}
	c.mu.Unlock()
	if !valid {
		c.logger.Warn("archived message with unknown query id",
			zap.String("archive", ev.ArchiveJID), zap.String("query_id", ev.QueryID))
		return nil
	}

	if ev.Body == "" {
		// Chat states, receipts and markers have no body and are not
		// archive-worthy.
		return nil
	}

	kind := messageKind(ev)
	conversationID, err := c.resolver.Resolve(conversationAddress(ev), kind)
	if err != nil {
		return err
	}
	archiveID := c.accountID
	if groupchat {
		archiveID = conversationID
	}

	cand := dedup.Candidate{
		AccountID:      c.accountID,
		ConversationID: conversationID,
		ArchiveID:      archiveID,
		StanzaID:       ev.StanzaID,
		OriginID:       ev.OriginID,
		Timestamp:      ev.Timestamp,
		Body:           ev.Body,
		Nickname:       ev.Nickname,
		Groupchat:      groupchat,
		MUCPrivate:     ev.MUCPrivate,
		SelfMessage:    ev.SelfMessage,
		Sent:           ev.Sent,
		MAMVersion:     version,
	}
	dup, err := c.dedup.IsDuplicate(cand)
	if errors.Is(err, dedup.ErrSelfMessageWithoutOriginID) {
		c.logger.Warn("dropping unidentifiable self message",
			zap.String("from", ev.From))
		return nil
	}
	if err != nil {
		return fmt.Errorf("dedup archived message: %w", err)
	}
	if dup {
		return nil
	}

	return c.store(ev, kind, conversationID, false)
}

// HandleLiveMessage processes a message delivered outside any archive
// query: direct delivery, a carbon, or room traffic. Live messages also
// advance the archive checkpoint once catch-up has finished, so the next
// sign-in resumes from the newest confirmed position.
func (c *Controller) HandleLiveMessage(ev xmpp.MessageEvent) error {
	if ev.MAM {
		return nil
	}

	if err := c.advanceCheckpoint(ev); err != nil {
		return err
	}

	kind := messageKind(ev)

	if ev.Marker != "" && ev.Body == "" {
		return c.applyMarker(ev, kind)
	}
	if ev.Error != "" {
		return c.applyError(ev, kind)
	}
	if ev.Body == "" {
		return nil
	}

	conversationID, err := c.resolver.Resolve(conversationAddress(ev), kind)
	if err != nil {
		return err
	}
	groupchat := ev.Groupchat && !ev.MUCPrivate
	archiveID := c.accountID
	if groupchat {
		archiveID = conversationID
	}

	cand := dedup.Candidate{
		AccountID:      c.accountID,
		ConversationID: conversationID,
		ArchiveID:      archiveID,
		StanzaID:       ev.StanzaID,
		OriginID:       ev.OriginID,
		Timestamp:      ev.Timestamp,
		Body:           ev.Body,
		Nickname:       ev.Nickname,
		Groupchat:      groupchat,
		MUCPrivate:     ev.MUCPrivate,
		SelfMessage:    ev.SelfMessage,
		Sent:           ev.Sent,
		MAMVersion:     c.version(bareJID(ev.From)),
	}

	if groupchat {
		// The room reflects our own message back with its nickname; that
		// copy was stored when it was sent.
		reflected, err := c.dedup.IsReflectedRoomMessage(cand)
		if err != nil {
			return err
		}
		if reflected {
			return nil
		}
	}

	dup, err := c.dedup.IsDuplicate(cand)
	if errors.Is(err, dedup.ErrSelfMessageWithoutOriginID) {
		c.logger.Warn("dropping unidentifiable self message",
			zap.String("from", ev.From))
		return nil
	}
	if err != nil {
		return fmt.Errorf("dedup live message: %w", err)
	}
	if dup {
		return nil
	}

	return c.store(ev, kind, conversationID, kind == archive.KindChatMsgRecv)
}

func (c *Controller) store(ev xmpp.MessageEvent, kind archive.MessageKind, conversationID int64, unread bool) error {
	stanzaID := ev.StanzaID
	if ev.SelfMessage {
		// Self messages can only ever be recognized by origin-id.
		stanzaID = ev.OriginID
	}

	msg := &archive.Message{
		AccountID:  c.accountID,
		IdentityID: conversationID,
		Timestamp:  ev.Timestamp,
		Kind:       kind,
		SenderName: ev.Nickname,
		Body:       ev.Body,
		Subject:    ev.Subject,
		Extra:      ev.Extra,
		StanzaID:   stanzaID,
		OriginID:   ev.OriginID,
	}
	id, err := c.db.InsertMessage(msg)
	if err != nil {
		return fmt.Errorf("store message: %w", err)
	}
	if unread {
		if err := c.db.InsertUnread(id, conversationID); err != nil {
			return err
		}
	}
	c.sink.MessageAdmitted(*msg, conversationAddress(ev))
	return nil
}

// advanceCheckpoint moves the archive cursor forward from live traffic.
// Only stanza-ids stamped by the owning archive are trusted, and only
// after catch-up, so a crash mid-sync never records an unconfirmed
// position. Room archives additionally track the last-received timestamp
// for the sync-window staleness check.
func (c *Controller) advanceCheckpoint(ev xmpp.MessageEvent) error {
	groupchat := ev.Groupchat && !ev.MUCPrivate

	var archiveJID string
	if groupchat {
		archiveJID = bareJID(ev.From)
	} else {
		archiveJID = c.account
	}

	c.mu.Lock()
	version := c.version(archiveJID)
	caughtUp := false
	if s, ok := c.scopes[archiveJID]; ok {
		caughtUp = s.state == CaughtUp
	}
	c.mu.Unlock()

	update := archive.CheckpointUpdate{}
	if groupchat {
		ts := ev.Timestamp
		update.LastReceived = &ts
	}

	stamped := ev.StanzaID != "" && bareJID(ev.ArchiveJID) == archiveJID
	if version >= xmpp.MAMv2 && stamped && caughtUp {
		update.Cursor = &ev.StanzaID
	}

	return c.setCheckpointByJID(archiveJID, groupchat, update)
}

func (c *Controller) applyMarker(ev xmpp.MessageEvent, kind archive.MessageKind) error {
	var marker archive.Marker
	switch ev.Marker {
	case "received":
		marker = archive.MarkerReceived
	case "displayed":
		marker = archive.MarkerDisplayed
	default:
		return fmt.Errorf("invalid marker state %q", ev.Marker)
	}
	if ev.OriginID == "" {
		return nil
	}
	conversationID, err := c.resolver.Resolve(conversationAddress(ev), kind)
	if err != nil {
		return err
	}
	return c.db.SetMarker(c.accountID, conversationID, ev.OriginID, marker)
}

func (c *Controller) applyError(ev xmpp.MessageEvent, kind archive.MessageKind) error {
	if ev.OriginID == "" {
		return nil
	}
	conversationID, err := c.resolver.Resolve(conversationAddress(ev), kind)
	if err != nil {
		return err
	}
	return c.db.SetMessageError(c.accountID, conversationID, ev.OriginID, ev.Error)
}

// conversationAddress is the identity a message is filed under: the bare
// room JID for room traffic, the sender's full JID for a private message
// inside a room, and the bare JID otherwise.
func conversationAddress(ev xmpp.MessageEvent) string {
	if ev.MUCPrivate {
		return ev.From
	}
	return bareJID(ev.From)
}

func messageKind(ev xmpp.MessageEvent) archive.MessageKind {
	if ev.Groupchat && !ev.MUCPrivate {
		return archive.KindGCMessage
	}
	if ev.Sent {
		return archive.KindChatMsgSent
	}
	return archive.KindChatMsgRecv
}
