package mam

import (
	"testing"
	"time"

	"github.com/mfelten/histd/internal/archive"
	"github.com/mfelten/histd/internal/xmpp"
)

// startAccountSync kicks off a personal archive sync and returns the
// in-flight query id.
func startAccountSync(t *testing.T, f *fixture) string {
	t.Helper()
	if err := f.ctrl.RequestAccountSync(); err != nil {
		t.Fatal(err)
	}
	return f.querier.last(t).QueryID
}

func archivedEvent(qid string) xmpp.MessageEvent {
	return xmpp.MessageEvent{
		Account:    testAccount,
		From:       "alice@example.org",
		ArchiveJID: testAccount,
		QueryID:    qid,
		MAM:        true,
		MAMVersion: xmpp.MAMv2,
		Timestamp:  1700000000,
		Body:       "hello",
		StanzaID:   "s-1",
	}
}

func (f *fixture) messagesWith(t *testing.T, address string) []archive.Message {
	t.Helper()
	id, err := f.resolver.ResolveAddress(address, archive.AddressUnknown)
	if err != nil {
		t.Fatal(err)
	}
	accountID, err := f.resolver.ResolveAddress(testAccount, archive.AddressNormal)
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := f.db.QueryRange(accountID, []int64{id}, 0, 1e12)
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func TestArchivedMessageStoredOnce(t *testing.T) {
	f := newFixture(t)
	qid := startAccountSync(t, f)

	ev := archivedEvent(qid)
	if err := f.ctrl.HandleArchivedMessage(ev); err != nil {
		t.Fatal(err)
	}
	// The server redelivers the same item on an overlapping page.
	if err := f.ctrl.HandleArchivedMessage(ev); err != nil {
		t.Fatal(err)
	}

	msgs := f.messagesWith(t, "alice@example.org")
	if len(msgs) != 1 {
		t.Fatalf("stored %d messages, want 1", len(msgs))
	}
	if msgs[0].StanzaID != "s-1" || msgs[0].Kind != archive.KindChatMsgRecv {
		t.Errorf("stored %+v", msgs[0])
	}
	if len(f.sink.admitted) != 1 {
		t.Errorf("admitted notifications = %v, want one", f.sink.admitted)
	}
}

func TestArchivedMessageWithStaleQueryIDDropped(t *testing.T) {
	f := newFixture(t)
	startAccountSync(t, f)

	ev := archivedEvent("someone-elses-query")
	if err := f.ctrl.HandleArchivedMessage(ev); err != nil {
		t.Fatal(err)
	}
	if msgs := f.messagesWith(t, "alice@example.org"); len(msgs) != 0 {
		t.Errorf("stored %d messages from an unknown query", len(msgs))
	}
}

func TestArchivedMessageFromWrongArchiveDropped(t *testing.T) {
	f := newFixture(t)
	qid := startAccountSync(t, f)

	// Direct message claiming to be archived by some third party.
	ev := archivedEvent(qid)
	ev.ArchiveJID = "attacker@example.org"
	if err := f.ctrl.HandleArchivedMessage(ev); err != nil {
		t.Fatal(err)
	}
	if msgs := f.messagesWith(t, "alice@example.org"); len(msgs) != 0 {
		t.Errorf("stored %d messages from a foreign archive", len(msgs))
	}
}

func TestArchivedBodylessMessageSkipped(t *testing.T) {
	f := newFixture(t)
	qid := startAccountSync(t, f)

	ev := archivedEvent(qid)
	ev.Body = ""
	if err := f.ctrl.HandleArchivedMessage(ev); err != nil {
		t.Fatal(err)
	}
	if msgs := f.messagesWith(t, "alice@example.org"); len(msgs) != 0 {
		t.Errorf("stored %d bodyless messages", len(msgs))
	}
}

func TestArchivedSelfMessageWithoutOriginIDDropped(t *testing.T) {
	f := newFixture(t)
	qid := startAccountSync(t, f)

	ev := archivedEvent(qid)
	ev.From = testAccount
	ev.SelfMessage = true
	ev.OriginID = ""
	if err := f.ctrl.HandleArchivedMessage(ev); err != nil {
		t.Fatal(err)
	}
	if msgs := f.messagesWith(t, testAccount); len(msgs) != 0 {
		t.Errorf("stored %d unidentifiable self messages", len(msgs))
	}
}

func TestArchivedRoomMessageUsesRoomScope(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.RequestRoomSync(testRoom); err != nil {
		t.Fatal(err)
	}
	qid := f.querier.last(t).QueryID

	ev := xmpp.MessageEvent{
		Account:    testAccount,
		From:       testRoom + "/bob",
		Nickname:   "bob",
		ArchiveJID: testRoom,
		QueryID:    qid,
		MAM:        true,
		MAMVersion: xmpp.MAMv2,
		Groupchat:  true,
		Timestamp:  1700000000,
		Body:       "room talk",
		StanzaID:   "r-1",
	}
	if err := f.ctrl.HandleArchivedMessage(ev); err != nil {
		t.Fatal(err)
	}

	// Room traffic is filed under the bare room JID, not the full
	// occupant JID.
	msgs := f.messagesWith(t, testRoom)
	if len(msgs) != 1 {
		t.Fatalf("stored %d messages, want 1", len(msgs))
	}
	if msgs[0].Kind != archive.KindGCMessage {
		t.Errorf("kind = %v, want KindGCMessage", msgs[0].Kind)
	}
	if msgs[0].SenderName != "bob" {
		t.Errorf("sender = %q, want bob", msgs[0].SenderName)
	}
}

func TestLiveMessageStoredAsUnread(t *testing.T) {
	f := newFixture(t)

	ev := xmpp.MessageEvent{
		Account:   testAccount,
		From:      "alice@example.org",
		Timestamp: 1700000000,
		Body:      "ping",
		StanzaID:  "s-live",
	}
	if err := f.ctrl.HandleLiveMessage(ev); err != nil {
		t.Fatal(err)
	}

	msgs := f.messagesWith(t, "alice@example.org")
	if len(msgs) != 1 {
		t.Fatalf("stored %d messages, want 1", len(msgs))
	}
	id, err := f.resolver.ResolveAddress("alice@example.org", archive.AddressUnknown)
	if err != nil {
		t.Fatal(err)
	}
	n, err := f.db.UnreadCount(id)
	if err != nil || n != 1 {
		t.Errorf("unread count = %d (%v), want 1", n, err)
	}
}

func TestLiveSentCarbonNotUnread(t *testing.T) {
	f := newFixture(t)

	ev := xmpp.MessageEvent{
		Account:   testAccount,
		From:      "alice@example.org",
		Timestamp: 1700000000,
		Body:      "sent from other device",
		StanzaID:  "s-carbon",
		OriginID:  "o-carbon",
		Carbon:    true,
		Sent:      true,
	}
	if err := f.ctrl.HandleLiveMessage(ev); err != nil {
		t.Fatal(err)
	}

	msgs := f.messagesWith(t, "alice@example.org")
	if len(msgs) != 1 || msgs[0].Kind != archive.KindChatMsgSent {
		t.Fatalf("stored %+v, want one sent message", msgs)
	}
	id, err := f.resolver.ResolveAddress("alice@example.org", archive.AddressUnknown)
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := f.db.UnreadCount(id); n != 0 {
		t.Errorf("own sent message marked unread")
	}
}

func TestLiveDuplicateOfArchivedMessageDropped(t *testing.T) {
	f := newFixture(t)
	qid := startAccountSync(t, f)
	if err := f.ctrl.HandleArchivedMessage(archivedEvent(qid)); err != nil {
		t.Fatal(err)
	}

	// The same message then arrives through normal delivery.
	live := xmpp.MessageEvent{
		Account:    testAccount,
		From:       "alice@example.org",
		ArchiveJID: testAccount,
		MAMVersion: xmpp.MAMv2,
		Timestamp:  1700000000,
		Body:       "hello",
		StanzaID:   "s-1",
	}
	if err := f.ctrl.HandleLiveMessage(live); err != nil {
		t.Fatal(err)
	}
	if msgs := f.messagesWith(t, "alice@example.org"); len(msgs) != 1 {
		t.Errorf("stored %d messages, want 1", len(msgs))
	}
}

func TestReflectedRoomMessageNotDuplicated(t *testing.T) {
	f := newFixture(t)
	roomID, err := f.resolver.ResolveAddress(testRoom, archive.AddressRoom)
	if err != nil {
		t.Fatal(err)
	}
	accountID, err := f.resolver.ResolveAddress(testAccount, archive.AddressNormal)
	if err != nil {
		t.Fatal(err)
	}
	// Our own message, stored at send time.
	if _, err := f.db.InsertMessage(&archive.Message{
		AccountID:  accountID,
		IdentityID: roomID,
		Timestamp:  1700000000,
		Kind:       archive.KindGCMessage,
		SenderName: "mynick",
		Body:       "my words",
		OriginID:   "o-mine",
	}); err != nil {
		t.Fatal(err)
	}

	// The room reflects it back without the origin stanza-id visible.
	ev := xmpp.MessageEvent{
		Account:    testAccount,
		From:       testRoom + "/mynick",
		Nickname:   "mynick",
		ArchiveJID: testRoom,
		Groupchat:  true,
		Timestamp:  1700000005,
		Body:       "my words",
		OriginID:   "o-mine",
		StanzaID:   "assigned-later",
	}
	if err := f.ctrl.HandleLiveMessage(ev); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.db.QueryRange(accountID, []int64{roomID}, 0, 1e12)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("stored %d copies, want 1", len(msgs))
	}
}

func TestLiveRoomMessageAdvancesCheckpointWhenCaughtUp(t *testing.T) {
	f := newFixture(t)
	if err := f.ctrl.RequestRoomSync(testRoom); err != nil {
		t.Fatal(err)
	}
	qid := f.querier.last(t).QueryID
	f.ctrl.HandleQueryResult(xmpp.QueryResult{
		QueryID: qid, ArchiveJID: testRoom, Last: "r-0", Complete: true,
	})
	if !f.ctrl.IsCaughtUp(testRoom) {
		t.Fatal("room should be caught up")
	}

	at := float64(time.Date(2024, 6, 15, 13, 0, 0, 0, time.UTC).Unix())
	ev := xmpp.MessageEvent{
		Account:    testAccount,
		From:       testRoom + "/bob",
		Nickname:   "bob",
		ArchiveJID: testRoom,
		Groupchat:  true,
		Timestamp:  at,
		Body:       "fresh",
		StanzaID:   "r-1",
	}
	if err := f.ctrl.HandleLiveMessage(ev); err != nil {
		t.Fatal(err)
	}

	cp := f.checkpoint(t, testRoom, archive.AddressRoom)
	if cp.Cursor != "r-1" {
		t.Errorf("cursor = %q, want r-1", cp.Cursor)
	}
	if cp.LastReceived != at {
		t.Errorf("last_received = %v, want %v", cp.LastReceived, at)
	}
}

func TestLiveRoomMessageBeforeCatchUpOnlyTracksTimestamp(t *testing.T) {
	f := newFixture(t)

	at := 1700000000.0
	ev := xmpp.MessageEvent{
		Account:    testAccount,
		From:       testRoom + "/bob",
		Nickname:   "bob",
		ArchiveJID: testRoom,
		Groupchat:  true,
		Timestamp:  at,
		Body:       "early",
		StanzaID:   "r-1",
	}
	if err := f.ctrl.HandleLiveMessage(ev); err != nil {
		t.Fatal(err)
	}

	cp := f.checkpoint(t, testRoom, archive.AddressRoom)
	if cp == nil {
		t.Fatal("no checkpoint written")
	}
	if cp.Cursor != "" {
		t.Errorf("cursor = %q, must stay empty before catch-up", cp.Cursor)
	}
	if cp.LastReceived != at {
		t.Errorf("last_received = %v, want %v", cp.LastReceived, at)
	}
}

func TestLiveMarkerAppliedByOriginID(t *testing.T) {
	f := newFixture(t)
	accountID, err := f.resolver.ResolveAddress(testAccount, archive.AddressNormal)
	if err != nil {
		t.Fatal(err)
	}
	contactID, err := f.resolver.ResolveAddress("alice@example.org", archive.AddressNormal)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.InsertMessage(&archive.Message{
		AccountID:  accountID,
		IdentityID: contactID,
		Timestamp:  1700000000,
		Kind:       archive.KindChatMsgSent,
		Body:       "did you see this",
		OriginID:   "o-1",
	}); err != nil {
		t.Fatal(err)
	}

	ev := xmpp.MessageEvent{
		Account:   testAccount,
		From:      "alice@example.org",
		Timestamp: 1700000100,
		Marker:    "displayed",
		OriginID:  "o-1",
	}
	if err := f.ctrl.HandleLiveMessage(ev); err != nil {
		t.Fatal(err)
	}

	msgs := f.messagesWith(t, "alice@example.org")
	if len(msgs) != 1 {
		t.Fatalf("marker event must not store a row, got %d", len(msgs))
	}
	if msgs[0].Marker != archive.MarkerDisplayed {
		t.Errorf("marker = %v, want MarkerDisplayed", msgs[0].Marker)
	}
}

func TestLiveErrorAnnotatesMessage(t *testing.T) {
	f := newFixture(t)
	accountID, err := f.resolver.ResolveAddress(testAccount, archive.AddressNormal)
	if err != nil {
		t.Fatal(err)
	}
	contactID, err := f.resolver.ResolveAddress("alice@example.org", archive.AddressNormal)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.db.InsertMessage(&archive.Message{
		AccountID:  accountID,
		IdentityID: contactID,
		Timestamp:  1700000000,
		Kind:       archive.KindChatMsgSent,
		Body:       "undeliverable",
		OriginID:   "o-1",
	}); err != nil {
		t.Fatal(err)
	}

	ev := xmpp.MessageEvent{
		Account:   testAccount,
		From:      "alice@example.org",
		Timestamp: 1700000100,
		Error:     "service-unavailable",
		OriginID:  "o-1",
	}
	if err := f.ctrl.HandleLiveMessage(ev); err != nil {
		t.Fatal(err)
	}

	msgs := f.messagesWith(t, "alice@example.org")
	if len(msgs) != 1 || msgs[0].Error != "service-unavailable" {
		t.Errorf("stored = %+v, want error annotation", msgs)
	}
}
