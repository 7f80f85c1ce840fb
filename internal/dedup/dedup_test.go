package dedup

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/mfelten/histd/internal/archive"
	"github.com/mfelten/histd/internal/xmpp"
)

type fixture struct {
	db        *archive.DB
	engine    *Engine
	accountID int64
	contactID int64
	roomID    int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := archive.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	r, err := archive.NewResolver(db)
	if err != nil {
		t.Fatal(err)
	}
	accountID, err := r.ResolveAddress("me@example.org", archive.AddressNormal)
	if err != nil {
		t.Fatal(err)
	}
	contactID, err := r.ResolveAddress("alice@example.org", archive.AddressNormal)
	if err != nil {
		t.Fatal(err)
	}
	roomID, err := r.ResolveAddress("room@muc.example.org", archive.AddressRoom)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		db:        db,
		engine:    NewEngine(db, nil),
		accountID: accountID,
		contactID: contactID,
		roomID:    roomID,
	}
}

func (f *fixture) insert(t *testing.T, m archive.Message) {
	t.Helper()
	m.AccountID = f.accountID
	if _, err := f.db.InsertMessage(&m); err != nil {
		t.Fatal(err)
	}
}

func TestStableIDDuplicateInPersonalArchive(t *testing.T) {
	f := newFixture(t)
	f.insert(t, archive.Message{
		IdentityID: f.contactID,
		Timestamp:  1000,
		Kind:       archive.KindChatMsgRecv,
		Body:       "hello",
		StanzaID:   "s-1",
	})

	cand := Candidate{
		AccountID:      f.accountID,
		ConversationID: f.contactID,
		ArchiveID:      f.accountID,
		StanzaID:       "s-1",
		Timestamp:      1000,
		Body:           "hello",
		MAMVersion:     xmpp.MAMv2,
	}
	dup, err := f.engine.IsDuplicate(cand)
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Error("same stanza-id should be a duplicate")
	}

	cand.StanzaID = "s-2"
	dup, err = f.engine.IsDuplicate(cand)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("fresh stanza-id should not be a duplicate")
	}
}

func TestStableIDIsScopedToRoomArchive(t *testing.T) {
	f := newFixture(t)
	// The room archive assigned "s-1" to a room message.
	f.insert(t, archive.Message{
		IdentityID: f.roomID,
		Timestamp:  1000,
		Kind:       archive.KindGCMessage,
		SenderName: "bob",
		Body:       "in the room",
		StanzaID:   "s-1",
	})

	// The personal archive may validly assign the same id to an
	// unrelated direct message.
	direct := Candidate{
		AccountID:      f.accountID,
		ConversationID: f.contactID,
		ArchiveID:      f.accountID,
		StanzaID:       "s-1",
		Timestamp:      2000,
		Body:           "direct",
		MAMVersion:     xmpp.MAMv2,
	}
	dup, err := f.engine.IsDuplicate(direct)
	if err != nil {
		t.Fatal(err)
	}
	if dup {
		t.Error("room-archive id must not shadow the personal archive")
	}

	// Within the room scope the id is a duplicate.
	room := Candidate{
		AccountID:      f.accountID,
		ConversationID: f.roomID,
		ArchiveID:      f.roomID,
		StanzaID:       "s-1",
		Timestamp:      1000,
		Body:           "in the room",
		Groupchat:      true,
		MAMVersion:     xmpp.MAMv2,
	}
	dup, err = f.engine.IsDuplicate(room)
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Error("same id inside the room should be a duplicate")
	}
}

func TestSelfMessageUsesOriginID(t *testing.T) {
	f := newFixture(t)
	f.insert(t, archive.Message{
		IdentityID: f.accountID,
		Timestamp:  1000,
		Kind:       archive.KindChatMsgSent,
		Body:       "note to self",
		OriginID:   "o-1",
	})

	cand := Candidate{
		AccountID:      f.accountID,
		ConversationID: f.accountID,
		ArchiveID:      f.accountID,
		StanzaID:       "server-chosen",
		OriginID:       "o-1",
		Timestamp:      1000,
		Body:           "note to self",
		SelfMessage:    true,
		MAMVersion:     xmpp.MAMv2,
	}
	dup, err := f.engine.IsDuplicate(cand)
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Error("self message with stored origin-id should be a duplicate")
	}
}

func TestSelfMessageWithoutOriginIDIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.IsDuplicate(Candidate{
		AccountID:      f.accountID,
		ConversationID: f.accountID,
		ArchiveID:      f.accountID,
		StanzaID:       "s-1",
		Timestamp:      1000,
		SelfMessage:    true,
		MAMVersion:     xmpp.MAMv2,
	})
	if !errors.Is(err, ErrSelfMessageWithoutOriginID) {
		t.Errorf("err = %v, want ErrSelfMessageWithoutOriginID", err)
	}
}

func TestTimestampFallbackWindows(t *testing.T) {
	f := newFixture(t)
	f.insert(t, archive.Message{
		IdentityID: f.contactID,
		Timestamp:  1000,
		Kind:       archive.KindChatMsgRecv,
		Body:       "hello",
	})

	base := Candidate{
		AccountID:      f.accountID,
		ConversationID: f.contactID,
		ArchiveID:      f.accountID,
		Body:           "hello",
		MAMVersion:     xmpp.MAMv1,
	}

	tests := []struct {
		name string
		at   float64
		body string
		want bool
	}{
		{"inside window", 1010, "hello", true},
		{"window edge", 1030, "hello", true},
		{"outside window", 1090, "hello", false},
		{"different body", 1010, "goodbye", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			c.Timestamp = tt.at
			c.Body = tt.body
			dup, err := f.engine.IsDuplicate(c)
			if err != nil {
				t.Fatal(err)
			}
			if dup != tt.want {
				t.Errorf("dup = %v, want %v", dup, tt.want)
			}
		})
	}
}

func TestRoomTimestampFallbackUsesWiderWindow(t *testing.T) {
	f := newFixture(t)
	f.insert(t, archive.Message{
		IdentityID: f.roomID,
		Timestamp:  1000,
		Kind:       archive.KindGCMessage,
		SenderName: "bob",
		Body:       "room talk",
	})

	cand := Candidate{
		AccountID:      f.accountID,
		ConversationID: f.roomID,
		ArchiveID:      f.roomID,
		Timestamp:      1045, // past the direct window, inside the room one
		Body:           "room talk",
		Groupchat:      true,
		MAMVersion:     xmpp.MAMv1,
	}
	dup, err := f.engine.IsDuplicate(cand)
	if err != nil {
		t.Fatal(err)
	}
	if !dup {
		t.Error("room fallback should match within the wider window")
	}
}

func TestIsReflectedRoomMessage(t *testing.T) {
	f := newFixture(t)
	f.insert(t, archive.Message{
		IdentityID: f.roomID,
		Timestamp:  1000,
		Kind:       archive.KindGCMessage,
		SenderName: "mynick",
		Body:       "sent by us",
		OriginID:   "o-1",
	})

	cand := Candidate{
		AccountID:      f.accountID,
		ConversationID: f.roomID,
		Nickname:       "mynick",
		OriginID:       "o-1",
		Timestamp:      1005,
	}
	reflected, err := f.engine.IsReflectedRoomMessage(cand)
	if err != nil {
		t.Fatal(err)
	}
	if !reflected {
		t.Error("own reflected message should be recognized")
	}

	cand.Nickname = "othernick"
	reflected, err = f.engine.IsReflectedRoomMessage(cand)
	if err != nil {
		t.Fatal(err)
	}
	if reflected {
		t.Error("someone else's nickname must not match")
	}

	cand.Nickname = "mynick"
	cand.OriginID = ""
	reflected, err = f.engine.IsReflectedRoomMessage(cand)
	if err != nil {
		t.Fatal(err)
	}
	if reflected {
		t.Error("missing origin-id never matches")
	}
}
