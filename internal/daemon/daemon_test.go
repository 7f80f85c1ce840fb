package daemon

import (
	"bufio"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mfelten/histd/internal/archive"
	"github.com/mfelten/histd/internal/bridge"
	"github.com/mfelten/histd/internal/dedup"
	"github.com/mfelten/histd/internal/lock"
	"github.com/mfelten/histd/internal/mam"
	"github.com/mfelten/histd/internal/xmpp"
)

// TestDaemonLifecycle assembles the daemon's components by hand and
// drives a full sign-in, catch-up and ingestion cycle through the
// bridge socket the way an external stanza client would.
func TestDaemonLifecycle(t *testing.T) {
	// Use a short path to avoid the Unix socket path length limit.
	tmpDir, err := os.MkdirTemp("/tmp", "histd-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()
	socketPath := filepath.Join(tmpDir, "b.sock")

	lk, err := lock.Acquire(tmpDir)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = lk.Release() }()

	db, err := archive.Open(filepath.Join(tmpDir, "archive.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()

	resolver, err := archive.NewResolver(db)
	if err != nil {
		t.Fatal(err)
	}

	srv, err := bridge.NewServer(socketPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctrl, err := mam.NewController(db, resolver, dedup.NewEngine(db, nil),
		srv, srv.Sink(), mam.DefaultPolicy(), "me@example.org", nil)
	if err != nil {
		t.Fatal(err)
	}
	srv.SetHandler(ctrl)
	go func() { _ = srv.Start() }()
	defer srv.Stop()

	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = conn.Close() }()
	reader := bufio.NewReader(conn)

	writeLine := func(v any) {
		t.Helper()
		data, err := json.Marshal(v)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := conn.Write(append(data, '\n')); err != nil {
			t.Fatal(err)
		}
	}
	type wireFrame struct {
		Type   string                `json:"type"`
		Query  *bridge.QueryPayload  `json:"query"`
		Notify *bridge.NotifyPayload `json:"notify"`
	}
	readFrame := func() wireFrame {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Fatal(err)
		}
		var f wireFrame
		if err := json.Unmarshal(line, &f); err != nil {
			t.Fatal(err)
		}
		return f
	}

	// Sign-in triggers the bootstrap query.
	writeLine(bridge.Envelope{Type: bridge.TypeOnline, Online: &bridge.OnlinePayload{
		Account: "me@example.org", MAMVersion: xmpp.MAMv2,
	}})
	frame := readFrame()
	if frame.Type != bridge.TypeQuery || frame.Query == nil {
		t.Fatalf("frame = %+v, want bootstrap query", frame)
	}
	qid := frame.Query.QueryID
	if qid == "" || frame.Query.After != "" {
		t.Fatalf("bootstrap query = %+v", frame.Query)
	}

	// Deliver one archived message for the in-flight query.
	writeLine(bridge.Envelope{Type: bridge.TypeMessage, Message: &bridge.MessagePayload{
		Account: "me@example.org", From: "alice@example.org",
		ArchiveJID: "me@example.org", QueryID: qid,
		MAM: true, MAMVersion: xmpp.MAMv2,
		Timestamp: 1700000000, Body: "hello from the archive", StanzaID: "s-1",
	}})
	frame = readFrame()
	if frame.Type != bridge.TypeAdmitted || frame.Notify == nil {
		t.Fatalf("frame = %+v, want admitted notification", frame)
	}
	if frame.Notify.Address != "alice@example.org" {
		t.Errorf("admitted address = %q", frame.Notify.Address)
	}

	// Terminal page result finishes catch-up.
	writeLine(bridge.Envelope{Type: bridge.TypeQueryResult, Result: &bridge.QueryResultPayload{
		QueryID: qid, Complete: true, Last: "s-1",
	}})
	frame = readFrame()
	if frame.Type != bridge.TypeCatchUpFinished {
		t.Fatalf("frame = %+v, want catch-up notification", frame)
	}

	if !ctrl.IsCaughtUp("me@example.org") {
		t.Error("controller should be caught up")
	}

	accountID, err := resolver.ResolveAddress("me@example.org", archive.AddressNormal)
	if err != nil {
		t.Fatal(err)
	}
	contactID, err := resolver.ResolveAddress("alice@example.org", archive.AddressUnknown)
	if err != nil {
		t.Fatal(err)
	}
	msgs, err := db.QueryRange(accountID, []int64{contactID}, 0, 2e9)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 || msgs[0].Body != "hello from the archive" {
		t.Fatalf("stored = %+v, want the archived message", msgs)
	}
	cp, err := db.GetCheckpoint(accountID)
	if err != nil {
		t.Fatal(err)
	}
	if cp == nil || cp.Cursor != "s-1" {
		t.Errorf("checkpoint = %+v, want cursor s-1", cp)
	}
}
