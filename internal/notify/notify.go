// Package notify delivers engine events to their consumers through typed
// interfaces, one method per event, instead of an untyped broadcast bus.
package notify

import "github.com/mfelten/histd/internal/archive"

// Sink receives engine events. Implementations must not block; slow
// consumers should hand off to their own goroutine.
type Sink interface {
	// MessageAdmitted fires after a message passed deduplication and was
	// persisted. address is the resolved conversation address.
	MessageAdmitted(msg archive.Message, address string)

	// CatchUpFinished fires when an archive scope reaches the end of its
	// paginated sync, so a loading indicator can be dismissed.
	CatchUpFinished(archiveJID string)

	// SyncFailed fires when a sync attempt ends in a terminal error. The
	// engine does not retry; the consumer decides (e.g. on reconnect).
	SyncFailed(archiveJID string, err error)

	// IntervalFinished fires when a user-initiated history interval
	// request completes.
	IntervalFinished(queryID string)
}

// Funcs adapts plain functions to a Sink. Nil fields are skipped.
type Funcs struct {
	OnMessageAdmitted  func(msg archive.Message, address string)
	OnCatchUpFinished  func(archiveJID string)
	OnSyncFailed       func(archiveJID string, err error)
	OnIntervalFinished func(queryID string)
}

func (f Funcs) MessageAdmitted(msg archive.Message, address string) {
	if f.OnMessageAdmitted != nil {
		f.OnMessageAdmitted(msg, address)
	}
}

func (f Funcs) CatchUpFinished(archiveJID string) {
	if f.OnCatchUpFinished != nil {
		f.OnCatchUpFinished(archiveJID)
	}
}

func (f Funcs) SyncFailed(archiveJID string, err error) {
	if f.OnSyncFailed != nil {
		f.OnSyncFailed(archiveJID, err)
	}
}

func (f Funcs) IntervalFinished(queryID string) {
	if f.OnIntervalFinished != nil {
		f.OnIntervalFinished(queryID)
	}
}

// Multi fans events out to several sinks in order.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

type multi []Sink

func (m multi) MessageAdmitted(msg archive.Message, address string) {
	for _, s := range m {
		s.MessageAdmitted(msg, address)
	}
}

func (m multi) CatchUpFinished(archiveJID string) {
	for _, s := range m {
		s.CatchUpFinished(archiveJID)
	}
}

func (m multi) SyncFailed(archiveJID string, err error) {
	for _, s := range m {
		s.SyncFailed(archiveJID, err)
	}
}

func (m multi) IntervalFinished(queryID string) {
	for _, s := range m {
		s.IntervalFinished(queryID)
	}
}

// Nop discards all events.
type Nop struct{}

func (Nop) MessageAdmitted(archive.Message, string) {}
func (Nop) CatchUpFinished(string)                  {}
func (Nop) SyncFailed(string, error)                {}
func (Nop) IntervalFinished(string)                 {}
