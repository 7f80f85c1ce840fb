package mam

import "github.com/mfelten/histd/internal/archive"

// Bootstrap and pagination policy constants. The room bootstrap window is
// deliberately short: depending on what a room archives there can be
// thousands of messages in a single day.
const (
	PersonalBootstrapDays = 7
	RoomBootstrapDays     = 1

	DefaultPageSize  = 70
	IntervalPageSize = 30
)

// Policy holds the sync-window configuration for archive scopes.
type Policy struct {
	// PublicRoomWindowDays bounds incremental resume for public rooms.
	PublicRoomWindowDays int
	// MemberOnlyRoomWindowDays bounds member-only rooms. NoThreshold
	// requests as much history as possible.
	MemberOnlyRoomWindowDays int
	// RoomWindowOverrides are per-room settings taking precedence over
	// the defaults above.
	RoomWindowOverrides map[string]int
	// PageSize is the requested page size, DefaultPageSize if zero.
	PageSize int
}

// DefaultPolicy returns the stock sync-window policy.
func DefaultPolicy() Policy {
	return Policy{
		PublicRoomWindowDays:     1,
		MemberOnlyRoomWindowDays: archive.NoThreshold,
		PageSize:                 DefaultPageSize,
	}
}

func (p Policy) pageSize() int {
	if p.PageSize > 0 {
		return p.PageSize
	}
	return DefaultPageSize
}
