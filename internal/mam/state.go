package mam

import (
	"fmt"
	"slices"
)

// State is the sync state of one archive scope.
type State string

const (
	Idle     State = "IDLE"
	Querying State = "QUERYING"
	Paging   State = "PAGING"
	CaughtUp State = "CAUGHT_UP"
	Failed   State = "FAILED"
)

// validTransitions defines allowed state transitions. Failed and CaughtUp
// are left by starting a fresh sync, typically on reconnect or rejoin.
var validTransitions = map[State][]State{
	Idle:     {Querying},
	Querying: {Paging, CaughtUp, Failed},
	Paging:   {Paging, CaughtUp, Failed},
	CaughtUp: {Querying},
	Failed:   {Querying},
}

// transition moves a scope to a new state, enforcing the table above.
// Callers hold the controller lock.
func (s *scope) transition(to State) error {
	if !slices.Contains(validTransitions[s.state], to) {
		return fmt.Errorf("invalid sync transition from %s to %s", s.state, to)
	}
	s.state = to
	return nil
}
