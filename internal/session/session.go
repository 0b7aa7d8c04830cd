// Package session implements the development session state machine. A
// session moves through intake, planning, executing and reviewing, driven
// by user input, planner actions and command results.
package session

import (
	"github.com/aide-dev/aide/internal/planner"
	"github.com/aide-dev/aide/internal/prefs"
	"github.com/aide-dev/aide/internal/sandbox"
	"github.com/oklog/ulid/v2"
)

// Phase is a session lifecycle phase.
type Phase string

const (
	// PhaseIntake gathers the goal; the assistant may ask clarifying
	// questions until it can propose a plan.
	PhaseIntake Phase = "intake"

	// PhasePlanning presents a plan and waits for acknowledgement.
	PhasePlanning Phase = "planning"

	// PhaseExecuting runs plan steps in the sandbox, one at a time.
	PhaseExecuting Phase = "executing"

	// PhaseReviewing summarizes the outcome and commits learned facts.
	PhaseReviewing Phase = "reviewing"

	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// Terminal reports whether the phase ends the session.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseCompleted, PhaseFailed, PhaseCancelled:
		return true
	}
	return false
}

// NewID mints a session id. ULIDs sort by creation time, which keeps
// session listings and log files chronological for free.
func NewID() string {
	return ulid.Make().String()
}

// state is the mutable core of a running session.
type state struct {
	phase      Phase
	seq        uint64
	transcript []planner.Turn
	snapshot   map[string]string

	plan    *planner.Plan
	stepIdx int

	// facts staged by planner actions, committed at review
	staged []prefs.Fact

	env *sandbox.Handle
}

// transition validity; anything not listed is a bug in the caller.
var validNext = map[Phase][]Phase{
	PhaseIntake:    {PhasePlanning, PhaseFailed, PhaseCancelled},
	PhasePlanning:  {PhaseExecuting, PhaseIntake, PhaseFailed, PhaseCancelled},
	PhaseExecuting: {PhaseReviewing, PhasePlanning, PhaseFailed, PhaseCancelled},
	PhaseReviewing: {PhaseCompleted, PhaseFailed, PhaseCancelled},
}

func canTransition(from, to Phase) bool {
	for _, n := range validNext[from] {
		if n == to {
			return true
		}
	}
	return false
}
