// Package planner decides what a session does next: ask the user a
// question, propose a plan, or react to a command result.
package planner

import (
	"context"
	"errors"
	"time"

	"github.com/aide-dev/aide/internal/prefs"
)

// ErrUnavailable signals a transient planner failure (network, rate limit,
// provider outage). Callers may retry; other errors are terminal.
var ErrUnavailable = errors.New("planner: temporarily unavailable")

// Turn is one entry of the session transcript.
type Turn struct {
	Role string `json:"role"` // "user", "assistant", "result"
	Text string `json:"text"`
}

// ResultSummary condenses a finished command for the planner.
type ResultSummary struct {
	CommandID  string `json:"command_id"`
	StepID     string `json:"step_id"`
	Status     string `json:"status"`
	ExitCode   int    `json:"exit_code"`
	Err        string `json:"error,omitempty"`
	OutputTail string `json:"output_tail,omitempty"`
}

// Input is everything the planner sees when asked for the next action.
type Input struct {
	SessionID  string            `json:"session_id"`
	Project    string            `json:"project"`
	Phase      string            `json:"phase"`
	Transcript []Turn            `json:"transcript"`
	Snapshot   map[string]string `json:"snapshot,omitempty"`
	LastResult *ResultSummary    `json:"last_result,omitempty"`
}

// Kind discriminates planner actions.
type Kind string

const (
	// KindQuestion asks the user for a missing piece of the goal.
	KindQuestion Kind = "question"

	// KindPlan proposes an ordered list of steps for approval.
	KindPlan Kind = "plan"

	// KindDecision reacts to a command result during execution.
	KindDecision Kind = "decision"
)

// Decision is the planner's verdict after a command result.
type Decision string

const (
	DecisionContinue Decision = "continue" // next step
	DecisionReplan   Decision = "replan"   // propose a new plan
	DecisionReview   Decision = "review"   // all done, summarize
)

// Step is one executable unit of a plan.
type Step struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	Argv      []string `json:"argv"`
	Dir       string   `json:"dir,omitempty"`
	TimeoutMs int      `json:"timeout_ms,omitempty"`
}

// Plan is an ordered sequence of steps.
type Plan struct {
	Summary string `json:"summary"`
	Steps   []Step `json:"steps"`
}

// Action is the planner's answer.
type Action struct {
	Kind     Kind     `json:"kind"`
	Question string   `json:"question,omitempty"`
	Plan     *Plan    `json:"plan,omitempty"`
	Decision Decision `json:"decision,omitempty"`
	Summary  string   `json:"summary,omitempty"`

	// Facts are preferences the planner extracted from the exchange,
	// destined for the preference store at review time.
	Facts []prefs.Fact `json:"facts,omitempty"`
}

// Planner produces the next action for a session.
type Planner interface {
	Next(ctx context.Context, in *Input) (*Action, error)
}

// Timeout applies per planner call unless the caller's context is tighter.
const Timeout = 60 * time.Second

// Budget bounds one Next call through the retry wrapper: room for every
// attempt to run to the full Timeout plus the whole backoff schedule.
// Callers that wrap Next in a deadline should use this, not Timeout, or
// later attempts only ever see an expired context.
const Budget = 5 * time.Minute
