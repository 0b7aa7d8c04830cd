package planner

import (
	"context"
	"fmt"
	"sync"
)

// Scripted replays a fixed sequence of actions. Used by tests and by the
// local dry-run mode where no model is configured.
type Scripted struct {
	mu     sync.Mutex
	script []scriptEntry

	// Inputs records what the planner was asked, for assertions.
	Inputs []*Input
}

type scriptEntry struct {
	act *Action
	err error
}

// NewScripted creates an empty scripted planner.
func NewScripted() *Scripted {
	return &Scripted{}
}

// Push appends an action to the script.
func (s *Scripted) Push(act *Action) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, scriptEntry{act: act})
	return s
}

// PushErr appends an error to the script.
func (s *Scripted) PushErr(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = append(s.script, scriptEntry{err: err})
	return s
}

func (s *Scripted) Next(ctx context.Context, in *Input) (*Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Inputs = append(s.Inputs, in)
	if len(s.script) == 0 {
		return nil, fmt.Errorf("scripted planner exhausted after %d calls", len(s.Inputs))
	}
	e := s.script[0]
	s.script = s.script[1:]
	return e.act, e.err
}
