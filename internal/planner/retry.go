package planner

import (
	"context"
	"errors"
	"time"

	"github.com/aide-dev/aide/internal/logging"
)

// Retrying wraps a planner with bounded retry on ErrUnavailable. Backoff is
// exponential from Base, capped at Max. Any other error passes through.
type Retrying struct {
	Inner    Planner
	Attempts int
	Base     time.Duration
	Max      time.Duration

	log *logging.Logger
}

// WithRetry wraps p with the default retry policy.
func WithRetry(p Planner) *Retrying {
	return &Retrying{
		Inner:    p,
		Attempts: 4,
		Base:     500 * time.Millisecond,
		Max:      8 * time.Second,
		log:      logging.New("planner"),
	}
}

func (r *Retrying) Next(ctx context.Context, in *Input) (*Action, error) {
	delay := r.Base
	var lastErr error

	for attempt := 1; attempt <= r.Attempts; attempt++ {
		act, err := r.Inner.Next(ctx, in)
		if err == nil {
			return act, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		lastErr = err

		if attempt == r.Attempts {
			break
		}
		if r.log != nil {
			r.log.Warn("retry", map[string]any{
				"attempt": attempt,
				"delay":   delay.String(),
			}, err)
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		delay *= 2
		if delay > r.Max {
			delay = r.Max
		}
	}
	return nil, lastErr
}
