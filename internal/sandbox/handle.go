package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	osexec "os/exec"
	"sync"
	"time"

	"github.com/aide-dev/aide/internal/logging"
)

var (
	// ErrBusy is returned when a command is submitted while another is
	// still running. One command at a time per environment.
	ErrBusy = errors.New("sandbox: environment busy")

	// ErrTerminated is returned when a command is submitted to an
	// environment that is shutting down or gone.
	ErrTerminated = errors.New("sandbox: environment terminated")
)

// Handle is a live environment. It owns the state machine: ready and busy
// alternate while commands run, terminating and terminated are one-way.
type Handle struct {
	ID        string
	SessionID string
	Engine    string

	mu      sync.Mutex
	state   State
	limits  Limits
	backend backend
	log     *logging.Logger
}

func newHandle(id, sessionID, engine string, limits Limits, b backend) *Handle {
	return &Handle{
		ID:        id,
		SessionID: sessionID,
		Engine:    engine,
		state:     StateReady,
		limits:    limits,
		backend:   b,
		log:       logging.New("sandbox").WithSession(sessionID),
	}
}

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Execution is a running command. Chunks delivers output in arrival order
// and is closed before the single Result is delivered on Done.
type Execution struct {
	Chunks <-chan OutputChunk
	Done   <-chan Result

	cancelOnce sync.Once
	cancelled  chan struct{}
}

// Cancel requests best-effort termination of the command. Calling it after
// the command completed, or more than once, has no effect.
func (e *Execution) Cancel() {
	e.cancelOnce.Do(func() { close(e.cancelled) })
}

// Execute starts cmd in the environment. The environment goes busy until
// the result is delivered, then returns to ready.
func (h *Handle) Execute(ctx context.Context, cmd Command) (*Execution, error) {
	h.mu.Lock()
	switch h.state {
	case StateBusy:
		h.mu.Unlock()
		return nil, ErrBusy
	case StateTerminating, StateTerminated:
		h.mu.Unlock()
		return nil, ErrTerminated
	}
	h.state = StateBusy
	h.mu.Unlock()

	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = h.limits.CommandTimeout
	}

	chunks := make(chan OutputChunk, 64)
	done := make(chan Result, 1)
	ex := &Execution{
		Chunks:    chunks,
		Done:      done,
		cancelled: make(chan struct{}),
	}

	proc, err := h.backend.start(ctx, cmd)
	if err != nil {
		h.setReady()
		return nil, fmt.Errorf("start command: %w", err)
	}

	go h.supervise(proc, cmd, timeout, ex, chunks, done)
	return ex, nil
}

// supervise pumps output, enforces the timeout, and emits the one result.
func (h *Handle) supervise(proc Process, cmd Command, timeout time.Duration,
	ex *Execution, chunks chan OutputChunk, done chan Result) {

	start := time.Now()

	var pumps sync.WaitGroup
	pumps.Add(2)
	go pump(&pumps, proc.Stdout(), "stdout", cmd.ID, chunks)
	go pump(&pumps, proc.Stderr(), "stderr", cmd.ID, chunks)

	// Terminal status decided by whoever kills first.
	var killReason Status
	var killMu sync.Mutex
	kill := func(reason Status) {
		killMu.Lock()
		if killReason == "" {
			killReason = reason
			proc.Kill()
		}
		killMu.Unlock()
	}

	waitErr := make(chan error, 1)
	go func() {
		pumps.Wait()
		waitErr <- proc.Wait()
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var err error
	cancelled := ex.cancelled
wait:
	for {
		select {
		case err = <-waitErr:
			break wait
		case <-timer:
			kill(StatusTimedOut)
			timer = nil
		case <-cancelled:
			kill(StatusCancelled)
			cancelled = nil
		}
	}

	res := Result{
		CommandID: cmd.ID,
		Duration:  time.Since(start),
	}

	killMu.Lock()
	reason := killReason
	killMu.Unlock()

	switch {
	case reason != "":
		res.Status = reason
		if err != nil {
			res.Err = err.Error()
		}
		res.ExitCode = -1
	case err == nil:
		res.Status = StatusSucceeded
	default:
		res.Status = StatusFailed
		res.Err = err.Error()
		var exitErr *osexec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = -1
		}
	}

	// Chunk channel closes before the result: no output after a result.
	close(chunks)
	done <- res
	close(done)

	h.log.TimedEvent("command_done", start, map[string]any{
		"command": cmd.ID,
		"status":  string(res.Status),
		"exit":    res.ExitCode,
	})

	h.setReady()
}

func pump(wg *sync.WaitGroup, r io.Reader,
	stream, commandID string, chunks chan<- OutputChunk) {

	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		chunks <- OutputChunk{
			CommandID: commandID,
			Stream:    stream,
			Data:      sc.Text() + "\n",
		}
	}
}

func (h *Handle) setReady() {
	h.mu.Lock()
	if h.state == StateBusy {
		h.state = StateReady
	}
	h.mu.Unlock()
}

// Terminate tears the environment down. Idempotent.
func (h *Handle) Terminate(ctx context.Context) error {
	h.mu.Lock()
	if h.state == StateTerminating || h.state == StateTerminated {
		h.mu.Unlock()
		return nil
	}
	h.state = StateTerminating
	h.mu.Unlock()

	err := h.backend.destroy(ctx)

	h.mu.Lock()
	h.state = StateTerminated
	h.mu.Unlock()

	if err != nil {
		h.log.Warn("terminate_failed", map[string]any{"env": h.ID}, err)
		return err
	}
	h.log.Info("terminated", map[string]any{"env": h.ID})
	return nil
}
