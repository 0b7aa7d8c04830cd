// Package orchestrator accepts front-end connections and binds them to
// sessions. A session outlives its connection: when the front-end drops,
// the session is parked for a grace period and can be resumed by a new
// connection presenting the same session id.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/aide-dev/aide/internal/config"
	"github.com/aide-dev/aide/internal/logging"
	"github.com/aide-dev/aide/internal/planner"
	"github.com/aide-dev/aide/internal/prefs"
	"github.com/aide-dev/aide/internal/protocol"
	"github.com/aide-dev/aide/internal/sandbox"
	"github.com/aide-dev/aide/internal/session"
)

// ParkBufferSize bounds outbound traffic held for a disconnected front-end.
// A parked session that overflows the buffer is cancelled: silently dropping
// frames would break result delivery guarantees.
const ParkBufferSize = 1024

// Config tunes the orchestrator.
type Config struct {
	// GracePeriod is how long a disconnected session stays parked.
	GracePeriod time.Duration

	// AckTimeout is passed through to sessions (0 = none).
	AckTimeout time.Duration

	// ProjectDir seeds new session workspaces.
	ProjectDir string

	Limits sandbox.Limits
}

// Orchestrator owns all live sessions.
type Orchestrator struct {
	cfg     Config
	planner planner.Planner
	engine  sandbox.Engine
	store   prefs.Store
	log     *logging.Logger

	mu       sync.Mutex
	sessions map[string]*binding
	wg       sync.WaitGroup
}

// binding is one session plus its connection state.
type binding struct {
	machine *session.Machine
	in      chan *protocol.Envelope
	out     chan *protocol.Envelope
	done    chan struct{}
	cancel  context.CancelCauseFunc

	mu        sync.Mutex
	enc       *protocol.Encoder // nil while parked
	buffer    []*protocol.Envelope
	parkTimer *time.Timer
}

// New creates an orchestrator.
func New(cfg Config, p planner.Planner, engine sandbox.Engine, store prefs.Store) *Orchestrator {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = config.Env().GracePeriod
	}
	return &Orchestrator{
		cfg:      cfg,
		planner:  p,
		engine:   engine,
		store:    store,
		log:      logging.New("orchestrator"),
		sessions: make(map[string]*binding),
	}
}

// Serve accepts connections until ctx is cancelled or the listener fails.
func (o *Orchestrator) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	o.log.Info("serving", map[string]any{"addr": ln.Addr().String()})

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				o.shutdown()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}

		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.handleConn(ctx, conn)
		}()
	}
}

// shutdown cancels every session and waits for their loops.
func (o *Orchestrator) shutdown() {
	o.mu.Lock()
	for _, b := range o.sessions {
		b.cancel(errors.New("shutdown"))
	}
	o.mu.Unlock()
	o.wg.Wait()
}

// SessionCount reports the number of live sessions.
func (o *Orchestrator) SessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.sessions)
}

// handleConn reads frames from one connection. The first user_input binds
// the connection to a session: an empty session id starts a new one, a
// known id resumes a parked one.
func (o *Orchestrator) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	enc := protocol.NewEncoder(conn)
	dec := protocol.NewDecoder(conn)

	var bound *binding
	defer func() {
		if bound != nil {
			o.park(bound, enc)
		}
	}()

	for {
		env, err := dec.Decode()
		if err != nil {
			if protocol.IsMalformed(err) {
				// Recoverable: the decoder resynchronized already.
				o.log.Warn("malformed_frame", nil, err)
				sendError(enc, "", "malformed_frame", err.Error(), false)
				continue
			}
			// EOF, mid-frame EOF, oversized frame: connection is done.
			return
		}

		if bound == nil {
			bound = o.bind(ctx, env, enc)
			if bound == nil {
				continue
			}
			// The binding frame itself still goes to the session,
			// except a pure resume probe with no content.
			if isResumeProbe(env) {
				continue
			}
		}

		select {
		case bound.in <- env:
		case <-bound.done:
			sendError(enc, o.sessionID(env), "session_over", "session already finished", true)
			return
		case <-ctx.Done():
			return
		}
	}
}

// bind resolves the envelope to a session, creating or resuming as needed.
func (o *Orchestrator) bind(ctx context.Context, env *protocol.Envelope, enc *protocol.Encoder) *binding {
	id := o.sessionID(env)

	if id == "" {
		if env.Type != protocol.MsgUserInput {
			sendError(enc, "", "no_session", "first frame must be user_input", true)
			return nil
		}
		return o.startSession(ctx, env, enc)
	}

	o.mu.Lock()
	b, ok := o.sessions[id]
	o.mu.Unlock()
	if !ok {
		sendError(enc, id, "unknown_session", "no such session (expired or never existed)", true)
		return nil
	}

	o.resume(b, enc)
	return b
}

func (o *Orchestrator) sessionID(env *protocol.Envelope) string {
	switch env.Type {
	case protocol.MsgUserInput:
		if p, err := env.AsUserInput(); err == nil {
			return p.SessionID
		}
	case protocol.MsgCommandRequest:
		if p, err := env.AsCommandRequest(); err == nil {
			return p.SessionID
		}
	}
	return ""
}

// isResumeProbe reports whether the frame only re-attaches a session and
// carries nothing for the machine itself.
func isResumeProbe(env *protocol.Envelope) bool {
	if env.Type != protocol.MsgUserInput {
		return false
	}
	p, err := env.AsUserInput()
	if err != nil {
		return false
	}
	return p.SessionID != "" && p.Text == "" && !p.Ack && !p.Cancel
}

func (o *Orchestrator) startSession(ctx context.Context, env *protocol.Envelope, enc *protocol.Encoder) *binding {
	input, err := env.AsUserInput()
	if err != nil {
		sendError(enc, "", "bad_payload", err.Error(), true)
		return nil
	}

	userID := input.UserID
	if userID == "" {
		userID = config.Env().UserID
	}

	cfg := session.Config{
		ID:         session.NewID(),
		ProjectID:  input.ProjectID,
		UserID:     userID,
		ProjectDir: o.cfg.ProjectDir,
		AckTimeout: o.cfg.AckTimeout,
		Limits:     o.cfg.Limits,
	}

	sctx, cancel := context.WithCancelCause(ctx)
	b := &binding{
		machine: session.New(cfg, o.planner, o.engine, o.store),
		in:      make(chan *protocol.Envelope, 16),
		out:     make(chan *protocol.Envelope, 64),
		done:    make(chan struct{}),
		cancel:  cancel,
		enc:     enc,
	}

	o.mu.Lock()
	o.sessions[cfg.ID] = b
	o.mu.Unlock()

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		b.machine.Run(sctx, b.in, b.out)
		close(b.done)
	}()
	go func() {
		defer o.wg.Done()
		o.pump(b)
	}()

	o.log.WithSession(cfg.ID).Info("session_created", map[string]any{
		"project": cfg.ProjectID,
		"user":    cfg.UserID,
	})
	return b
}

// pump moves machine output to the attached connection, or into the park
// buffer while no connection is attached. Runs until the machine finishes
// and its output channel drains.
func (o *Orchestrator) pump(b *binding) {
	for {
		select {
		case env := <-b.out:
			o.dispatch(b, env)
		case <-b.done:
			// Flush whatever the machine emitted on the way out.
			for {
				select {
				case env := <-b.out:
					o.dispatch(b, env)
				default:
					o.unregister(b)
					return
				}
			}
		}
	}
}

func (o *Orchestrator) dispatch(b *binding, env *protocol.Envelope) {
	b.mu.Lock()
	enc := b.enc
	if enc == nil {
		if len(b.buffer) >= ParkBufferSize {
			b.mu.Unlock()
			b.cancel(errors.New("park_buffer_overflow"))
			return
		}
		b.buffer = append(b.buffer, env)
		b.mu.Unlock()
		return
	}
	b.mu.Unlock()

	if err := enc.Encode(env); err != nil {
		// Writer is gone. Park immediately instead of waiting for the read
		// side to notice, and keep the frame for replay on resume: dropping
		// it here could swallow a command result.
		o.log.Warn("write_failed", map[string]any{"session": b.machine.ID()}, err)
		if o.detach(b, enc) {
			o.dispatch(b, env)
			if pe, perr := b.machine.Event("session_parked", "connection_lost"); perr == nil {
				o.dispatch(b, pe)
			}
			o.log.WithSession(b.machine.ID()).Info("parked", map[string]any{
				"grace": o.cfg.GracePeriod.String(),
			})
			return
		}
		// Another goroutine detached (or reattached) first; just buffer.
		o.dispatch(b, env)
	}
}

// detach drops the binding's encoder and starts the grace timer. When prev
// is non-nil the detach only happens if that encoder is still the attached
// one, so a failed write cannot knock off a fresh connection that resumed
// in the meantime. Returns whether this call did the detaching.
func (o *Orchestrator) detach(b *binding, prev *protocol.Encoder) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.enc == nil || (prev != nil && b.enc != prev) {
		return false
	}
	b.enc = nil
	if b.parkTimer != nil {
		b.parkTimer.Stop()
	}
	b.parkTimer = time.AfterFunc(o.cfg.GracePeriod, func() {
		b.cancel(errors.New("grace_expired"))
	})
	return true
}

// park detaches prev from the binding and starts the grace timer. prev
// guards against a dead connection parking a session that a newer
// connection has already resumed.
func (o *Orchestrator) park(b *binding, prev *protocol.Encoder) {
	select {
	case <-b.done:
		return // session already over, nothing to park
	default:
	}

	if !o.detach(b, prev) {
		return // already parked, or resumed by a newer connection
	}

	if env, err := b.machine.Event("session_parked", "connection_lost"); err == nil {
		o.dispatch(b, env) // lands in the buffer for the next connection
	}
	o.log.WithSession(b.machine.ID()).Info("parked", map[string]any{
		"grace": o.cfg.GracePeriod.String(),
	})
}

// resume attaches a new connection to a parked session and replays the
// buffered outbound traffic in order.
func (o *Orchestrator) resume(b *binding, enc *protocol.Encoder) {
	b.mu.Lock()
	if b.parkTimer != nil {
		b.parkTimer.Stop()
		b.parkTimer = nil
	}
	buffered := b.buffer
	b.buffer = nil
	b.enc = enc
	b.mu.Unlock()

	for _, env := range buffered {
		if err := enc.Encode(env); err != nil {
			return
		}
	}

	if env, err := b.machine.Event("session_resumed", ""); err == nil {
		enc.Encode(env)
	}
	o.log.WithSession(b.machine.ID()).Info("resumed", map[string]any{
		"replayed": len(buffered),
	})
}

func (o *Orchestrator) unregister(b *binding) {
	b.mu.Lock()
	if b.parkTimer != nil {
		b.parkTimer.Stop()
		b.parkTimer = nil
	}
	b.mu.Unlock()

	o.mu.Lock()
	delete(o.sessions, b.machine.ID())
	o.mu.Unlock()
}

func sendError(enc *protocol.Encoder, sessionID, code, msg string, fatal bool) {
	enc.Send(protocol.MsgError, "", &protocol.ErrorPayload{
		SessionID: sessionID,
		Code:      code,
		Message:   msg,
		Fatal:     fatal,
	})
}
