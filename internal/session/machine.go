package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aide-dev/aide/internal/logging"
	"github.com/aide-dev/aide/internal/planner"
	"github.com/aide-dev/aide/internal/prefs"
	"github.com/aide-dev/aide/internal/protocol"
	"github.com/aide-dev/aide/internal/sandbox"
)

// Config describes one session.
type Config struct {
	ID        string
	ProjectID string
	UserID    string

	// ProjectDir seeds the sandbox workspace. Empty means empty workspace.
	ProjectDir string

	// AckTimeout bounds how long a presented plan may sit unacknowledged.
	// Zero disables the timeout.
	AckTimeout time.Duration

	Limits sandbox.Limits
}

// Machine drives one session. Run is the only goroutine that mutates the
// session state; Event and Phase are safe from other goroutines.
type Machine struct {
	cfg     Config
	planner planner.Planner
	engine  sandbox.Engine
	store   prefs.Store
	log     *logging.Logger

	mu sync.Mutex // guards st.phase and st.seq for cross-goroutine reads

	st state

	ctx context.Context
	out chan<- *protocol.Envelope

	exec   *sandbox.Execution
	chunks <-chan sandbox.OutputChunk
	done   <-chan sandbox.Result
	step   planner.Step
	cmdID  string
	adhoc  bool
	tail   strings.Builder

	ackTimer *time.Timer
}

// New creates a session machine.
func New(cfg Config, p planner.Planner, engine sandbox.Engine, store prefs.Store) *Machine {
	if cfg.ID == "" {
		cfg.ID = NewID()
	}
	return &Machine{
		cfg:     cfg,
		planner: p,
		engine:  engine,
		store:   store,
		log:     logging.New("session").WithSession(cfg.ID).WithProject(cfg.ProjectID),
		st:      state{phase: PhaseIntake, snapshot: map[string]string{}},
	}
}

// ID returns the session id.
func (m *Machine) ID() string { return m.cfg.ID }

// Phase returns the current phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.phase
}

// Event builds a session_event envelope with the next sequence number.
// Used by the machine itself and by the orchestrator for park/resume.
func (m *Machine) Event(event, reason string) (*protocol.Envelope, error) {
	m.mu.Lock()
	m.st.seq++
	p := &protocol.SessionEventPayload{
		SessionID: m.cfg.ID,
		Seq:       m.st.seq,
		Event:     event,
		Phase:     string(m.st.phase),
		Reason:    reason,
	}
	m.mu.Unlock()
	return protocol.NewEnvelope(protocol.MsgSessionEvent, "", p)
}

// Run executes the session until a terminal phase. It consumes front-end
// envelopes from in and emits protocol traffic on out. The caller must
// drain out until Run returns.
func (m *Machine) Run(ctx context.Context, in <-chan *protocol.Envelope, out chan<- *protocol.Envelope) error {
	m.ctx = ctx
	m.out = out

	m.takeSnapshot(ctx)
	m.sendEvent("session_started", "")
	m.log.Info("started", map[string]any{"project": m.cfg.ProjectID})

	var ackC <-chan time.Time
	for !m.Phase().Terminal() {
		if m.ackTimer != nil {
			ackC = m.ackTimer.C
		} else {
			ackC = nil
		}

		select {
		case env, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			m.handleInput(env)

		case c, ok := <-m.chunks:
			if !ok {
				m.chunks = nil
				continue
			}
			m.forwardChunk(c)

		case res, ok := <-m.done:
			if !ok {
				m.done = nil
				continue
			}
			m.finishCommand(res)

		case <-ackC:
			// Unanswered plans auto-acknowledge; the user can still cancel
			// or steer with new input once execution starts.
			m.ackTimer = nil
			m.log.Info("plan_auto_acknowledged", map[string]any{"after": m.cfg.AckTimeout.String()})
			m.beginExecution()

		case <-ctx.Done():
			reason := "shutdown"
			if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
				reason = cause.Error()
			}
			m.toCancelled(reason)
		}
	}

	m.cleanup()
	return nil
}

// takeSnapshot loads the account's preferences for this project. A broken
// store degrades to an empty snapshot rather than blocking the session.
func (m *Machine) takeSnapshot(ctx context.Context) {
	if m.store == nil {
		return
	}
	snap, err := m.store.SnapshotForProject(ctx, m.cfg.UserID, m.cfg.ProjectID, m.cfg.ID)
	if err != nil {
		m.log.Warn("snapshot_failed", nil, err)
		return
	}
	for k, e := range snap.Facts {
		if e.NeedsConfirmation {
			continue
		}
		m.st.snapshot[k] = e.Value
	}
}

func (m *Machine) handleInput(env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgUserInput:
		p, err := env.AsUserInput()
		if err != nil {
			m.sendError("bad_payload", err.Error(), false)
			return
		}
		m.handleUserInput(p)

	case protocol.MsgCommandRequest:
		p, err := env.AsCommandRequest()
		if err != nil {
			m.sendError("bad_payload", err.Error(), false)
			return
		}
		m.handleCommandRequest(p)

	default:
		m.sendError("unexpected_message", fmt.Sprintf("unexpected %s from front-end", env.Type), false)
	}
}

func (m *Machine) handleUserInput(p *protocol.UserInputPayload) {
	if p.Cancel {
		m.toCancelled("user_cancelled")
		return
	}

	phase := m.Phase()

	if p.Ack {
		if phase != PhasePlanning {
			m.sendError("unexpected_ack", "no plan awaiting acknowledgement", false)
			return
		}
		m.stopAckTimer()
		m.beginExecution()
		return
	}

	if p.Text == "" {
		return
	}
	m.st.transcript = append(m.st.transcript, planner.Turn{Role: "user", Text: p.Text})

	switch phase {
	case PhaseIntake:
		m.askPlanner(nil)
	case PhasePlanning:
		// Revision instead of an ack: plan is withdrawn, planner decides
		// whether to ask or re-plan.
		m.stopAckTimer()
		m.st.plan = nil
		m.askPlanner(nil)
	default:
		m.log.Debug("input_noted", map[string]any{"phase": string(phase)})
	}
}

func (m *Machine) handleCommandRequest(p *protocol.CommandRequestPayload) {
	if p.Cancel {
		// Best-effort: cancelling an unknown or finished command is a no-op.
		if m.exec != nil && m.cmdID == p.CommandID {
			m.exec.Cancel()
		}
		return
	}

	if m.st.env == nil {
		m.sendError("no_sandbox", "no environment for ad-hoc command", false)
		return
	}
	if m.exec != nil {
		m.sendError("busy", "a command is already running", false)
		return
	}
	if len(p.Argv) == 0 {
		m.sendError("bad_payload", "command without argv", false)
		return
	}

	id := p.CommandID
	if id == "" {
		id = uuid.NewString()
	}
	m.startCommand(planner.Step{ID: "adhoc", Argv: p.Argv, Dir: p.Dir, TimeoutMs: int(p.TimeoutMs)}, id, true)
}

// askPlanner requests the next action. lastResult is non-nil right after a
// command finished.
func (m *Machine) askPlanner(lastResult *planner.ResultSummary) {
	ctx, cancel := context.WithTimeout(m.ctx, planner.Budget)
	defer cancel()

	act, err := m.planner.Next(ctx, &planner.Input{
		SessionID:  m.cfg.ID,
		Project:    m.cfg.ProjectID,
		Phase:      string(m.Phase()),
		Transcript: m.st.transcript,
		Snapshot:   m.st.snapshot,
		LastResult: lastResult,
	})
	if err != nil {
		m.log.Error("planner_failed", nil, err)
		m.toFailed("planning_unavailable", err.Error())
		return
	}

	m.st.staged = append(m.st.staged, act.Facts...)

	switch act.Kind {
	case planner.KindQuestion:
		m.st.transcript = append(m.st.transcript, planner.Turn{Role: "assistant", Text: act.Question})
		m.sendOutput(protocol.OutputQuestion, act.Question, nil)
		if m.Phase() == PhasePlanning {
			m.setPhase(PhaseIntake, "needs_clarification")
		}

	case planner.KindPlan:
		m.presentPlan(act.Plan)

	case planner.KindDecision:
		m.applyDecision(act)

	default:
		m.toFailed("planner_protocol", fmt.Sprintf("unknown action kind %q", act.Kind))
	}
}

func (m *Machine) presentPlan(plan *planner.Plan) {
	m.st.plan = plan
	m.st.stepIdx = 0

	steps := make([]protocol.PlanStep, len(plan.Steps))
	for i, s := range plan.Steps {
		steps[i] = protocol.PlanStep{ID: s.ID, Title: s.Title}
	}
	m.st.transcript = append(m.st.transcript, planner.Turn{Role: "assistant", Text: plan.Summary})

	if m.Phase() != PhasePlanning {
		m.setPhase(PhasePlanning, "")
	}
	m.sendOutput(protocol.OutputPlan, plan.Summary, steps)

	if m.cfg.AckTimeout > 0 {
		m.stopAckTimer()
		m.ackTimer = time.NewTimer(m.cfg.AckTimeout)
	}
}

func (m *Machine) beginExecution() {
	if m.st.env == nil {
		env, err := m.engine.Provision(m.ctx, sandbox.Spec{
			SessionID: m.cfg.ID,
			Project:   m.cfg.ProjectID,
			Source:    m.cfg.ProjectDir,
			Limits:    m.cfg.Limits,
		})
		if err != nil {
			reason := "provision_failed"
			if perr, ok := err.(*sandbox.ProvisionError); ok {
				reason = string(perr.Reason)
			}
			m.toFailed(reason, err.Error())
			return
		}
		m.st.env = env
	}

	m.setPhase(PhaseExecuting, "")
	m.startNextStep()
}

func (m *Machine) startNextStep() {
	if m.st.plan == nil || m.st.stepIdx >= len(m.st.plan.Steps) {
		m.toReviewing("")
		return
	}
	step := m.st.plan.Steps[m.st.stepIdx]
	m.startCommand(step, uuid.NewString(), false)
}

func (m *Machine) startCommand(step planner.Step, cmdID string, adhoc bool) {
	cmd := sandbox.Command{
		ID:      cmdID,
		Argv:    step.Argv,
		Dir:     step.Dir,
		Timeout: time.Duration(step.TimeoutMs) * time.Millisecond,
	}

	ex, err := m.st.env.Execute(m.ctx, cmd)
	if err != nil {
		// The command never started; synthesize its one result so the
		// invariant holds for observers, then let the planner react.
		m.log.Error("exec_start_failed", map[string]any{"step": step.ID}, err)
		m.step = step
		m.cmdID = cmdID
		m.adhoc = adhoc
		m.finishCommand(sandbox.Result{
			CommandID: cmdID,
			Status:    sandbox.StatusFailed,
			ExitCode:  -1,
			Err:       err.Error(),
		})
		return
	}

	m.exec = ex
	m.chunks = ex.Chunks
	m.done = ex.Done
	m.step = step
	m.cmdID = cmdID
	m.adhoc = adhoc
	m.tail.Reset()
}

func (m *Machine) forwardChunk(c sandbox.OutputChunk) {
	m.appendTail(c.Data)
	m.send(protocol.MsgCommandOutputChunk, c.CommandID, &protocol.CommandOutputChunkPayload{
		SessionID: m.cfg.ID,
		CommandID: c.CommandID,
		Stream:    c.Stream,
		Data:      c.Data,
	})
}

const tailLimit = 2048

func (m *Machine) appendTail(data string) {
	m.tail.WriteString(data)
	if m.tail.Len() > tailLimit {
		s := m.tail.String()
		m.tail.Reset()
		m.tail.WriteString(s[len(s)-tailLimit:])
	}
}

func (m *Machine) finishCommand(res sandbox.Result) {
	m.exec = nil
	m.chunks = nil
	m.done = nil

	m.send(protocol.MsgCommandResult, res.CommandID, &protocol.CommandResultPayload{
		SessionID:  m.cfg.ID,
		CommandID:  res.CommandID,
		Status:     protocol.ResultStatus(res.Status),
		ExitCode:   res.ExitCode,
		Error:      res.Err,
		DurationMs: res.Duration.Milliseconds(),
	})

	summary := &planner.ResultSummary{
		CommandID:  res.CommandID,
		StepID:     m.step.ID,
		Status:     string(res.Status),
		ExitCode:   res.ExitCode,
		Err:        res.Err,
		OutputTail: m.tail.String(),
	}
	m.st.transcript = append(m.st.transcript, planner.Turn{
		Role: "result",
		Text: fmt.Sprintf("step %s: %s (exit %d)", m.step.ID, res.Status, res.ExitCode),
	})

	if m.adhoc {
		return
	}
	if m.Phase().Terminal() {
		return
	}
	m.askPlanner(summary)
}

func (m *Machine) applyDecision(act *planner.Action) {
	switch act.Decision {
	case planner.DecisionContinue:
		m.st.stepIdx++
		m.startNextStep()

	case planner.DecisionReplan:
		m.setPhase(PhasePlanning, "replan")
		m.askPlanner(nil)

	case planner.DecisionReview:
		m.toReviewing(act.Summary)

	default:
		m.toFailed("planner_protocol", fmt.Sprintf("unknown decision %q", act.Decision))
	}
}

func (m *Machine) toReviewing(summary string) {
	m.setPhase(PhaseReviewing, "")

	if summary == "" {
		summary = "All plan steps completed."
	}
	m.sendOutput(protocol.OutputSummary, summary, nil)
	m.commitFacts()
	m.setPhase(PhaseCompleted, "")
}

// commitFacts writes staged facts to the preference store.
func (m *Machine) commitFacts() {
	if m.store == nil || len(m.st.staged) == 0 {
		return
	}
	now := time.Now().UTC()
	for _, f := range m.st.staged {
		f.UserID = m.cfg.UserID
		f.SourceSession = m.cfg.ID
		if f.UpdatedAt.IsZero() {
			f.UpdatedAt = now
		}
		if _, err := m.store.Upsert(m.ctx, f); err != nil {
			m.log.Warn("fact_commit_failed", map[string]any{"key": f.Key}, err)
		}
	}
	m.st.staged = nil
}

func (m *Machine) toFailed(reason, detail string) {
	m.sendError(reason, detail, true)
	m.setPhase(PhaseFailed, reason)
}

func (m *Machine) toCancelled(reason string) {
	if m.exec != nil {
		m.exec.Cancel()
		m.drainExec()
	}
	m.setPhase(PhaseCancelled, reason)
}

// drainExec forwards the remaining output and the terminal result of the
// in-flight command, so cancellation never swallows its result.
func (m *Machine) drainExec() {
	// Either channel may already be closed and nil'd by the Run loop.
	if m.chunks != nil {
		for c := range m.chunks {
			m.forwardChunk(c)
		}
	}
	if m.done == nil {
		m.exec = nil
		return
	}
	if res, ok := <-m.done; ok {
		m.send(protocol.MsgCommandResult, res.CommandID, &protocol.CommandResultPayload{
			SessionID:  m.cfg.ID,
			CommandID:  res.CommandID,
			Status:     protocol.ResultStatus(res.Status),
			ExitCode:   res.ExitCode,
			Error:      res.Err,
			DurationMs: res.Duration.Milliseconds(),
		})
	}
	m.exec = nil
	m.chunks = nil
	m.done = nil
}

func (m *Machine) cleanup() {
	m.stopAckTimer()
	if m.st.env != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := m.st.env.Terminate(ctx); err != nil {
			m.log.Warn("teardown_failed", nil, err)
		}
		m.st.env = nil
	}
	m.log.Info("finished", map[string]any{"phase": string(m.Phase())})
}

func (m *Machine) stopAckTimer() {
	if m.ackTimer != nil {
		m.ackTimer.Stop()
		m.ackTimer = nil
	}
}

// setPhase performs a transition and emits exactly one phase_changed event.
func (m *Machine) setPhase(to Phase, reason string) {
	m.mu.Lock()
	from := m.st.phase
	if !canTransition(from, to) {
		m.mu.Unlock()
		m.log.Error("bad_transition", map[string]any{"from": string(from), "to": string(to)}, nil)
		return
	}
	m.st.phase = to
	m.st.seq++
	seq := m.st.seq
	m.mu.Unlock()

	logging.PhaseEvent(m.cfg.ID, string(from), string(to), reason)
	env, err := protocol.NewEnvelope(protocol.MsgSessionEvent, "", &protocol.SessionEventPayload{
		SessionID: m.cfg.ID,
		Seq:       seq,
		Event:     "phase_changed",
		Phase:     string(to),
		From:      string(from),
		Reason:    reason,
	})
	if err == nil {
		m.deliver(env)
	}
}

func (m *Machine) sendEvent(event, reason string) {
	env, err := m.Event(event, reason)
	if err == nil {
		m.deliver(env)
	}
}

func (m *Machine) sendOutput(kind protocol.OutputKind, text string, steps []protocol.PlanStep) {
	m.send(protocol.MsgAssistantOutput, "", &protocol.AssistantOutputPayload{
		SessionID: m.cfg.ID,
		Kind:      kind,
		Text:      text,
		Steps:     steps,
	})
}

func (m *Machine) sendError(code, msg string, fatal bool) {
	m.send(protocol.MsgError, "", &protocol.ErrorPayload{
		SessionID: m.cfg.ID,
		Code:      code,
		Message:   msg,
		Fatal:     fatal,
	})
}

func (m *Machine) send(msgType protocol.MessageType, corr string, payload any) {
	env, err := protocol.NewEnvelope(msgType, corr, payload)
	if err != nil {
		m.log.Error("encode_failed", map[string]any{"type": string(msgType)}, err)
		return
	}
	m.deliver(env)
}

func (m *Machine) deliver(env *protocol.Envelope) {
	// Try without blocking first: after cancellation ctx.Done is always
	// ready and a plain two-way select could drop the terminal event even
	// with free buffer space.
	select {
	case m.out <- env:
		return
	default:
	}
	select {
	case m.out <- env:
	case <-m.ctx.Done():
	}
}
