package orchestrator

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-dev/aide/internal/planner"
	"github.com/aide-dev/aide/internal/protocol"
	"github.com/aide-dev/aide/internal/sandbox"
	"github.com/aide-dev/aide/internal/session"
)

type testServer struct {
	t    *testing.T
	o    *Orchestrator
	addr string
}

func startServer(t *testing.T, cfg Config, p planner.Planner) *testServer {
	t.Helper()

	runner := sandbox.NewMockRunner()
	runner.AddResponse("echo", sandbox.MockResponse{Stdout: []byte("done\n")})
	engine := sandbox.NewLocalEngine(runner, t.TempDir())

	o := New(cfg, p, engine, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- o.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-served:
		case <-time.After(3 * time.Second):
			t.Error("server did not stop")
		}
	})

	return &testServer{t: t, o: o, addr: ln.Addr().String()}
}

type client struct {
	t    *testing.T
	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder
}

func (s *testServer) dial() *client {
	s.t.Helper()
	conn, err := net.Dial("tcp", s.addr)
	require.NoError(s.t, err)
	s.t.Cleanup(func() { conn.Close() })
	return &client{
		t:    s.t,
		conn: conn,
		enc:  protocol.NewEncoder(conn),
		dec:  protocol.NewDecoder(conn),
	}
}

func (c *client) send(mt protocol.MessageType, corr string, payload any) {
	c.t.Helper()
	require.NoError(c.t, c.enc.Send(mt, corr, payload))
}

func (c *client) next() *protocol.Envelope {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	env, err := c.dec.Decode()
	require.NoError(c.t, err)
	return env
}

func (c *client) awaitType(mt protocol.MessageType) *protocol.Envelope {
	c.t.Helper()
	for i := 0; i < 50; i++ {
		if env := c.next(); env.Type == mt {
			return env
		}
	}
	c.t.Fatalf("no %s envelope", mt)
	return nil
}

func (c *client) awaitEvent(event string) *protocol.SessionEventPayload {
	c.t.Helper()
	for i := 0; i < 50; i++ {
		env := c.next()
		if env.Type != protocol.MsgSessionEvent {
			continue
		}
		p, err := env.AsSessionEvent()
		require.NoError(c.t, err)
		if p.Event == event {
			return p
		}
	}
	c.t.Fatalf("no %q session event", event)
	return nil
}

func onePlanStep() *planner.Action {
	return &planner.Action{
		Kind: planner.KindPlan,
		Plan: &planner.Plan{
			Summary: "run it",
			Steps:   []planner.Step{{ID: "s1", Title: "echo", Argv: []string{"echo", "hi"}}},
		},
	}
}

func TestSessionOverSocket(t *testing.T) {
	sp := planner.NewScripted().
		Push(onePlanStep()).
		Push(&planner.Action{Kind: planner.KindDecision, Decision: planner.DecisionContinue})

	srv := startServer(t, Config{GracePeriod: time.Minute}, sp)
	c := srv.dial()

	c.send(protocol.MsgUserInput, "", &protocol.UserInputPayload{
		ProjectID: "proj",
		Text:      "run echo",
	})

	started := c.awaitEvent("session_started")
	require.NotEmpty(t, started.SessionID, "executor assigns the session id")
	sid := started.SessionID

	plan := c.awaitType(protocol.MsgAssistantOutput)
	p, _ := plan.AsAssistantOutput()
	require.Equal(t, protocol.OutputPlan, p.Kind)

	c.send(protocol.MsgUserInput, "", &protocol.UserInputPayload{SessionID: sid, Ack: true})

	res, _ := c.awaitType(protocol.MsgCommandResult).AsCommandResult()
	assert.Equal(t, protocol.StatusSucceeded, res.Status)
	assert.Equal(t, sid, res.SessionID)

	completed := c.awaitEvent("phase_changed")
	for completed.Phase != "completed" {
		completed = c.awaitEvent("phase_changed")
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	srv := startServer(t, Config{GracePeriod: time.Minute}, planner.NewScripted())
	c := srv.dial()

	c.send(protocol.MsgUserInput, "", &protocol.UserInputPayload{SessionID: "NOPE", Text: "hi"})

	errEnv, _ := c.awaitType(protocol.MsgError).AsError()
	assert.Equal(t, "unknown_session", errEnv.Code)
	assert.True(t, errEnv.Fatal)
}

func TestParkAndResume(t *testing.T) {
	sp := planner.NewScripted().
		Push(&planner.Action{Kind: planner.KindQuestion, Question: "which file?"}).
		Push(onePlanStep()).
		Push(&planner.Action{Kind: planner.KindDecision, Decision: planner.DecisionContinue})

	srv := startServer(t, Config{GracePeriod: 5 * time.Second}, sp)

	c1 := srv.dial()
	c1.send(protocol.MsgUserInput, "", &protocol.UserInputPayload{Text: "edit the thing"})
	sid := c1.awaitEvent("session_started").SessionID
	c1.awaitType(protocol.MsgAssistantOutput) // the question

	// Front-end dies mid-session.
	c1.conn.Close()

	require.Eventually(t, func() bool {
		srv.o.mu.Lock()
		b, ok := srv.o.sessions[sid]
		srv.o.mu.Unlock()
		if !ok {
			return false
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.enc == nil
	}, time.Second, 10*time.Millisecond, "session survives the disconnect and is parked")

	// A new front-end resumes with the same id.
	c2 := srv.dial()
	c2.send(protocol.MsgUserInput, "", &protocol.UserInputPayload{SessionID: sid})

	parked := c2.awaitEvent("session_parked")
	assert.Equal(t, "connection_lost", parked.Reason, "buffered park event is replayed")
	c2.awaitEvent("session_resumed")

	// The session picks up where it left off.
	c2.send(protocol.MsgUserInput, "", &protocol.UserInputPayload{SessionID: sid, Text: "main.go"})
	plan, _ := c2.awaitType(protocol.MsgAssistantOutput).AsAssistantOutput()
	assert.Equal(t, protocol.OutputPlan, plan.Kind)

	c2.send(protocol.MsgUserInput, "", &protocol.UserInputPayload{SessionID: sid, Ack: true})
	res, _ := c2.awaitType(protocol.MsgCommandResult).AsCommandResult()
	assert.Equal(t, protocol.StatusSucceeded, res.Status)
}

func TestGraceExpiryTearsDownSession(t *testing.T) {
	sp := planner.NewScripted().
		Push(&planner.Action{Kind: planner.KindQuestion, Question: "which file?"})

	srv := startServer(t, Config{GracePeriod: 50 * time.Millisecond}, sp)

	c := srv.dial()
	c.send(protocol.MsgUserInput, "", &protocol.UserInputPayload{Text: "hello"})
	sid := c.awaitEvent("session_started").SessionID
	c.awaitType(protocol.MsgAssistantOutput)
	c.conn.Close()

	require.Eventually(t, func() bool {
		return srv.o.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "expired session is torn down")

	// The id is gone for good.
	c2 := srv.dial()
	c2.send(protocol.MsgUserInput, "", &protocol.UserInputPayload{SessionID: sid, Text: "back"})
	errEnv, _ := c2.awaitType(protocol.MsgError).AsError()
	assert.Equal(t, "unknown_session", errEnv.Code)
}

func TestMalformedFrameDoesNotKillConnection(t *testing.T) {
	sp := planner.NewScripted().
		Push(&planner.Action{Kind: planner.KindQuestion, Question: "?"})

	srv := startServer(t, Config{GracePeriod: time.Minute}, sp)
	c := srv.dial()

	_, err := c.conn.Write([]byte("{not json at all\n"))
	require.NoError(t, err)

	errEnv, _ := c.awaitType(protocol.MsgError).AsError()
	assert.Equal(t, "malformed_frame", errEnv.Code)
	assert.False(t, errEnv.Fatal)

	// Same connection still works.
	c.send(protocol.MsgUserInput, "", &protocol.UserInputPayload{Text: "hi"})
	started := c.awaitEvent("session_started")
	assert.NotEmpty(t, started.SessionID)
}

type brokenWriter struct{}

func (brokenWriter) Write(p []byte) (int, error) { return 0, errWritePipe }

var errWritePipe = errors.New("write: broken pipe")

func TestWriteFailureParksAndKeepsFrame(t *testing.T) {
	o := New(Config{GracePeriod: time.Minute}, planner.NewScripted(),
		sandbox.NewLocalEngine(sandbox.NewMockRunner(), t.TempDir()), nil)

	b := &binding{
		machine: session.New(session.Config{ID: "S1"}, planner.NewScripted(), nil, nil),
		done:    make(chan struct{}),
		cancel:  func(error) {},
		enc:     protocol.NewEncoder(brokenWriter{}),
	}

	env, err := protocol.NewEnvelope(protocol.MsgCommandResult, "c1", &protocol.CommandResultPayload{
		SessionID: "S1",
		CommandID: "c1",
		Status:    protocol.StatusSucceeded,
	})
	require.NoError(t, err)

	o.dispatch(b, env)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Nil(t, b.enc, "failed connection is detached")
	require.NotEmpty(t, b.buffer, "undelivered frame survives for replay")
	assert.Same(t, env, b.buffer[0], "the failed frame replays first")
	require.NotNil(t, b.parkTimer, "grace timer started")
	b.parkTimer.Stop()

	// The buffered park event tells the resuming front-end what happened.
	require.Len(t, b.buffer, 2)
	parked, err := b.buffer[1].AsSessionEvent()
	require.NoError(t, err)
	assert.Equal(t, "session_parked", parked.Event)
}

func TestStaleConnectionCannotParkResumedSession(t *testing.T) {
	o := New(Config{GracePeriod: time.Minute}, planner.NewScripted(),
		sandbox.NewLocalEngine(sandbox.NewMockRunner(), t.TempDir()), nil)

	fresh := protocol.NewEncoder(brokenWriter{})
	stale := protocol.NewEncoder(brokenWriter{})
	b := &binding{
		machine: session.New(session.Config{ID: "S2"}, planner.NewScripted(), nil, nil),
		done:    make(chan struct{}),
		cancel:  func(error) {},
		enc:     fresh,
	}

	o.park(b, stale)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Same(t, fresh, b.enc, "the resumed connection stays attached")
	assert.Nil(t, b.parkTimer, "no grace timer for a stale park")
}
