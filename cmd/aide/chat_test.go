package main

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-dev/aide/internal/protocol"
	"github.com/aide-dev/aide/internal/render"
)

func newTestChat(buf *bytes.Buffer) *chat {
	return &chat{
		enc:       protocol.NewEncoder(buf),
		r:         render.New(false),
		sessionID: "S1",
	}
}

func TestInputLoopExitsWhenSessionEnds(t *testing.T) {
	var buf bytes.Buffer
	c := newTestChat(&buf)

	over := make(chan struct{})
	close(over)

	// Stdin is idle: a reader nothing ever writes to.
	pr, pw := io.Pipe()
	defer pw.Close()

	done := make(chan error, 1)
	go func() { done <- c.inputLoop(pr, over, false) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("input loop kept waiting for stdin after the session ended")
	}
}

func TestHandleLineSendsAck(t *testing.T) {
	var buf bytes.Buffer
	c := newTestChat(&buf)

	quit, err := c.handleLine("ok")
	require.NoError(t, err)
	assert.False(t, quit)

	env, err := protocol.NewDecoder(&buf).Decode()
	require.NoError(t, err)
	p, err := env.AsUserInput()
	require.NoError(t, err)
	assert.True(t, p.Ack)
	assert.Equal(t, "S1", p.SessionID)
}

func TestHandleLineRunCommand(t *testing.T) {
	var buf bytes.Buffer
	c := newTestChat(&buf)

	quit, err := c.handleLine("/run go test ./...")
	require.NoError(t, err)
	assert.False(t, quit)

	env, err := protocol.NewDecoder(&buf).Decode()
	require.NoError(t, err)
	require.Equal(t, protocol.MsgCommandRequest, env.Type)
	p, err := env.AsCommandRequest()
	require.NoError(t, err)
	assert.Equal(t, []string{"go", "test", "./..."}, p.Argv)
	assert.Equal(t, p.CommandID, env.Corr)
}

func TestHandleLineQuitWithoutTraffic(t *testing.T) {
	var buf bytes.Buffer
	c := newTestChat(&buf)

	quit, err := c.handleLine("/quit")
	require.NoError(t, err)
	assert.True(t, quit)
	assert.Zero(t, buf.Len(), "detaching sends nothing; the session just parks")
}
