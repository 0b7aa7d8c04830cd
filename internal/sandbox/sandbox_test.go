package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func localEnv(t *testing.T, runner Runner, session string) *Handle {
	t.Helper()
	eng := NewLocalEngine(runner, t.TempDir())
	h, err := eng.Provision(context.Background(), Spec{
		SessionID: session,
		Project:   "proj",
	})
	require.NoError(t, err)
	require.Equal(t, StateReady, h.State())
	return h
}

func collect(t *testing.T, ex *Execution) ([]OutputChunk, Result) {
	t.Helper()
	var chunks []OutputChunk
	for c := range ex.Chunks {
		chunks = append(chunks, c)
	}
	res, ok := <-ex.Done
	require.True(t, ok, "expected a result")
	_, again := <-ex.Done
	require.False(t, again, "expected exactly one result")
	return chunks, res
}

func TestExecuteStreamsThenSucceeds(t *testing.T) {
	runner := NewMockRunner()
	runner.AddResponse("echo", MockResponse{
		Stdout: []byte("line one\nline two\n"),
		Stderr: []byte("warn\n"),
	})
	h := localEnv(t, runner, "s1")

	ex, err := h.Execute(context.Background(), Command{ID: "c1", Argv: []string{"echo", "hi"}})
	require.NoError(t, err)

	chunks, res := collect(t, ex)

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "c1", res.CommandID)
	assert.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.Equal(t, "c1", c.CommandID)
	}

	assert.Equal(t, StateReady, h.State())
}

func TestExecuteFailure(t *testing.T) {
	runner := NewMockRunner()
	runner.AddResponse("false", MockResponse{Err: errors.New("exit status 2")})
	h := localEnv(t, runner, "s1")

	ex, err := h.Execute(context.Background(), Command{ID: "c1", Argv: []string{"false"}})
	require.NoError(t, err)

	_, res := collect(t, ex)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, -1, res.ExitCode)
	assert.Contains(t, res.Err, "exit status 2")
}

func TestExecuteTimeout(t *testing.T) {
	runner := NewMockRunner()
	runner.AddResponse("sleep", MockResponse{Delay: 5 * time.Second})
	h := localEnv(t, runner, "s1")

	ex, err := h.Execute(context.Background(), Command{
		ID:      "c1",
		Argv:    []string{"sleep", "60"},
		Timeout: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	_, res := collect(t, ex)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, StateReady, h.State(), "environment survives a timed out command")
}

func TestExecuteCancel(t *testing.T) {
	runner := NewMockRunner()
	runner.AddResponse("sleep", MockResponse{Delay: 5 * time.Second})
	h := localEnv(t, runner, "s1")

	ex, err := h.Execute(context.Background(), Command{ID: "c1", Argv: []string{"sleep", "60"}})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		ex.Cancel()
	}()

	_, res := collect(t, ex)
	assert.Equal(t, StatusCancelled, res.Status)

	// After completion cancel is a no-op.
	ex.Cancel()
	assert.Equal(t, StateReady, h.State())
}

func TestExecuteWhileBusy(t *testing.T) {
	runner := NewMockRunner()
	runner.AddResponse("sleep", MockResponse{Delay: 5 * time.Second})
	h := localEnv(t, runner, "s1")

	ex, err := h.Execute(context.Background(), Command{ID: "c1", Argv: []string{"sleep", "60"}})
	require.NoError(t, err)
	assert.Equal(t, StateBusy, h.State())

	_, err = h.Execute(context.Background(), Command{ID: "c2", Argv: []string{"echo"}})
	assert.ErrorIs(t, err, ErrBusy)

	ex.Cancel()
	collect(t, ex)
}

func TestExecuteAfterTerminate(t *testing.T) {
	runner := NewMockRunner()
	h := localEnv(t, runner, "s1")

	require.NoError(t, h.Terminate(context.Background()))
	assert.Equal(t, StateTerminated, h.State())

	_, err := h.Execute(context.Background(), Command{ID: "c1", Argv: []string{"echo"}})
	assert.ErrorIs(t, err, ErrTerminated)

	// Terminate is idempotent.
	assert.NoError(t, h.Terminate(context.Background()))
}

func TestProvisionCapacity(t *testing.T) {
	eng := NewLocalEngine(NewMockRunner(), t.TempDir())

	for i := 0; i < MaxEnvironments; i++ {
		_, err := eng.Provision(context.Background(), Spec{SessionID: fmt.Sprintf("s%d", i)})
		require.NoError(t, err)
	}

	_, err := eng.Provision(context.Background(), Spec{SessionID: "overflow"})
	var perr *ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ReasonResourceExhausted, perr.Reason)
}

func TestTerminateReleasesCapacity(t *testing.T) {
	eng := NewLocalEngine(NewMockRunner(), t.TempDir())

	var handles []*Handle
	for i := 0; i < MaxEnvironments; i++ {
		h, err := eng.Provision(context.Background(), Spec{SessionID: fmt.Sprintf("s%d", i)})
		require.NoError(t, err)
		handles = append(handles, h)
	}

	require.NoError(t, handles[0].Terminate(context.Background()))

	_, err := eng.Provision(context.Background(), Spec{SessionID: "replacement"})
	assert.NoError(t, err)
}

func TestDetectRuntime(t *testing.T) {
	runner := NewMockRunner()
	runner.Binaries = []string{"podman"}

	rt, err := detectRuntime(runner, "")
	require.NoError(t, err)
	assert.Equal(t, "podman", rt)

	runner.Binaries = []string{"docker", "podman"}
	rt, err = detectRuntime(runner, "")
	require.NoError(t, err)
	assert.Equal(t, "docker", rt, "docker preferred when both present")

	rt, err = detectRuntime(runner, "podman")
	require.NoError(t, err)
	assert.Equal(t, "podman", rt, "override wins")

	_, err = detectRuntime(runner, "firecracker")
	assert.Error(t, err)

	runner.Binaries = nil
	_, err = detectRuntime(runner, "")
	assert.Error(t, err)
}

func TestContainerProvisionAndExec(t *testing.T) {
	runner := NewMockRunner()
	eng := NewContainerEngine(runner, "docker", "aide-sandbox:latest")
	eng.workRoot = t.TempDir()

	h, err := eng.Provision(context.Background(), Spec{
		SessionID: "S1",
		Project:   "proj",
		Limits:    Limits{MemoryMB: 512, CPUs: 2},
	})
	require.NoError(t, err)

	run := runner.CallLine(0)
	assert.Contains(t, run, "run -d --name aide-s1")
	assert.Contains(t, run, "--memory 512m")
	assert.Contains(t, run, "--cpus 2")
	assert.Contains(t, run, "aide-sandbox:latest tail -f /dev/null")

	ex, err := h.Execute(context.Background(), Command{
		ID:   "c1",
		Argv: []string{"go", "test", "./..."},
		Dir:  "svc",
	})
	require.NoError(t, err)
	collect(t, ex)

	exec := runner.CallLine(1)
	assert.Contains(t, exec, "exec -w /workspace/svc aide-s1 go test ./...")

	require.NoError(t, h.Terminate(context.Background()))
	assert.True(t, strings.HasPrefix(runner.CallLine(2), "docker rm -f aide-s1"))
}

func TestContainerProvisionFailureClassified(t *testing.T) {
	runner := NewMockRunner()
	runner.AddResponse("docker run", MockResponse{
		Stdout: []byte("docker: no space left on device"),
		Err:    errors.New("exit status 125"),
	})
	eng := NewContainerEngine(runner, "docker", "img")
	eng.workRoot = t.TempDir()

	_, err := eng.Provision(context.Background(), Spec{SessionID: "s1"})
	var perr *ProvisionError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ReasonResourceExhausted, perr.Reason)

	runner.AddResponse("docker run", MockResponse{
		Stdout: []byte("docker: Error response from daemon: image not found"),
		Err:    errors.New("exit status 125"),
	})
	_, err = eng.Provision(context.Background(), Spec{SessionID: "s2"})
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ReasonEnvironmentUnavailable, perr.Reason)
}

func TestLocalDirEscapeRejected(t *testing.T) {
	runner := NewMockRunner()
	h := localEnv(t, runner, "s1")

	_, err := h.Execute(context.Background(), Command{
		ID:   "c1",
		Argv: []string{"ls"},
		Dir:  "../../etc",
	})
	assert.Error(t, err)
	assert.Equal(t, StateReady, h.State())
}
