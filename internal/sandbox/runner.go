package sandbox

// Testable command execution abstraction. Engines call the backend binaries
// through a Runner instead of os/exec directly, enabling DI and mocking.

import (
	"bytes"
	"context"
	"io"
	osexec "os/exec"
	"strings"
	"sync"
	"time"
)

// Runner executes external commands. Inject this instead of calling
// exec.Command directly.
type Runner interface {
	// Run executes a command and returns combined stdout/stderr.
	Run(ctx context.Context, name string, args ...string) ([]byte, error)

	// LookPath reports whether a binary is on PATH.
	LookPath(name string) bool

	// Stream starts a command with piped stdout/stderr and returns a
	// handle to the running process.
	Stream(ctx context.Context, dir, name string, args ...string) (Process, error)
}

// Process is a started command whose output is being streamed.
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader

	// Wait blocks until the process exits. An *exec.ExitError carries a
	// non-zero exit code.
	Wait() error

	// Kill force-terminates the process.
	Kill() error
}

// OSRunner implements Runner using os/exec.
type OSRunner struct {
	// Env overrides environment variables (nil = inherit from parent)
	Env []string
}

// NewOSRunner creates a new OS-based command runner.
func NewOSRunner() *OSRunner {
	return &OSRunner{}
}

func (r *OSRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := osexec.CommandContext(ctx, name, args...)
	if r.Env != nil {
		cmd.Env = r.Env
	}
	return cmd.CombinedOutput()
}

func (r *OSRunner) LookPath(name string) bool {
	_, err := osexec.LookPath(name)
	return err == nil
}

func (r *OSRunner) Stream(ctx context.Context, dir, name string, args ...string) (Process, error) {
	cmd := osexec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if r.Env != nil {
		cmd.Env = r.Env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &osProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type osProcess struct {
	cmd    *osexec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *osProcess) Stdout() io.Reader { return p.stdout }
func (p *osProcess) Stderr() io.Reader { return p.stderr }
func (p *osProcess) Wait() error       { return p.cmd.Wait() }

func (p *osProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// MockRunner implements Runner for testing.
type MockRunner struct {
	mu sync.Mutex

	// Calls records all command invocations
	Calls []MockCall

	// Responses maps a command name to its response
	Responses map[string]MockResponse

	// Binaries lists names LookPath reports as present
	Binaries []string
}

// MockCall records a single command invocation.
type MockCall struct {
	Name string
	Args []string
	Dir  string
}

// MockResponse defines the response for a mocked command.
type MockResponse struct {
	Stdout []byte
	Stderr []byte
	Err    error

	// Delay holds the process open before exiting. A killed process
	// returns early with an error.
	Delay time.Duration
}

// NewMockRunner creates a new mock runner.
func NewMockRunner() *MockRunner {
	return &MockRunner{Responses: make(map[string]MockResponse)}
}

// AddResponse sets the response for a command name.
func (m *MockRunner) AddResponse(name string, resp MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Responses[name] = resp
}

func (m *MockRunner) record(name string, args []string, dir string) MockResponse {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, MockCall{Name: name, Args: args, Dir: dir})
	if resp, ok := m.Responses[name]; ok {
		return resp
	}
	// Subcommand-specific responses, e.g. "docker exec"
	if len(args) > 0 {
		if resp, ok := m.Responses[name+" "+args[0]]; ok {
			return resp
		}
	}
	return MockResponse{}
}

// CallLine returns call i as a single string, for assertions.
func (m *MockRunner) CallLine(i int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.Calls) {
		return ""
	}
	c := m.Calls[i]
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

func (m *MockRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	resp := m.record(name, args, "")
	out := append(append([]byte{}, resp.Stdout...), resp.Stderr...)
	return out, resp.Err
}

func (m *MockRunner) LookPath(name string) bool {
	for _, b := range m.Binaries {
		if b == name {
			return true
		}
	}
	return false
}

func (m *MockRunner) Stream(ctx context.Context, dir, name string, args ...string) (Process, error) {
	resp := m.record(name, args, dir)
	p := &mockProcess{
		stdout: bytes.NewReader(resp.Stdout),
		stderr: bytes.NewReader(resp.Stderr),
		err:    resp.Err,
		delay:  resp.Delay,
		killed: make(chan struct{}),
	}
	return p, nil
}

type mockProcess struct {
	stdout io.Reader
	stderr io.Reader
	err    error
	delay  time.Duration

	killOnce sync.Once
	killed   chan struct{}
}

func (p *mockProcess) Stdout() io.Reader { return p.stdout }
func (p *mockProcess) Stderr() io.Reader { return p.stderr }

func (p *mockProcess) Wait() error {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-p.killed:
			return &killedError{}
		}
	}
	select {
	case <-p.killed:
		return &killedError{}
	default:
	}
	return p.err
}

func (p *mockProcess) Kill() error {
	p.killOnce.Do(func() { close(p.killed) })
	return nil
}

type killedError struct{}

func (*killedError) Error() string { return "signal: killed" }
