package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aide-dev/aide/internal/logging"
)

// LocalEngine runs commands in plain directories under a workspace root.
// No isolation beyond the directory boundary; meant for development and
// tests, selected with AIDE_RUNTIME=local.
type LocalEngine struct {
	runner Runner
	root   string
	log    *logging.Logger

	mu   sync.Mutex
	live int
}

// NewLocalEngine creates a local engine rooted at dir.
func NewLocalEngine(runner Runner, root string) *LocalEngine {
	return &LocalEngine{
		runner: runner,
		root:   root,
		log:    logging.New("sandbox"),
	}
}

func (e *LocalEngine) Name() string { return "local" }

func (e *LocalEngine) Provision(ctx context.Context, spec Spec) (*Handle, error) {
	start := time.Now()

	e.mu.Lock()
	if e.live >= MaxEnvironments {
		e.mu.Unlock()
		err := &ProvisionError{
			Reason: ReasonResourceExhausted,
			Err:    fmt.Errorf("at capacity (%d environments)", MaxEnvironments),
		}
		logging.ProvisionEvent("", spec.Project, false, time.Since(start), err)
		return nil, err
	}
	e.live++
	e.mu.Unlock()

	workspace := filepath.Join(e.root, spec.SessionID)
	if err := os.MkdirAll(workspace, 0755); err != nil {
		e.release()
		perr := &ProvisionError{Reason: ReasonEnvironmentUnavailable, Err: err}
		logging.ProvisionEvent("", spec.Project, false, time.Since(start), perr)
		return nil, perr
	}
	if spec.Source != "" {
		if err := SeedWorkspace(spec.Source, workspace); err != nil {
			e.release()
			perr := &ProvisionError{Reason: ReasonEnvironmentUnavailable, Err: err}
			logging.ProvisionEvent("", spec.Project, false, time.Since(start), perr)
			return nil, perr
		}
	}

	logging.ProvisionEvent(workspace, spec.Project, true, time.Since(start), nil)
	return newHandle(workspace, spec.SessionID, "local", spec.Limits, &localBackend{
		engine:    e,
		workspace: workspace,
	}), nil
}

func (e *LocalEngine) release() {
	e.mu.Lock()
	if e.live > 0 {
		e.live--
	}
	e.mu.Unlock()
}

type localBackend struct {
	engine    *LocalEngine
	workspace string
}

func (b *localBackend) start(ctx context.Context, cmd Command) (Process, error) {
	if len(cmd.Argv) == 0 {
		return nil, errors.New("empty argv")
	}
	dir := b.workspace
	if cmd.Dir != "" {
		// Keep commands inside the workspace.
		clean := filepath.Clean(cmd.Dir)
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return nil, fmt.Errorf("dir %q escapes workspace", cmd.Dir)
		}
		dir = filepath.Join(b.workspace, clean)
	}
	return b.engine.runner.Stream(ctx, dir, cmd.Argv[0], cmd.Argv[1:]...)
}

func (b *localBackend) destroy(ctx context.Context) error {
	defer b.engine.release()
	return os.RemoveAll(b.workspace)
}
