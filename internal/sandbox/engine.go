package sandbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aide-dev/aide/internal/config"
	"github.com/aide-dev/aide/internal/logging"
)

// MaxEnvironments caps concurrent environments per engine. Provisioning
// past the cap fails with ReasonResourceExhausted.
const MaxEnvironments = 8

// NewEngine picks an engine from configuration. AIDE_RUNTIME=local forces
// the local engine; otherwise docker is preferred, podman the fallback.
func NewEngine(runner Runner) (Engine, error) {
	env := config.Env()
	if env.Runtime == "local" {
		return NewLocalEngine(runner, config.GetPaths().Workspaces), nil
	}

	rt, err := detectRuntime(runner, env.Runtime)
	if err != nil {
		return nil, err
	}
	return NewContainerEngine(runner, rt, env.SandboxImage), nil
}

func detectRuntime(runner Runner, override string) (string, error) {
	switch override {
	case "docker", "podman":
		return override, nil
	case "":
	default:
		return "", fmt.Errorf("unknown runtime %q", override)
	}
	if runner.LookPath("docker") {
		return "docker", nil
	}
	if runner.LookPath("podman") {
		return "podman", nil
	}
	return "", errors.New("no container runtime (docker/podman) found")
}

// ContainerEngine provisions container environments via docker or podman.
type ContainerEngine struct {
	runner   Runner
	runtime  string
	image    string
	workRoot string
	log      *logging.Logger

	mu   sync.Mutex
	live int
}

// NewContainerEngine creates an engine bound to a specific runtime binary.
func NewContainerEngine(runner Runner, runtime, image string) *ContainerEngine {
	return &ContainerEngine{
		runner:   runner,
		runtime:  runtime,
		image:    image,
		workRoot: config.GetPaths().Workspaces,
		log:      logging.New("sandbox"),
	}
}

func (e *ContainerEngine) Name() string { return e.runtime }

// Provision starts a long-lived container for the session and seeds the
// workspace mount from the project source.
func (e *ContainerEngine) Provision(ctx context.Context, spec Spec) (*Handle, error) {
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

	name := containerName(spec.SessionID)
	image := spec.Image
	if image == "" {
		image = e.image
	}

	// Seed a host-side workspace and bind-mount it in.
	workspace := filepath.Join(e.workRoot, spec.SessionID)
	if err := config.EnsureDir(workspace); err != nil {
		e.release()
		return nil, e.classify(spec.Project, start, "", err)
	}
	if spec.Source != "" {
		if err := SeedWorkspace(spec.Source, workspace); err != nil {
			e.release()
			return nil, e.classify(spec.Project, start, "", err)
		}
	}

	args := []string{
		"run", "-d",
		"--name", name,
		"-v", fmt.Sprintf("%s:/workspace:rw,z", workspace),
		"-w", "/workspace",
	}
	if spec.Limits.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", spec.Limits.MemoryMB))
	}
	if spec.Limits.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%g", spec.Limits.CPUs))
	}
	args = append(args,
		"-e", fmt.Sprintf("AIDE_PROJECT=%s", spec.Project),
		"-e", fmt.Sprintf("AIDE_SESSION_ID=%s", spec.SessionID),
		image,
		"tail", "-f", "/dev/null", // keep alive between commands
	)

	out, err := e.runner.Run(ctx, e.runtime, args...)
	if err != nil {
		e.release()
		return nil, e.classify(spec.Project, start, string(out), err)
	}

	logging.ProvisionEvent(name, spec.Project, true, time.Since(start), nil)
	return newHandle(name, spec.SessionID, e.runtime, spec.Limits, &containerBackend{
		engine: e,
		name:   name,
	}), nil
}

func (e *ContainerEngine) release() {
	e.mu.Lock()
	if e.live > 0 {
		e.live--
	}
	e.mu.Unlock()
}

// classify maps a backend failure to a ProvisionError reason. Resource
// pressure is retryable; everything else means the backend is broken.
func (e *ContainerEngine) classify(project string, start time.Time, out string, err error) error {
	reason := ReasonEnvironmentUnavailable
	lower := strings.ToLower(out + " " + err.Error())
	for _, marker := range []string{
		"no space left",
		"cannot allocate memory",
		"too many",
		"resource temporarily unavailable",
	} {
		if strings.Contains(lower, marker) {
			reason = ReasonResourceExhausted
			break
		}
	}

	perr := &ProvisionError{Reason: reason, Err: err}
	logging.ProvisionEvent("", project, false, time.Since(start), perr)
	return perr
}

func containerName(sessionID string) string {
	return "aide-" + strings.ToLower(sessionID)
}

type containerBackend struct {
	engine *ContainerEngine
	name   string
}

func (b *containerBackend) start(ctx context.Context, cmd Command) (Process, error) {
	args := []string{"exec"}
	if cmd.Dir != "" {
		args = append(args, "-w", "/workspace/"+cmd.Dir)
	}
	args = append(args, b.name)
	args = append(args, cmd.Argv...)
	return b.engine.runner.Stream(ctx, "", b.engine.runtime, args...)
}

func (b *containerBackend) destroy(ctx context.Context) error {
	defer b.engine.release()
	_, err := b.engine.runner.Run(ctx, b.engine.runtime, "rm", "-f", b.name)
	return err
}
