// Package sandbox manages isolated execution environments for sessions.
// An environment is provisioned per session, runs one command at a time,
// and is torn down when the session ends.
package sandbox

import (
	"context"
	"fmt"
	"time"
)

// State is the lifecycle state of an environment.
type State string

const (
	StateProvisioning State = "provisioning"
	StateReady        State = "ready"
	StateBusy         State = "busy"
	StateTerminating  State = "terminating"
	StateTerminated   State = "terminated"
)

// Limits bounds the resources an environment may consume.
type Limits struct {
	// CPUs caps CPU use (0 = engine default)
	CPUs float64

	// MemoryMB caps memory in megabytes (0 = engine default)
	MemoryMB int

	// CommandTimeout is the default per-command timeout when a command
	// does not carry its own
	CommandTimeout time.Duration
}

// Spec describes the environment to provision.
type Spec struct {
	// SessionID names the owning session; environment names derive from it
	SessionID string

	// Project is the project the workspace is seeded from
	Project string

	// Source is the project directory seeded into the workspace.
	// Empty means start with an empty workspace.
	Source string

	// Image overrides the configured sandbox image (container engine only)
	Image string

	Limits Limits
}

// Command is a single command to run inside an environment.
type Command struct {
	ID      string
	Argv    []string
	Dir     string // relative to the workspace root
	Timeout time.Duration
}

// OutputChunk is a piece of command output in arrival order.
type OutputChunk struct {
	CommandID string
	Stream    string // "stdout" or "stderr"
	Data      string
}

// Status is the terminal status of a command.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Result is the single terminal record of a command. Exactly one Result is
// produced per executed command, after its final output chunk.
type Result struct {
	CommandID string
	Status    Status
	ExitCode  int
	Err       string
	Duration  time.Duration
}

// ProvisionReason classifies why provisioning failed.
type ProvisionReason string

const (
	// ReasonResourceExhausted means the host cannot take another
	// environment right now; retrying later may succeed.
	ReasonResourceExhausted ProvisionReason = "resource_exhausted"

	// ReasonEnvironmentUnavailable means the execution backend itself is
	// missing or broken; retrying will not help until it is fixed.
	ReasonEnvironmentUnavailable ProvisionReason = "environment_unavailable"
)

// ProvisionError reports a failed provisioning attempt.
type ProvisionError struct {
	Reason ProvisionReason
	Err    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("sandbox: provision failed (%s): %v", e.Reason, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Engine provisions and tears down environments. Implementations return a
// Handle in StateReady or a *ProvisionError.
type Engine interface {
	// Name identifies the engine ("docker", "podman", "local").
	Name() string

	// Provision creates an environment matching spec.
	Provision(ctx context.Context, spec Spec) (*Handle, error)
}

// backend is the engine-specific half of a Handle: how to start a process
// inside the environment and how to destroy the environment.
type backend interface {
	start(ctx context.Context, cmd Command) (Process, error)
	destroy(ctx context.Context) error
}
