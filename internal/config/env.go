// Package config provides centralized configuration management.
// All environment lookups go through here instead of scattered os.Getenv calls.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// AideEnv holds all aide environment variables.
type AideEnv struct {
	// Listen is the executor listen address (AIDE_LISTEN), host:port.
	// Empty means "use the unix socket from GetPaths().Socket".
	Listen string

	// UserID is the account the preference store is keyed by (AIDE_USER)
	UserID string

	// Project is the current project name (AIDE_PROJECT)
	Project string

	// SessionID resumes an existing session (AIDE_SESSION_ID)
	SessionID string

	// Runtime overrides container runtime detection (AIDE_RUNTIME: docker|podman|local)
	Runtime string

	// SandboxImage is the image sandboxes run in (AIDE_SANDBOX_IMAGE)
	SandboxImage string

	// GracePeriod is how long a disconnected session is parked before
	// teardown (AIDE_GRACE_PERIOD, Go duration)
	GracePeriod time.Duration

	// AutoApplyThreshold is the confidence above which preference facts
	// auto-apply to new projects (AIDE_AUTO_APPLY, 0..1)
	AutoApplyThreshold float64

	// Model is the default LLM model (DEFAULT_MODEL)
	Model string

	// OpenAIKey is the planner API key (OPENAI_API_KEY)
	OpenAIKey string

	// OpenAIBaseURL overrides the planner API base URL (OPENAI_BASE_URL)
	OpenAIBaseURL string
}

var (
	env     *AideEnv
	envOnce sync.Once
)

// Env returns the singleton environment configuration.
// Thread-safe, loads once on first call.
func Env() *AideEnv {
	envOnce.Do(func() {
		env = &AideEnv{
			Listen:             os.Getenv("AIDE_LISTEN"),
			UserID:             getEnvDefault("AIDE_USER", "default"),
			Project:            os.Getenv("AIDE_PROJECT"),
			SessionID:          os.Getenv("AIDE_SESSION_ID"),
			Runtime:            os.Getenv("AIDE_RUNTIME"),
			SandboxImage:       getEnvDefault("AIDE_SANDBOX_IMAGE", "aide-sandbox:latest"),
			GracePeriod:        getEnvDuration("AIDE_GRACE_PERIOD", 2*time.Minute),
			AutoApplyThreshold: getEnvFloat("AIDE_AUTO_APPLY", 0.75),
			Model:              getEnvDefault("DEFAULT_MODEL", "gpt-4o-mini"),
			OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
			OpenAIBaseURL:      os.Getenv("OPENAI_BASE_URL"),
		}
	})
	return env
}

// ResetEnv resets the cached environment (for testing).
func ResetEnv() {
	envOnce = sync.Once{}
	env = nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Paths holds standard aide directory paths.
type Paths struct {
	// Home is the aide home directory (~/.aide)
	Home string

	// Data is the data directory, preference store included (~/.aide/data)
	Data string

	// Workspaces holds local-engine sandbox roots (~/.aide/workspaces)
	Workspaces string

	// Socket is the default executor unix socket (~/.aide/aide.sock)
	Socket string

	// EnvFile is the .env file path (~/.aide/.env)
	EnvFile string
}

var (
	paths     *Paths
	pathsOnce sync.Once
)

// GetPaths returns the singleton paths configuration.
func GetPaths() *Paths {
	pathsOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		aideHome := filepath.Join(home, ".aide")

		paths = &Paths{
			Home:       aideHome,
			Data:       filepath.Join(aideHome, "data"),
			Workspaces: filepath.Join(aideHome, "workspaces"),
			Socket:     filepath.Join(aideHome, "aide.sock"),
			EnvFile:    filepath.Join(aideHome, ".env"),
		}
	})
	return paths
}

// Path returns a path under the aide home directory.
func Path(parts ...string) string {
	p := GetPaths()
	allParts := append([]string{p.Home}, parts...)
	return filepath.Join(allParts...)
}

// EnsureDir creates a directory if it doesn't exist.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}
