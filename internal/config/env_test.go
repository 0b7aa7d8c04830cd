package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvDefaults(t *testing.T) {
	ResetEnv()
	t.Setenv("AIDE_USER", "")
	t.Setenv("AIDE_SANDBOX_IMAGE", "")
	t.Setenv("AIDE_GRACE_PERIOD", "")
	t.Setenv("AIDE_AUTO_APPLY", "")
	t.Setenv("DEFAULT_MODEL", "")

	e := Env()
	assert.Equal(t, "default", e.UserID)
	assert.Equal(t, "aide-sandbox:latest", e.SandboxImage)
	assert.Equal(t, 2*time.Minute, e.GracePeriod)
	assert.Equal(t, 0.75, e.AutoApplyThreshold)
	assert.Equal(t, "gpt-4o-mini", e.Model)

	ResetEnv()
}

func TestEnvOverrides(t *testing.T) {
	ResetEnv()
	t.Setenv("AIDE_USER", "kay")
	t.Setenv("AIDE_GRACE_PERIOD", "45s")
	t.Setenv("AIDE_AUTO_APPLY", "0.9")
	t.Setenv("AIDE_RUNTIME", "podman")

	e := Env()
	assert.Equal(t, "kay", e.UserID)
	assert.Equal(t, 45*time.Second, e.GracePeriod)
	assert.Equal(t, 0.9, e.AutoApplyThreshold)
	assert.Equal(t, "podman", e.Runtime)

	ResetEnv()
}

func TestEnvBadValuesFallBack(t *testing.T) {
	ResetEnv()
	t.Setenv("AIDE_GRACE_PERIOD", "soon")
	t.Setenv("AIDE_AUTO_APPLY", "most of the time")

	e := Env()
	assert.Equal(t, 2*time.Minute, e.GracePeriod)
	assert.Equal(t, 0.75, e.AutoApplyThreshold)

	ResetEnv()
}

func TestEnvCached(t *testing.T) {
	ResetEnv()
	t.Setenv("AIDE_USER", "first")
	e1 := Env()

	t.Setenv("AIDE_USER", "second")
	e2 := Env()

	assert.Same(t, e1, e2)
	assert.Equal(t, "first", e2.UserID)

	ResetEnv()
}

func TestPaths(t *testing.T) {
	p := GetPaths()
	assert.Contains(t, p.Home, ".aide")
	assert.Contains(t, p.Data, "data")
	assert.Contains(t, p.Socket, "aide.sock")
	assert.Equal(t, p.Home, Path())
	assert.Contains(t, Path("data", "prefs.db"), "prefs.db")
}
