package sandbox

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestSeedWorkspaceCopiesTree(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	writeFile(t, src, "main.go", "package main")
	writeFile(t, src, "internal/app/app.go", "package app")
	writeFile(t, src, ".git/HEAD", "ref: refs/heads/main")
	writeFile(t, src, "node_modules/left-pad/index.js", "x")

	require.NoError(t, SeedWorkspace(src, dst))

	assert.FileExists(t, filepath.Join(dst, "main.go"))
	assert.FileExists(t, filepath.Join(dst, "internal/app/app.go"))
	assert.NoDirExists(t, filepath.Join(dst, ".git"))
	assert.NoDirExists(t, filepath.Join(dst, "node_modules"))
}

func TestSeedWorkspaceHonorsIgnoreFile(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	writeFile(t, src, IgnoreFile, "# build output\ndist/**\n**/*.log\n")
	writeFile(t, src, "kept.txt", "keep")
	writeFile(t, src, "dist/bundle.js", "x")
	writeFile(t, src, "logs/debug.log", "x")

	require.NoError(t, SeedWorkspace(src, dst))

	assert.FileExists(t, filepath.Join(dst, "kept.txt"))
	assert.NoDirExists(t, filepath.Join(dst, "dist"))
	assert.NoFileExists(t, filepath.Join(dst, "logs/debug.log"))
}

func TestSeedWorkspaceRejectsBadPattern(t *testing.T) {
	src := t.TempDir()
	writeFile(t, src, IgnoreFile, "[invalid\n")

	err := SeedWorkspace(src, t.TempDir())
	assert.Error(t, err)
}

func TestSeedWorkspacePreservesContent(t *testing.T) {
	src := t.TempDir()
	dst := t.TempDir()

	writeFile(t, src, "config.yaml", "retries: 3\n")
	require.NoError(t, SeedWorkspace(src, dst))

	data, err := os.ReadFile(filepath.Join(dst, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "retries: 3\n", string(data))
}
