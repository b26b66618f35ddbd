package workspace

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRepo(t *testing.T) string {
	t.Helper()
	repo := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".git"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, ".git", "HEAD"), []byte("ref"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "main.go"), []byte("package main"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(repo, "pkg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "pkg", "lib.go"), []byte("package pkg"), 0644))
	return repo
}

func TestWithCopiesTreeExcludingGit(t *testing.T) {
	repo := setupRepo(t)
	wsRoot := t.TempDir()
	m := NewManager(repo, wsRoot, 10*1024*1024, DefaultExcludes())
	require.NoError(t, m.Sweep(context.Background()))

	var seenPath string
	err := m.With(context.Background(), "attempt-1", func(path string) error {
		seenPath = path
		_, statErr := os.Stat(filepath.Join(path, "main.go"))
		assert.NoError(t, statErr)
		_, statErr = os.Stat(filepath.Join(path, "pkg", "lib.go"))
		assert.NoError(t, statErr)
		_, gitErr := os.Stat(filepath.Join(path, ".git"))
		assert.True(t, os.IsNotExist(gitErr))
		return nil
	})
	require.NoError(t, err)

	_, err = os.Stat(seenPath)
	assert.True(t, os.IsNotExist(err), "workspace should be removed after With returns")
}

func TestSweepRemovesLeftoverWorkspaces(t *testing.T) {
	repo := setupRepo(t)
	wsRoot := t.TempDir()
	stale := filepath.Join(wsRoot, workspacePrefix+"leftover")
	require.NoError(t, os.MkdirAll(stale, 0755))

	m := NewManager(repo, wsRoot, 10*1024*1024, DefaultExcludes())
	require.NoError(t, m.Sweep(context.Background()))

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
}

func TestWithBlocksUntilCapacityAvailable(t *testing.T) {
	repo := setupRepo(t)
	wsRoot := t.TempDir()

	size, err := (&Manager{repoRoot: repo, excludes: DefaultExcludes()}).treeSize()
	require.NoError(t, err)

	m := NewManager(repo, wsRoot, size, DefaultExcludes())
	require.NoError(t, m.Sweep(context.Background()))

	blocking := make(chan struct{})
	go func() {
		_ = m.With(context.Background(), "first", func(path string) error {
			close(blocking)
			time.Sleep(100 * time.Millisecond)
			return nil
		})
	}()
	<-blocking

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = m.With(ctx, "second", func(path string) error { return nil })
	assert.NoError(t, err)
}

func TestWithAcquireDeadlineExceeded(t *testing.T) {
	repo := setupRepo(t)
	wsRoot := t.TempDir()

	size, err := (&Manager{repoRoot: repo, excludes: DefaultExcludes()}).treeSize()
	require.NoError(t, err)

	m := NewManager(repo, wsRoot, size, DefaultExcludes())
	require.NoError(t, m.Sweep(context.Background()))

	started := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = m.With(context.Background(), "holder", func(path string) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = m.With(ctx, "blocked", func(path string) error { return nil })
	assert.Error(t, err)
}
