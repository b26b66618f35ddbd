// Package workspace provides isolated, disk-capped copies of a source
// tree for the Verification Harness to run an Attempt's changes against,
// without the Attempt ever touching the real repository.
package workspace

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// workspacePrefix marks directories this Manager owns, so Sweep can tell
// its own leftovers apart from unrelated content under Root.
const workspacePrefix = "manifest-ws-"

// Manager copies a source tree into scoped, disk-capped workspaces.
type Manager struct {
	repoRoot string
	wsRoot   string
	excludes []string

	mu       sync.Mutex
	cond     *sync.Cond
	capBytes int64
	used     int64
}

// NewManager creates a Manager that copies from repoRoot into workspaces
// under wsRoot, capped at capBytes of total disk usage. excludes are
// doublestar patterns (relative to repoRoot) that are never copied —
// typically version-control metadata and build caches.
func NewManager(repoRoot, wsRoot string, capBytes int64, excludes []string) *Manager {
	m := &Manager{
		repoRoot: repoRoot,
		wsRoot:   wsRoot,
		excludes: excludes,
		capBytes: capBytes,
	}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Sweep removes every workspace directory left behind by a prior crash.
// It must be called once at process start before any acquisition is
// accepted, per spec.md 4.3's isolation guarantee.
func (m *Manager) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(m.wsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(m.wsRoot, 0755)
		}
		return fmt.Errorf("read workspace root: %w", err)
	}

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), workspacePrefix) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.wsRoot, entry.Name())); err != nil {
			return fmt.Errorf("remove stale workspace %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// With acquires a workspace for attemptID, copies the source tree into
// it, invokes fn with the workspace path, and releases the workspace's
// disk budget unconditionally when fn returns — even on panic or error.
// Acquisition blocks until enough disk budget is available or ctx ends;
// With adds no deadline of its own.
func (m *Manager) With(ctx context.Context, attemptID string, fn func(path string) error) error {
	size, err := m.treeSize()
	if err != nil {
		return fmt.Errorf("measure source tree: %w", err)
	}

	if err := m.acquire(ctx, size); err != nil {
		return err
	}
	defer m.release(size)

	wsPath := filepath.Join(m.wsRoot, workspacePrefix+attemptID)
	if err := m.copyTree(wsPath); err != nil {
		os.RemoveAll(wsPath)
		return fmt.Errorf("create workspace: %w", err)
	}
	defer os.RemoveAll(wsPath)

	return fn(wsPath)
}

// acquire blocks until size bytes fit within the disk cap, or ctx ends.
func (m *Manager) acquire(ctx context.Context, size int64) error {
	done := make(chan struct{})
	var acquired bool

	go func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for m.used+size > m.capBytes {
			m.cond.Wait()
			select {
			case <-ctx.Done():
				close(done)
				return
			default:
			}
		}
		m.used += size
		acquired = true
		close(done)
	}()

	select {
	case <-done:
		if !acquired {
			return ctx.Err()
		}
		return nil
	case <-ctx.Done():
		// The waiter goroutine may still be blocked in cond.Wait; wake
		// everyone so it re-checks ctx and exits instead of leaking.
		m.cond.Broadcast()
		return ctx.Err()
	}
}

// release returns size bytes to the disk budget and wakes any blocked
// acquirers.
func (m *Manager) release(size int64) {
	m.mu.Lock()
	m.used -= size
	m.mu.Unlock()
	m.cond.Broadcast()
}

// copyTree copies repoRoot into dest, skipping paths matched by excludes.
func (m *Manager) copyTree(dest string) error {
	return filepath.Walk(m.repoRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(m.repoRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return os.MkdirAll(dest, 0755)
		}

		if m.isExcluded(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func (m *Manager) isExcluded(rel string) bool {
	relSlash := filepath.ToSlash(rel)
	for _, pattern := range m.excludes {
		if matched, _ := doublestar.Match(pattern, relSlash); matched {
			return true
		}
	}
	return false
}

// treeSize estimates the disk footprint of the tree that would be
// copied, used to reserve disk budget before copying begins.
func (m *Manager) treeSize() (int64, error) {
	var total int64
	err := filepath.Walk(m.repoRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(m.repoRoot, path)
		if err != nil {
			return err
		}
		if rel != "." && m.isExcluded(rel) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// DefaultExcludes lists the paths never copied into a workspace:
// version-control metadata, dependency and build-output directories, and
// the default workspace root itself (nested under repoRoot).
func DefaultExcludes() []string {
	return []string{".git/**", "node_modules/**", "vendor/**", "dist/**", "build/**", ".manifest/workspaces/**"}
}
