// Package workspace manages the transient working storage of a pipeline
// run: one uniquely-named root directory per run, with nested sub-scopes so
// concurrent units can write same-named intermediates without colliding.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Manager owns the root scope of one run. Close removes everything unless
// the workspace was preserved, either up front (diagnosis) or after a fatal
// abort (post-mortem).
type Manager struct {
	root *Scope

	mu       sync.Mutex
	preserve bool
	closed   bool
}

// Scope is one directory level of the workspace. All relative output names
// issued by transform invocations resolve inside a scope.
type Scope struct {
	dir string
}

// New creates the run's root scope under tempRoot (os.TempDir when empty).
func New(tempRoot string, preserve bool) (*Manager, error) {
	if tempRoot == "" {
		tempRoot = os.TempDir()
	}
	dir := filepath.Join(tempRoot, "compositor-"+uuid.New().String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: &Scope{dir: dir}, preserve: preserve}, nil
}

// Root returns the run-level scope.
func (m *Manager) Root() *Scope { return m.root }

// Preserve marks the workspace to be kept on Close, for post-mortem after a
// fatal abort.
func (m *Manager) Preserve() {
	m.mu.Lock()
	m.preserve = true
	m.mu.Unlock()
}

// Preserved reports whether Close will keep the workspace on disk.
func (m *Manager) Preserved() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.preserve
}

// Close removes the workspace tree. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	if m.preserve {
		return nil
	}
	return os.RemoveAll(m.root.dir)
}

// Dir returns the scope's directory path.
func (s *Scope) Dir() string { return s.dir }

// Path joins name onto the scope directory.
func (s *Scope) Path(name string) string { return filepath.Join(s.dir, name) }

// Sub creates (or reuses) a child scope named name.
func (s *Scope) Sub(name string) (*Scope, error) {
	dir := filepath.Join(s.dir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create scope %s: %w", name, err)
	}
	return &Scope{dir: dir}, nil
}
