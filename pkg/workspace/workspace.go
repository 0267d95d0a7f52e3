// Package workspace manages per-run working directories under the
// node's workspace root. Every path is resolved through the workspace
// guard, so a run can never be handed a directory outside the root.
package workspace

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/gantrylabs/gantry/pkg/guard"
	"github.com/gantrylabs/gantry/pkg/log"
)

// Manager creates, inspects and removes run workspaces.
type Manager struct {
	guard  *guard.WorkspaceGuard
	logger zerolog.Logger
}

// NewManager creates a manager rooted at root, creating the root
// directory if needed.
func NewManager(root string) (*Manager, error) {
	g, err := guard.NewWorkspaceGuard(root)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(g.Root(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create workspace root: %w", err)
	}
	return &Manager{
		guard:  g,
		logger: log.WithComponent("workspace"),
	}, nil
}

// Root returns the workspace root directory.
func (m *Manager) Root() string {
	return m.guard.Root()
}

// Ensure resolves rel under the root and creates the directory. The
// resolved absolute path is returned.
func (m *Manager) Ensure(rel string) (string, error) {
	path, err := m.guard.Resolve(rel)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to create workspace: %w", err)
	}
	return path, nil
}

// Remove deletes a workspace and everything in it. Removing a
// workspace that does not exist succeeds.
func (m *Manager) Remove(rel string) error {
	path, err := m.guard.Resolve(rel)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove workspace: %w", err)
	}
	m.logger.Debug().Str("workspace", path).Msg("Workspace removed")
	return nil
}

// List returns the names of the workspaces directly under the root.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.guard.Root())
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// DiskUsage sums the file sizes in one workspace.
func (m *Manager) DiskUsage(rel string) (int64, error) {
	path, err := m.guard.Resolve(rel)
	if err != nil {
		return 0, err
	}

	var total int64
	err = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
