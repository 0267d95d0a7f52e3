// Package guard validates container image references against an
// allow-list and resolves workspace paths without letting them escape
// the configured root.
package guard

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ImageGuard checks image references against glob patterns of the form
// "registry/repository:tag". An empty allow-list rejects everything.
type ImageGuard struct {
	allowed []string
}

// NewImageGuard creates an ImageGuard for the given allow-list patterns.
func NewImageGuard(allowed []string) *ImageGuard {
	return &ImageGuard{allowed: allowed}
}

// Validate returns nil when ref matches at least one allow-list pattern.
func (g *ImageGuard) Validate(ref string) error {
	if ref == "" {
		return fmt.Errorf("image reference is empty")
	}
	for _, pattern := range g.allowed {
		if ok, err := doublestar.Match(pattern, ref); err == nil && ok {
			return nil
		}
	}
	return fmt.Errorf("image %q is not in the allow-list %v", ref, g.allowed)
}

// WorkspaceGuard resolves run workspace paths under a fixed root.
type WorkspaceGuard struct {
	root string
}

// NewWorkspaceGuard creates a guard rooted at root (must be absolute).
func NewWorkspaceGuard(root string) (*WorkspaceGuard, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("workspace root must be absolute, got %q", root)
	}
	return &WorkspaceGuard{root: filepath.Clean(root)}, nil
}

// Root returns the workspace root.
func (g *WorkspaceGuard) Root() string {
	return g.root
}

// Resolve joins rel onto the root and rejects any result escaping it.
// Absolute inputs are accepted only when already inside the root.
func (g *WorkspaceGuard) Resolve(rel string) (string, error) {
	var candidate string
	if filepath.IsAbs(rel) {
		candidate = filepath.Clean(rel)
	} else {
		candidate = filepath.Join(g.root, rel)
	}

	if candidate != g.root && !strings.HasPrefix(candidate, g.root+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes workspace root %q", rel, g.root)
	}
	return candidate, nil
}
