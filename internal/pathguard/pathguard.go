// Package pathguard restricts all path-like request fields to a configured
// allow-listed root. Paths are resolved before comparison so traversal
// segments cannot escape the root.
package pathguard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"memorialtube/internal/faults"
)

// Guard validates request paths against an allow-listed root directory.
type Guard struct {
	root string
}

// New resolves the storage root. The root is created if missing so a fresh
// deployment can accept uploads immediately.
func New(storageRoot string) (*Guard, error) {
	abs, err := filepath.Abs(storageRoot)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &Guard{root: abs}, nil
}

// Root returns the resolved allow-listed root.
func (g *Guard) Root() string {
	return g.root
}

// CheckInput resolves the path, verifies it is under the root and exists.
func (g *Guard) CheckInput(path string) (string, error) {
	abs, err := g.resolve(path)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("%w: input path not found: %s", faults.ErrValidation, path)
	}
	return abs, nil
}

// CheckOutput resolves the path, verifies it is under the root and creates
// its parent directory.
func (g *Guard) CheckOutput(path string) (string, error) {
	abs, err := g.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return abs, nil
}

// CheckDir resolves a working directory under the root and creates it.
func (g *Guard) CheckDir(path string) (string, error) {
	abs, err := g.resolve(path)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create dir: %w", err)
	}
	return abs, nil
}

func (g *Guard) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", faults.ErrValidation)
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(g.root, p)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: bad path %q", faults.ErrValidation, path)
	}
	if abs != g.root && !strings.HasPrefix(abs, g.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path outside allowed root: %s", faults.ErrValidation, path)
	}
	return abs, nil
}
