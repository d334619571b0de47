// SPDX-License-Identifier: AGPL-3.0-or-later

// Package sandbox confines destructive filesystem operations to an explicit
// allow-list of writable roots.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// EnvVar names the binding that carries the allow-list to wrapper processes.
const EnvVar = "SANDBOX_WRITE"

// ErrOutsideAllowList is returned for targets that are not below a writable root.
var ErrOutsideAllowList = errors.New("sandbox: path outside write allow-list")

// AllowList is a set of canonical writable root prefixes.
type AllowList struct {
	roots []string
}

// NewAllowList canonicalizes the supplied roots. Roots that do not exist yet
// are kept in their cleaned absolute form.
func NewAllowList(roots ...string) (AllowList, error) {
	out := make([]string, 0, len(roots))
	for _, root := range roots {
		if strings.TrimSpace(root) == "" {
			return AllowList{}, fmt.Errorf("sandbox: empty allow-list root")
		}
		abs, err := filepath.Abs(root)
		if err != nil {
			return AllowList{}, fmt.Errorf("sandbox: resolve %s: %w", root, err)
		}
		resolved, err := filepath.EvalSymlinks(abs)
		switch {
		case err == nil:
			abs = resolved
		case errors.Is(err, os.ErrNotExist):
		default:
			return AllowList{}, fmt.Errorf("sandbox: resolve %s: %w", root, err)
		}
		out = append(out, abs)
	}
	return AllowList{roots: out}, nil
}

// Roots returns the canonical roots.
func (a AllowList) Roots() []string {
	return append([]string(nil), a.roots...)
}

// Value renders the colon-joined form bound to SANDBOX_WRITE.
func (a AllowList) Value() string {
	return strings.Join(a.roots, ":")
}

// Env renders the full KEY=VALUE binding.
func (a AllowList) Env() string {
	return EnvVar + "=" + a.Value()
}

// Check canonicalizes path and verifies it lies below an allowed root. When
// allowRoot is set a path equal to a root is accepted too.
func (a AllowList) Check(path string, allowRoot bool) (string, error) {
	canon, err := canonicalize(path)
	if err != nil {
		return "", err
	}
	for _, root := range a.roots {
		if within(root, canon, allowRoot) {
			return canon, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrOutsideAllowList, canon)
}

// canonicalize resolves symlinks in the parent directories of path but keeps
// the final component verbatim, so a symlink target is never followed.
func canonicalize(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("sandbox: path contains NUL byte")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve %s: %w", path, err)
	}
	dir, base := filepath.Split(abs)
	if base == "" {
		return abs, nil
	}
	resolved, err := filepath.EvalSymlinks(dir)
	switch {
	case err == nil:
		dir = resolved
	case errors.Is(err, os.ErrNotExist):
		dir = filepath.Clean(dir)
	default:
		return "", fmt.Errorf("sandbox: resolve %s: %w", dir, err)
	}
	return filepath.Join(dir, base), nil
}

func within(root, path string, allowRoot bool) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return allowRoot
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Resolve maps a path relative to root (a leading "/" is tolerated) onto the
// host filesystem. Intermediate symlinks are resolved as if root were "/",
// while the final component is kept so callers can act on a symlink itself.
func Resolve(root, rel string) (string, error) {
	trimmed := strings.TrimLeft(filepath.Clean("/"+rel), "/")
	if trimmed == "" {
		return "", fmt.Errorf("sandbox: %q resolves to the root itself", rel)
	}
	parent, err := securejoin.SecureJoin(root, filepath.Dir(trimmed))
	if err != nil {
		return "", fmt.Errorf("sandbox: resolve %s in %s: %w", rel, root, err)
	}
	return filepath.Join(parent, filepath.Base(trimmed)), nil
}
