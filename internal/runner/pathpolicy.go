package runner

import (
	"os"
	"path/filepath"
	"strings"

	appErr "runnerd/pkg/errors"
)

// Resolve validates a caller-supplied relative path against root and returns
// the absolute location. It fails when the path is absolute, traverses above
// root, or - after following symlinks on its existing prefix - lands outside
// root. An empty path resolves to root itself.
func Resolve(root, rel string) (string, error) {
	if rel == "" {
		return root, nil
	}
	if filepath.IsAbs(rel) {
		return "", appErr.PathError(rel, "absolute path not allowed")
	}

	clean := filepath.Clean(rel)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", appErr.PathError(rel, "traverses above the build root")
	}

	joined := filepath.Join(root, clean)

	// Lexical containment is not enough: a symlink inside root can point
	// anywhere. Resolve the deepest existing ancestor and re-check.
	resolvedRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InvalidPath, "resolve build root %s failed", root)
	}
	resolved, err := resolveExistingPrefix(joined)
	if err != nil {
		return "", appErr.Wrapf(err, appErr.InvalidPath, "resolve path %s failed", rel)
	}
	if resolved != resolvedRoot && !strings.HasPrefix(resolved, resolvedRoot+string(filepath.Separator)) {
		return "", appErr.PathError(rel, "resolves outside the build root")
	}

	return joined, nil
}

// resolveExistingPrefix follows symlinks on the longest existing prefix of
// path and reattaches the non-existing remainder lexically.
func resolveExistingPrefix(path string) (string, error) {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(resolved, remainder), nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", err
		}
		remainder = filepath.Join(filepath.Base(current), remainder)
		current = parent
	}
}
