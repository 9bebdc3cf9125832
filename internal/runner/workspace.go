package runner

import (
	"os"
	"path/filepath"

	appErr "runnerd/pkg/errors"
)

// Workspace is the per-run scratch layout under the task's temporary
// directory. It is owned exclusively by one request for its duration.
type Workspace struct {
	Root    string
	TmpDir  string // exported to the child as TMP
	HomeDir string // exported to the child as HOME
}

// prepareWorkspace wipes any leftover state from a previous run of the same
// task and recreates the layout, so every invocation starts from a clean
// slate.
func prepareWorkspace(tempDir string) (Workspace, error) {
	if err := os.RemoveAll(tempDir); err != nil {
		return Workspace{}, appErr.Wrapf(err, appErr.WorkspaceInit, "clear temporary directory failed")
	}
	ws := Workspace{
		Root:    tempDir,
		TmpDir:  filepath.Join(tempDir, "tmp"),
		HomeDir: filepath.Join(tempDir, "home"),
	}
	for _, dir := range []string{ws.TmpDir, ws.HomeDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Workspace{}, appErr.Wrapf(err, appErr.WorkspaceInit, "create %s failed", dir)
		}
	}
	return ws, nil
}
