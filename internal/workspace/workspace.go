// Package workspace manages the scratch directories a single render uses: the
// extraction root that receives a commit's tree and the output root the
// renderer writes into. Both are cleared before every render so nothing from
// one commit can leak into the next.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace is the pair of scratch directories owned by the render worker.
// It is not safe for concurrent use; the controller renders one commit at a time.
type Workspace struct {
	ExtractDir string
	OutputDir  string
}

// New returns a workspace over the given directories. Nothing is created until
// Reset is called.
func New(extractDir, outputDir string) *Workspace {
	return &Workspace{ExtractDir: extractDir, OutputDir: outputDir}
}

// Reset empties both directories, creating them if absent. It is idempotent.
func (w *Workspace) Reset() error {
	for _, dir := range []string{w.ExtractDir, w.OutputDir} {
		if err := ClearDir(dir); err != nil {
			return err
		}
	}
	return nil
}

// Destroy removes both directories entirely.
func (w *Workspace) Destroy() error {
	for _, dir := range []string{w.ExtractDir, w.OutputDir} {
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	return nil
}

// ClearDir deletes every entry beneath dir and ensures dir exists as an empty
// directory. Symlinks are removed, never followed. A symlink at dir itself is
// replaced by a real directory so clearing cannot reach outside the workspace.
func ClearDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("workspace directory not set")
	}

	info, err := os.Lstat(dir)
	switch {
	case os.IsNotExist(err):
		return mkdir(dir)
	case err != nil:
		return fmt.Errorf("inspecting %s: %w", dir, err)
	case !info.IsDir():
		// A file or symlink squatting on the path.
		if err := os.Remove(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
		return mkdir(dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading %s: %w", dir, err)
	}
	for _, entry := range entries {
		// RemoveAll does not follow symlinks.
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("clearing %s: %w", dir, err)
		}
	}
	return nil
}

func mkdir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return nil
}
