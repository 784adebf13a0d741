package sources

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
)

// stagingTarget maps a slash-separated remote name onto a path under dir.
// Nested names keep their directories so two objects sharing a base name
// never land on the same file. ".." elements cannot climb out of dir.
func stagingTarget(dir, name string) string {
	cleaned := path.Clean("/" + name)
	return filepath.Join(dir, filepath.FromSlash(cleaned[1:]))
}

// stageFile copies r into the staging directory under name. The copy goes
// to a temporary file first so a failed download never leaves a partial
// file behind under the final name.
func stageFile(dir, name string, r io.Reader) (string, int64, error) {
	target := stagingTarget(dir, name)
	targetDir := filepath.Dir(target)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return "", 0, fmt.Errorf("failed to create staging directory: %w", err)
	}

	tmp, err := os.CreateTemp(targetDir, ".staging-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create staging file: %w", err)
	}
	tmpName := tmp.Name()

	written, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to write %s: %w", target, err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("failed to move staged file into place: %w", err)
	}
	return target, written, nil
}
