// Package history persists the tag-history file the deploy engine
// writes after a fully successful run (spec §4.F), modeled on
// shared/compose/tempfiles.go's plain-file-with-fixed-mode style.
package history

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the project-directory file recording recent tags.
const FileName = ".deploy-tag"

// FileMode matches the deploy lock's owner-only convention.
const FileMode os.FileMode = 0600

// MaxEntries is the cap enforced on every write (spec §4.F).
const MaxEntries = 10

// Read returns the recorded tags, most-recent first. A missing file
// is not an error: it reads as an empty history.
func Read(projectDir string) ([]string, error) {
	path := filepath.Join(projectDir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tag history %s: %w", path, err)
	}

	var tags []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			tags = append(tags, line)
		}
	}
	return tags, nil
}

// Record prepends tag to the history unconditionally (a rollback to a
// tag already present duplicates it rather than moving it, per spec
// scenario S7's worked example) and truncates to MaxEntries. It is
// only ever called after a DeployRun finishes in the Done (succeeded)
// state (spec §4.F); a failed or rolled-back run must not call it.
func Record(projectDir, tag string) error {
	existing, err := Read(projectDir)
	if err != nil {
		return err
	}

	updated := append([]string{tag}, existing...)
	if len(updated) > MaxEntries {
		updated = updated[:MaxEntries]
	}

	path := filepath.Join(projectDir, FileName)
	content := strings.Join(updated, "\n") + "\n"
	if err := os.WriteFile(path, []byte(content), FileMode); err != nil {
		return fmt.Errorf("failed to write tag history %s: %w", path, err)
	}
	return nil
}
