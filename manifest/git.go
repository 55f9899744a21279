package manifest

import (
	"fmt"
	"os/exec"
	"strings"
)

// gitCurrentCommit returns the current HEAD commit hash.
func gitCurrentCommit(dir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse HEAD in %s: %w", dir, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// gitIsClean returns true if the working directory has no uncommitted changes.
func gitIsClean(dir string) (bool, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("git status in %s: %w", dir, err)
	}
	return len(strings.TrimSpace(string(out))) == 0, nil
}

// Provenance describes the version-control state of the project
// directory: the HEAD commit, with a "-dirty" suffix when the working
// tree has uncommitted changes. Empty when the directory is not under
// version control.
func (m *Manifest) Provenance() string {
	commit, err := gitCurrentCommit(m.Dir)
	if err != nil {
		return ""
	}
	if clean, err := gitIsClean(m.Dir); err == nil && !clean {
		return commit + "-dirty"
	}
	return commit
}
