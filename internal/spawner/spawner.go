// Package spawner implements the spawn_agent RPC collaborator: validate a
// target directory (optionally creating a new_folder subdirectory),
// enforce home-directory containment, and launch a detached agent process
// there. Ported from the semantics of
// original_source/hypivisor/src/spawn.rs.
package spawner

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// agentCommand is the executable launched in the resolved directory. It's
// a var so tests can point it at a harmless stand-in.
var agentCommand = "agent"

// ValidatePath resolves path (joined with the trimmed new_folder, if any)
// to a canonical path, creating new_folder when requested, and rejects
// results outside home. Separated from Spawn so path validation can be
// exercised without actually launching a process.
func ValidatePath(path, newFolder, home string) (string, error) {
	target := path
	trimmed := strings.TrimSpace(newFolder)
	if trimmed != "" {
		target = filepath.Join(path, trimmed)
	}

	if _, err := os.Stat(target); err != nil {
		if trimmed == "" {
			return "", fmt.Errorf("Path does not exist")
		}
		if err := os.MkdirAll(target, 0o755); err != nil {
			return "", fmt.Errorf("Failed to create directory: %w", err)
		}
	}

	canonical, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", fmt.Errorf("Invalid path: %w", err)
	}

	if resolvedHome, err := filepath.EvalSymlinks(home); err == nil {
		home = resolvedHome
	}
	rel, err := filepath.Rel(home, canonical)
	if err != nil || (rel != "." && strings.HasPrefix(rel, "..")) {
		return "", fmt.Errorf("Path resolves outside home directory")
	}

	return canonical, nil
}

// Spawn validates the target directory and launches the agent process
// there, detached from this process's own stdio. It returns the
// canonicalized working directory on success.
func Spawn(path, newFolder, home string) (string, error) {
	canonical, err := ValidatePath(path, newFolder, home)
	if err != nil {
		return "", err
	}

	cmd := exec.Command(agentCommand)
	cmd.Dir = canonical
	cmd.Stdin = nil
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("Failed to spawn: %w", err)
	}
	// The agent is meant to outlive this RPC call; don't wait on it and
	// don't let it become a zombie once it exits.
	go cmd.Wait()

	return canonical, nil
}
