// Package fsbrowser implements the list_directories RPC collaborator:
// canonicalize a target path, enforce it stays within the agent's home
// directory, and list its visible subdirectories. Ported from the
// semantics of original_source/hypivisor/src/fs_browser.rs.
package fsbrowser

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// List canonicalizes target (or home, if target is empty), verifies the
// result stays within home, and returns it along with the sorted,
// non-hidden subdirectory names it contains. Symlinked subdirectories that
// resolve outside home are silently omitted rather than erroring the whole
// call.
func List(target, home string) (current string, directories []string, err error) {
	if target == "" {
		target = home
	}
	if resolvedHome, err := filepath.EvalSymlinks(home); err == nil {
		home = resolvedHome
	}

	canonical, err := filepath.EvalSymlinks(target)
	if err != nil {
		return "", nil, fmt.Errorf("Invalid path: %w", err)
	}

	if !withinHome(canonical, home) {
		return "", nil, fmt.Errorf("Path resolves outside home directory")
	}

	entries, err := os.ReadDir(canonical)
	if err != nil {
		return "", nil, fmt.Errorf("Cannot read directory: %w", err)
	}

	dirs := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}

		isDir := entry.IsDir()
		if entry.Type()&os.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(filepath.Join(canonical, name))
			if err != nil {
				continue
			}
			if !withinHome(resolved, home) {
				continue
			}
			info, err := os.Stat(resolved)
			if err != nil || !info.IsDir() {
				continue
			}
			isDir = true
		}

		if !isDir {
			continue
		}
		dirs = append(dirs, name)
	}
	sort.Strings(dirs)

	return canonical, dirs, nil
}

// withinHome reports whether path is home itself or a descendant of it.
func withinHome(path, home string) bool {
	rel, err := filepath.Rel(home, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return !strings.HasPrefix(rel, "..")
}
