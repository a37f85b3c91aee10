// Package diffscan is the forensic file-change detector the orchestrator
// runs after a lifecycle engine's run_worker phase (spec.md §4.5 step 2):
// it never trusts an engine's self-reported summary of what it touched,
// only what actually changed on disk between two snapshots of a directory
// tree.
package diffscan

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/flowstep/orchestrator/types"
)

// Snapshot maps a file's path (relative to the scanned root) to its content
// hash. Hashing, not size/mtime, is the comparison key: mtime can be
// unreliable across filesystems and a tool might rewrite a file with
// identical content, which should not register as a change.
type Snapshot map[string]string

// Scan walks root and hashes every regular file into a Snapshot. Hidden
// directories (dotfiles, e.g. .git) are skipped, matching what a station's
// own agent would treat as out-of-scope workspace internals rather than
// produced artifacts.
func Scan(root string) (Snapshot, error) {
	snap := make(Snapshot)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		if info.IsDir() {
			if rel != "." && filepath.Base(rel)[0] == '.' {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Base(rel)[0] == '.' {
			return nil
		}
		sum, err := hashFile(path)
		if err != nil {
			return err
		}
		snap[rel] = sum
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return snap, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Diff compares a before/after pair of Snapshots and returns one
// types.FileChange per added, modified, or deleted file, sorted by path for
// deterministic output.
func Diff(before, after Snapshot) []types.FileChange {
	var changes []types.FileChange
	for path, afterSum := range after {
		beforeSum, existed := before[path]
		switch {
		case !existed:
			changes = append(changes, types.FileChange{Path: path, ChangeType: "added"})
		case beforeSum != afterSum:
			changes = append(changes, types.FileChange{Path: path, ChangeType: "modified"})
		}
	}
	for path := range before {
		if _, stillThere := after[path]; !stillThere {
			changes = append(changes, types.FileChange{Path: path, ChangeType: "deleted"})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}
