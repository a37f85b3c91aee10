package diffscan_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstep/orchestrator/diffscan"
)

func write(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDiffDetectsAddedModifiedDeleted(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.go", "package a")
	write(t, root, "b.go", "package b")

	before, err := diffscan.Scan(root)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "b.go")))
	write(t, root, "a.go", "package a // changed")
	write(t, root, "c.go", "package c")

	after, err := diffscan.Scan(root)
	require.NoError(t, err)

	changes := diffscan.Diff(before, after)
	require.Len(t, changes, 3)
	require.Equal(t, "a.go", changes[0].Path)
	require.Equal(t, "modified", changes[0].ChangeType)
	require.Equal(t, "b.go", changes[1].Path)
	require.Equal(t, "deleted", changes[1].ChangeType)
	require.Equal(t, "c.go", changes[2].Path)
	require.Equal(t, "added", changes[2].ChangeType)
}

func TestScanSkipsHiddenEntries(t *testing.T) {
	root := t.TempDir()
	write(t, root, ".git/HEAD", "ref: refs/heads/main")
	write(t, root, ".env", "SECRET=1")
	write(t, root, "main.go", "package main")

	snap, err := diffscan.Scan(root)
	require.NoError(t, err)
	require.Len(t, snap, 1)
	_, ok := snap["main.go"]
	require.True(t, ok)
}

func TestScanMissingRootIsNotAnError(t *testing.T) {
	snap, err := diffscan.Scan(filepath.Join(t.TempDir(), "does-not-exist"))
	require.NoError(t, err)
	require.Empty(t, snap)
}
