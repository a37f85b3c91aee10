package contextpack_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstep/orchestrator/contextpack"
	"github.com/flowstep/orchestrator/types"
)

func TestResolveInputSpecRunBasePrefix(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("x"), 0o644))

	path, ok := contextpack.ResolveInputSpec("RUN_BASE/notes.md", contextpack.Paths{RunBase: dir})
	require.True(t, ok)
	require.Equal(t, filepath.Join(dir, "notes.md"), path)
}

func TestResolveInputSpecMissingFileNotOK(t *testing.T) {
	dir := t.TempDir()
	_, ok := contextpack.ResolveInputSpec("RUN_BASE/missing.md", contextpack.Paths{RunBase: dir})
	require.False(t, ok)
}

func TestResolveInputSpecCrossFlowUsesParentRunBase(t *testing.T) {
	parent := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(parent, "signal"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(parent, "signal", "requirements.md"), []byte("x"), 0o644))

	path, ok := contextpack.ResolveInputSpec("RUN_BASE/signal/requirements.md", contextpack.Paths{
		RunBase:       filepath.Join(parent, "plan"),
		ParentRunBase: parent,
	})
	require.True(t, ok)
	require.Equal(t, filepath.Join(parent, "signal", "requirements.md"), path)
}

func TestResolveInputSpecAbsolutePrefix(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "abs.md")
	require.NoError(t, os.WriteFile(f, []byte("x"), 0o644))
	path, ok := contextpack.ResolveInputSpec(f, contextpack.Paths{})
	require.True(t, ok)
	require.Equal(t, f, path)
}

func TestScanCommonArtifactsOnlyExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "signal"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "signal", "requirements.md"), []byte("x"), 0o644))

	found := contextpack.ScanCommonArtifacts(map[string]string{"flow-a": dir})
	require.Contains(t, found, "flow-a/signal/requirements.md")
	require.NotContains(t, found, "flow-a/plan/adr.md")
}

func TestBuildProducesChronologicalHistory(t *testing.T) {
	in := contextpack.BuildInput{
		RunID: "run-1", FlowKey: "flow-a", StepID: "step-3",
		ModelContextTokens: 200_000,
		PriorEnvelopes: []types.HandoffEnvelope{
			{StepID: "step-1", StationID: "documentation", Summary: "doc"},
			{StepID: "step-2", StationID: "implementation", Summary: "impl"},
		},
	}
	pack := contextpack.Build(in)
	require.Equal(t, "run-1", pack.RunID)
	require.Contains(t, pack.History, "doc")
	require.Contains(t, pack.History, "impl")
	require.Regexp(t, "(?s)doc.*impl", pack.History, "history must list prior steps in chronological order")
}
