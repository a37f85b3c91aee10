package navigator_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstep/orchestrator/navigator"
	"github.com/flowstep/orchestrator/sidequest"
	"github.com/flowstep/orchestrator/stationlib"
	"github.com/flowstep/orchestrator/types"
)

func writeYAML(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newCatalog(t *testing.T, withClarifier bool) *sidequest.Catalog {
	t.Helper()
	dir := t.TempDir()
	content := `
sidequests:
  - id: investigate
    steps:
      - station_id: investigator
      - station_id: investigator
    return_behavior: resume_point
`
	if withClarifier {
		content = `
sidequests:
  - id: clarifier
    steps:
      - station_id: human_clarifier
    return_behavior: resume_point
`
	}
	writeYAML(t, dir, "sidequests.yaml", content)
	cat, err := sidequest.Load(dir, nil)
	require.NoError(t, err)
	return cat
}

func newStationLibrary(t *testing.T, ids ...string) *stationlib.Library {
	t.Helper()
	dir := t.TempDir()
	content := "stations:\n"
	for _, id := range ids {
		content += "  - id: " + id + "\n"
	}
	writeYAML(t, dir, "stations.yaml", content)
	lib, err := stationlib.Load(dir, nil)
	require.NoError(t, err)
	return lib
}

func TestRewritePauseToDetourNoClarifierPassesThrough(t *testing.T) {
	cat := newCatalog(t, false)
	out := navigator.Output{Intent: navigator.IntentPause, NoHumanMidFlow: true}
	rewritten := navigator.RewritePauseToDetour(out, cat)
	require.Equal(t, navigator.IntentPause, rewritten.Intent)
}

func TestRewritePauseToDetourWithClarifierRewrites(t *testing.T) {
	cat := newCatalog(t, true)
	out := navigator.Output{Intent: navigator.IntentPause, NoHumanMidFlow: true, Reasoning: "need input"}
	rewritten := navigator.RewritePauseToDetour(out, cat)
	require.Equal(t, navigator.IntentDetour, rewritten.Intent)
	require.False(t, rewritten.NeedsHuman)
	require.Equal(t, "clarifier", rewritten.Detour.SidequestID)
	require.Contains(t, rewritten.Reasoning, "no_human_mid_flow")
}

func TestRewritePauseToDetourWithoutNoHumanFlagPassesThrough(t *testing.T) {
	cat := newCatalog(t, true)
	out := navigator.Output{Intent: navigator.IntentPause, NoHumanMidFlow: false}
	rewritten := navigator.RewritePauseToDetour(out, cat)
	require.Equal(t, navigator.IntentPause, rewritten.Intent)
}

func TestApplyDetourRequestRegistersStepsAndPushesStack(t *testing.T) {
	cat := newCatalog(t, false)
	rs := &types.RunState{}
	out := navigator.Output{Intent: navigator.IntentDetour, Detour: &navigator.DetourRequest{SidequestID: "investigate"}}

	first, ok, err := navigator.ApplyDetourRequest(out, rs, cat, "step-3")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sq-investigate-0", first)
	require.Equal(t, 1, rs.DetourDepth())
	require.Len(t, rs.InjectedNodeSpecs, 2)
	require.Equal(t, "step-3", rs.TopFrame().ReturnNode)
	require.Equal(t, 2, rs.TopFrame().TotalSteps)
}

func TestApplyDetourRequestRejectsUnknownSidequest(t *testing.T) {
	cat := newCatalog(t, false)
	rs := &types.RunState{}
	out := navigator.Output{Detour: &navigator.DetourRequest{SidequestID: "nope"}}

	_, ok, err := navigator.ApplyDetourRequest(out, rs, cat, "step-1")
	require.Error(t, err)
	require.False(t, ok)
	require.Equal(t, 0, rs.DetourDepth())
}

func TestApplyDetourRequestRejectsAtMaxDepth(t *testing.T) {
	cat := newCatalog(t, false)
	rs := &types.RunState{}
	for i := 0; i < types.MaxDetourDepth; i++ {
		require.NoError(t, rs.PushDetour(types.InterruptionFrame{TotalSteps: 1}, types.ResumePoint{}))
	}
	out := navigator.Output{Detour: &navigator.DetourRequest{SidequestID: "investigate"}}
	_, ok, err := navigator.ApplyDetourRequest(out, rs, cat, "step-1")
	require.Error(t, err)
	require.False(t, ok)
}

func TestApplyExtendGraphRequestRejectsUnknownStation(t *testing.T) {
	lib := newStationLibrary(t, "known_station")
	rs := &types.RunState{}
	out := navigator.Output{ExtendGraph: &navigator.ExtendGraphRequest{StationID: "unknown_station"}}

	nodeID, ok, err := navigator.ApplyExtendGraphRequest(out, rs, "step-1", lib)
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, nodeID)
	require.Equal(t, 0, rs.DetourDepth())
}

func TestApplyExtendGraphRequestAcceptsKnownStation(t *testing.T) {
	lib := newStationLibrary(t, "reviewer")
	rs := &types.RunState{}
	out := navigator.Output{ExtendGraph: &navigator.ExtendGraphRequest{StationID: "reviewer", IsReturn: true}}

	nodeID, ok, err := navigator.ApplyExtendGraphRequest(out, rs, "step-1", lib)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, nodeID, "ext-reviewer-")
	require.Equal(t, 1, rs.DetourDepth())
}

func TestCheckAndHandleDetourCompletionAdvancesMultiStepSidequest(t *testing.T) {
	cat := newCatalog(t, false)
	rs := &types.RunState{}
	out := navigator.Output{Detour: &navigator.DetourRequest{SidequestID: "investigate"}}
	_, _, err := navigator.ApplyDetourRequest(out, rs, cat, "step-3")
	require.NoError(t, err)

	outcome, ok := navigator.CheckAndHandleDetourCompletion(rs, cat)
	require.True(t, ok)
	require.True(t, outcome.Advanced)
	require.Equal(t, "sq-investigate-1", outcome.NextInjectedNodeID)
	require.Equal(t, 1, rs.DetourDepth(), "frame still on stack mid-sidequest")
}

func TestCheckAndHandleDetourCompletionPopsOnLastStep(t *testing.T) {
	cat := newCatalog(t, false)
	rs := &types.RunState{}
	out := navigator.Output{Detour: &navigator.DetourRequest{SidequestID: "investigate"}}
	_, _, err := navigator.ApplyDetourRequest(out, rs, cat, "step-3")
	require.NoError(t, err)

	_, _ = navigator.CheckAndHandleDetourCompletion(rs, cat) // advance to last step
	outcome, ok := navigator.CheckAndHandleDetourCompletion(rs, cat)
	require.True(t, ok)
	require.True(t, outcome.Finished)
	require.Equal(t, "step-3", outcome.ReturnNode)
	require.Equal(t, 0, rs.DetourDepth())
}

func TestCheckAndHandleDetourCompletionNoActiveDetour(t *testing.T) {
	cat := newCatalog(t, false)
	rs := &types.RunState{}
	_, ok := navigator.CheckAndHandleDetourCompletion(rs, cat)
	require.False(t, ok)
}

func TestBuildGraphPatchSuggested(t *testing.T) {
	req := navigator.ExtendGraphRequest{StationID: "reviewer", Reason: "needs a second pair of eyes", IsReturn: true}
	patch := navigator.BuildGraphPatchSuggested(req, "ext-reviewer-0", "step-2")
	require.True(t, patch.InjectedForRun)
	require.True(t, patch.IsReturn)
	require.Equal(t, "needs a second pair of eyes", patch.Reason)
}
