package types_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstep/orchestrator/types"
)

func TestApplyPatch(t *testing.T) {
	s := types.RunState{
		RunID:         "run-1",
		CurrentStepID: "step-a",
		StepIndex:     1,
		Status:        types.RunRunning,
	}

	err := types.ApplyPatch(&s, map[string]any{
		"current_step_id": "step-b",
		"step_index":      2,
	})
	require.NoError(t, err)
	require.Equal(t, "step-b", s.CurrentStepID)
	require.Equal(t, 2, s.StepIndex)
	require.Equal(t, "run-1", s.RunID, "fields absent from patch are left untouched")
	require.Equal(t, types.RunRunning, s.Status)
}

func TestApplyPatchEmpty(t *testing.T) {
	s := types.RunState{RunID: "run-1"}
	require.NoError(t, types.ApplyPatch(&s, nil))
	require.Equal(t, "run-1", s.RunID)
}

func TestSkipJustificationComplete(t *testing.T) {
	var j *types.SkipJustification
	require.False(t, j.Complete())

	j = &types.SkipJustification{SkipReason: "r"}
	require.False(t, j.Complete())

	j.WhyNotNeededForExit = "w"
	j.ReplacementAssurance = "a"
	require.True(t, j.Complete())
}

func TestRunStatusTerminal(t *testing.T) {
	require.True(t, types.RunSucceeded.Terminal())
	require.True(t, types.RunStopped.Terminal())
	require.False(t, types.RunRunning.Terminal())
	require.False(t, types.RunPausing.Terminal())
}

func TestPushPopDetour(t *testing.T) {
	var s types.RunState
	for i := 0; i < types.MaxDetourDepth; i++ {
		err := s.PushDetour(types.InterruptionFrame{SidequestID: "sq"}, types.ResumePoint{})
		require.NoError(t, err)
	}
	require.Equal(t, types.MaxDetourDepth, s.DetourDepth())

	err := s.PushDetour(types.InterruptionFrame{SidequestID: "sq"}, types.ResumePoint{})
	require.Error(t, err, "11th nested detour must be rejected")
	require.Equal(t, types.MaxDetourDepth, s.DetourDepth())

	for i := 0; i < types.MaxDetourDepth; i++ {
		_, ok := s.PopDetour()
		require.True(t, ok)
	}
	_, ok := s.PopDetour()
	require.False(t, ok)
}
