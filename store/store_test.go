package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowstep/orchestrator/store"
	"github.com/flowstep/orchestrator/types"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	return store.New(t.TempDir(), store.WithClock(fixedClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}))
}

func TestCreateRunDirIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRunDir(ctx, "run-1"))
	require.NoError(t, s.CreateRunDir(ctx, "run-1"))
	require.True(t, s.RunExists("run-1"))
	require.False(t, s.RunExists("run-missing"))
}

func TestAppendEventAssignsMonotonicSeq(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRunDir(ctx, "run-1"))

	e1 := &types.RunEvent{RunID: "run-1", Kind: types.EventRunStarted}
	e2 := &types.RunEvent{RunID: "run-1", Kind: types.EventStepStarted}
	s.AppendEvent(ctx, e1)
	s.AppendEvent(ctx, e2)

	require.Equal(t, int64(1), e1.Seq)
	require.Equal(t, int64(2), e2.Seq)
	require.NotEmpty(t, e1.EventID)

	events, err := s.ReadEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestSeqSeededFromDiskOnReopen(t *testing.T) {
	base := t.TempDir()
	ctx := context.Background()

	s1 := store.New(base)
	require.NoError(t, s1.CreateRunDir(ctx, "run-1"))
	s1.AppendEvent(ctx, &types.RunEvent{RunID: "run-1", Kind: types.EventRunStarted})
	s1.AppendEvent(ctx, &types.RunEvent{RunID: "run-1", Kind: types.EventStepStarted})

	s2 := store.New(base)
	require.NoError(t, s2.CreateRunDir(ctx, "run-1"))
	next := &types.RunEvent{RunID: "run-1", Kind: types.EventStepCompleted}
	s2.AppendEvent(ctx, next)
	require.Equal(t, int64(3), next.Seq, "seq must continue from what's already on disk, never restart at 1")
}

func TestSummaryRoundTripAndUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRunDir(ctx, "run-1"))

	summary := types.RunSummary{ID: "run-1", Status: types.RunPending}
	require.NoError(t, s.WriteSummary(ctx, "run-1", summary))

	got, ok, err := s.ReadSummary(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.RunPending, got.Status)

	updated, err := s.UpdateSummary(ctx, "run-1", map[string]any{"status": string(types.RunRunning)})
	require.NoError(t, err)
	require.Equal(t, types.RunRunning, updated.Status)
}

func TestFinalizeRunSuccessSetsStatusAndEmitsEvent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRunDir(ctx, "run-1"))
	require.NoError(t, s.WriteSummary(ctx, "run-1", types.RunSummary{ID: "run-1", Status: types.RunRunning}))

	require.NoError(t, s.FinalizeRunSuccess(ctx, "run-1", "flow-a", types.SDLCOK))

	got, ok, err := s.ReadSummary(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.RunSucceeded, got.Status)
	require.NotNil(t, got.CompletedAt)

	events, err := s.ReadEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, types.EventRunCompleted, events[0].Kind)
}

func TestCommitStepCompletionMergesEnvelopeIntoRunState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRunDir(ctx, "run-1"))
	require.NoError(t, s.WriteRunState(ctx, "run-1", types.RunState{RunID: "run-1", FlowKey: "flow-a"}))

	env := types.HandoffEnvelope{StepID: "step-1", FlowKey: "flow-a", RunID: "run-1", Status: "completed"}
	rs, err := s.CommitStepCompletion(ctx, "run-1", "flow-a", env, map[string]any{"current_step_id": "step-2"})
	require.NoError(t, err)
	require.Equal(t, "step-2", rs.CurrentStepID)
	require.Contains(t, rs.HandoffEnvelopes, "step-1")

	onDisk, ok, err := s.ReadEnvelope(ctx, "run-1", "flow-a", "step-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "completed", onDisk.Status)
}

func TestReadRunStateRehydratesEnvelopesFromDiskWhenMapEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRunDir(ctx, "run-1"))

	env := types.HandoffEnvelope{StepID: "step-1", FlowKey: "flow-a", RunID: "run-1", Status: "completed"}
	require.NoError(t, s.WriteEnvelope(ctx, "run-1", "flow-a", env))

	require.NoError(t, s.WriteRunState(ctx, "run-1", types.RunState{RunID: "run-1", FlowKey: "flow-a"}))

	rs, ok, err := s.ReadRunState(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, rs.HandoffEnvelopes, "step-1", "recovery must reconstruct handoff_envelopes from on-disk envelope files")
}

func TestReadMissingArtifactsReturnFalseNotError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, ok, err := s.ReadSummary(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.ReadRunState(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.ReadEnvelope(ctx, "nope", "flow", "step")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListEnvelopesEmptyDirYieldsNoError(t *testing.T) {
	s := newTestStore(t)
	envs, err := s.ListEnvelopes(context.Background(), "run-1", "flow-a")
	require.NoError(t, err)
	require.Empty(t, envs)
}

func TestSpecWriteOnceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRunDir(ctx, "run-1"))

	spec := types.RunSpec{FlowKeys: []string{"flow-a"}, ProfileID: "default"}
	require.NoError(t, s.WriteSpec(ctx, "run-1", spec))

	got, ok, err := s.ReadSpec(ctx, "run-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"flow-a"}, got.FlowKeys)
}

func TestSummarizeNavigatorEventsBucketsBySidequestAndSignature(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateRunDir(ctx, "run-1"))

	s.AppendEvent(ctx, &types.RunEvent{RunID: "run-1", Kind: types.EventSidequestStart, Payload: map[string]any{"sidequest_id": "sq-1"}})
	s.AppendEvent(ctx, &types.RunEvent{RunID: "run-1", Kind: types.EventLoopStallDetected, Payload: map[string]any{"progress_signature": "sig-a"}})
	s.AppendEvent(ctx, &types.RunEvent{RunID: "run-1", Kind: types.EventStepStarted})

	summary, err := s.SummarizeNavigatorEvents(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, 2, summary.TotalEvents)
	require.Equal(t, 1, summary.BySidequestID["sq-1"])
	require.Equal(t, 1, summary.ByStallSignature["sig-a"])
}
