package routing_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstep/orchestrator/flowreg"
	"github.com/flowstep/orchestrator/navigator"
	"github.com/flowstep/orchestrator/routing"
	"github.com/flowstep/orchestrator/types"
)

func TestFastPathTrustsExplicitNextStepID(t *testing.T) {
	d := routing.NewDriver(nil, nil, nil, nil)
	out := d.RouteStep(context.Background(), routing.Input{
		Step:       flowreg.Step{ID: "s1"},
		StepResult: routing.StepResult{NextStepID: "s2"},
	})
	require.Equal(t, types.SourceFastPath, out.RoutingSource)
	require.Equal(t, types.DecisionAdvance, out.Signal.Decision)
	require.Equal(t, "s2", out.Signal.NextStepID)
	require.Equal(t, 1.0, out.Signal.Confidence)
}

func TestFastPathTerminalStep(t *testing.T) {
	d := routing.NewDriver(nil, nil, nil, nil)
	out := d.RouteStep(context.Background(), routing.Input{Step: flowreg.Step{ID: "s1", Terminal: true}})
	require.Equal(t, types.DecisionTerminate, out.Signal.Decision)
	require.Equal(t, types.SourceFastPath, out.RoutingSource)
}

func TestFastPathSingleUnconditionalEdge(t *testing.T) {
	d := routing.NewDriver(nil, nil, nil, nil)
	out := d.RouteStep(context.Background(), routing.Input{
		Step: flowreg.Step{ID: "s1", Edges: []flowreg.Edge{{Target: "s2", Unconditional: true}}},
	})
	require.Equal(t, types.SourceFastPath, out.RoutingSource)
	require.Equal(t, "s2", out.Signal.NextStepID)
}

func TestDeterministicPicksHighestPriorityTruthyEdge(t *testing.T) {
	d := routing.NewDriver(nil, nil, nil, nil)
	out := d.RouteStep(context.Background(), routing.Input{
		Step: flowreg.Step{ID: "s1", Edges: []flowreg.Edge{
			{Target: "low", Condition: "true", Priority: 1},
			{Target: "high", Condition: "true", Priority: 5},
			{Target: "never", Condition: "false", Priority: 10},
		}},
		Mode: routing.ModeDeterministicOnly,
	})
	require.Equal(t, types.SourceDeterministic, out.RoutingSource)
	require.Equal(t, "high", out.Signal.NextStepID)
}

func TestDeterministicEscalatesWhenNoEdgeTruthy(t *testing.T) {
	d := routing.NewDriver(nil, nil, nil, nil)
	out := d.RouteStep(context.Background(), routing.Input{
		Step: flowreg.Step{ID: "s1", Edges: []flowreg.Edge{{Target: "a", Condition: "false"}}},
		Mode: routing.ModeDeterministicOnly,
	})
	require.Equal(t, types.SourceEscalate, out.RoutingSource)
	require.True(t, out.Signal.NeedsHuman)
}

func TestEnvelopeFallbackAdoptsEngineSignal(t *testing.T) {
	d := routing.NewDriver(nil, nil, nil, nil)
	out := d.RouteStep(context.Background(), routing.Input{
		Step:    flowreg.Step{ID: "s1", Edges: []flowreg.Edge{{Target: "a", Condition: "x > 1"}}},
		Handoff: types.HandoffEnvelope{RoutingSignal: types.RoutingSignal{Decision: types.DecisionAdvance, NextStepID: "from-envelope"}},
	})
	require.Equal(t, types.SourceEnvelopeFallback, out.RoutingSource)
	require.Equal(t, "from-envelope", out.Signal.NextStepID)
}

func TestEscalateIsTheBackstop(t *testing.T) {
	d := routing.NewDriver(nil, nil, nil, nil)
	out := d.RouteStep(context.Background(), routing.Input{Step: flowreg.Step{ID: "s1"}})
	require.Equal(t, types.SourceEscalate, out.RoutingSource)
	require.True(t, out.Signal.NeedsHuman)
}

type fakeNavigator struct {
	out navigator.Output
	err error
}

func (f fakeNavigator) Navigate(ctx context.Context, in routing.NavigateInput) (navigator.Output, error) {
	return f.out, f.err
}

func TestNavigatorStrategyChoosesAmongCandidates(t *testing.T) {
	nav := fakeNavigator{out: navigator.Output{Intent: navigator.IntentAdvance, ChosenCandidate: "edge-0"}}
	d := routing.NewDriver(nil, nil, nav, nil)
	out := d.RouteStep(context.Background(), routing.Input{
		Step: flowreg.Step{ID: "s1", Edges: []flowreg.Edge{
			{Target: "next", Priority: 1},
			{Target: "other", Priority: 2},
		}},
		Mode: routing.ModeAssist,
	})
	require.Equal(t, types.SourceNavigator, out.RoutingSource)
	require.Equal(t, "next", out.Signal.NextStepID)
}

func TestNavigatorUnknownCandidateFallsThroughToEscalate(t *testing.T) {
	nav := fakeNavigator{out: navigator.Output{Intent: navigator.IntentAdvance, ChosenCandidate: "does-not-exist"}}
	d := routing.NewDriver(nil, nil, nav, nil)
	out := d.RouteStep(context.Background(), routing.Input{
		Step: flowreg.Step{ID: "s1", Edges: []flowreg.Edge{
			{Target: "next", Priority: 1},
			{Target: "other", Priority: 2},
		}},
		Mode: routing.ModeAssist,
	})
	require.Equal(t, types.SourceEscalate, out.RoutingSource)
}

func TestMicroloopAccountingExitsOnSuccessValue(t *testing.T) {
	d := routing.NewDriver(nil, nil, nil, nil)
	rs := &types.RunState{}
	out := d.RouteStep(context.Background(), routing.Input{
		Step:       flowreg.Step{ID: "author_reqs", LoopTarget: "author_reqs"},
		Handoff:    types.HandoffEnvelope{Status: "VERIFIED", RoutingSignal: types.RoutingSignal{Decision: types.DecisionLoop}},
		RunState:   rs,
	})
	require.Equal(t, types.DecisionAdvance, out.Signal.Decision)
	require.True(t, out.Signal.ExitConditionMet)
	require.Equal(t, 1, rs.LoopState["author_reqs"])
}

func TestMicroloopAccountingContinuesWhenNoExitCondition(t *testing.T) {
	d := routing.NewDriver(nil, nil, nil, nil)
	rs := &types.RunState{}
	out := d.RouteStep(context.Background(), routing.Input{
		Step:     flowreg.Step{ID: "author_reqs", LoopTarget: "author_reqs"},
		Handoff:  types.HandoffEnvelope{Status: "UNVERIFIED", RoutingSignal: types.RoutingSignal{Decision: types.DecisionLoop}},
		RunState: rs,
	})
	require.Equal(t, types.DecisionLoop, out.Signal.Decision)
	require.Equal(t, "author_reqs", out.Signal.NextStepID)
	require.False(t, out.Signal.ExitConditionMet)
}

func TestMicroloopAccountingSafetyFuseAtMaxIterations(t *testing.T) {
	d := routing.NewDriver(nil, nil, nil, nil)
	rs := &types.RunState{LoopState: map[string]int{"s": 1}}
	out := d.RouteStep(context.Background(), routing.Input{
		Step:     flowreg.Step{ID: "s", LoopTarget: "s", MaxIterations: 2},
		Handoff:  types.HandoffEnvelope{Status: "UNVERIFIED", RoutingSignal: types.RoutingSignal{Decision: types.DecisionLoop}},
		RunState: rs,
	})
	require.True(t, out.Signal.ExitConditionMet)
	require.Equal(t, types.DecisionAdvance, out.Signal.Decision)
	require.Equal(t, 2, rs.LoopState["s"])
}

func TestMicroloopAccountingStallDetection(t *testing.T) {
	d := routing.NewDriver(nil, nil, nil, nil)
	rs := &types.RunState{}
	out := d.RouteStep(context.Background(), routing.Input{
		Step:     flowreg.Step{ID: "s", LoopTarget: "s"},
		Handoff:  types.HandoffEnvelope{Status: "UNVERIFIED", RoutingSignal: types.RoutingSignal{Decision: types.DecisionLoop}},
		RunState: rs,
		Digest:   routing.Digest{StallDetected: true},
	})
	require.True(t, out.Signal.ExitConditionMet)
	require.Contains(t, out.Signal.Reason, "stall")
}

func TestComputeProgressSignatureStableForSameChanges(t *testing.T) {
	h1 := types.HandoffEnvelope{FileChanges: []types.FileChange{{Path: "a.go", ChangeType: "modified"}}}
	h2 := types.HandoffEnvelope{FileChanges: []types.FileChange{{Path: "a.go", ChangeType: "modified"}}}
	require.Equal(t, routing.ComputeProgressSignature(h1), routing.ComputeProgressSignature(h2))
}

func TestComputeProgressSignatureDiffersForDifferentChanges(t *testing.T) {
	h1 := types.HandoffEnvelope{FileChanges: []types.FileChange{{Path: "a.go", ChangeType: "modified"}}}
	h2 := types.HandoffEnvelope{FileChanges: []types.FileChange{{Path: "b.go", ChangeType: "added"}}}
	require.NotEqual(t, routing.ComputeProgressSignature(h1), routing.ComputeProgressSignature(h2))
}
