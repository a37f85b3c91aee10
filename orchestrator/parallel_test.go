package orchestrator_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstep/orchestrator/engine"
	"github.com/flowstep/orchestrator/orchestrator"
	"github.com/flowstep/orchestrator/types"
)

// fakeBranchEngine runs exactly one StepEngine.RunStep per fork branch,
// driven by a per-step-id status table, and counts how many branches were
// actually invoked (to prove fail_fast aborted the remaining ones).
type fakeBranchEngine struct {
	statusByStep map[string]string
	errByStep    map[string]error
	invocations  int32
}

func (f *fakeBranchEngine) EngineID() string { return "fake-branch" }

func (f *fakeBranchEngine) RunStep(ctx context.Context, in engine.StepInput) (engine.StepResult, []engine.Event, error) {
	atomic.AddInt32(&f.invocations, 1)
	if err, ok := f.errByStep[in.StepID]; ok && err != nil {
		return engine.StepResult{Status: "failed", Error: err.Error()}, nil, err
	}
	status := f.statusByStep[in.StepID]
	if status == "" {
		status = "VERIFIED"
	}
	return engine.StepResult{Status: status, Output: fmt.Sprintf("branch %s done", in.StepID)}, nil, nil
}

func fiveTargets() []orchestrator.ForkTarget {
	targets := make([]orchestrator.ForkTarget, 0, 5)
	for i := 0; i < 5; i++ {
		targets = append(targets, orchestrator.ForkTarget{
			StepID:    fmt.Sprintf("branch-%d", i),
			StationID: "reviewer",
			Role:      "review",
		})
	}
	return targets
}

func TestParallelExecutorAllVerifiedJoinSatisfied(t *testing.T) {
	eng := &fakeBranchEngine{statusByStep: map[string]string{}}
	var events []*types.RunEvent
	p := orchestrator.NewParallelExecutor(eng, func(ctx context.Context, ev *types.RunEvent) {
		events = append(events, ev)
	})

	out, err := p.Run(context.Background(), orchestrator.ForkSpec{
		RunID: "run-1", FlowKey: "review", Targets: fiveTargets(),
		Policy: orchestrator.ForkConcurrent, OnFailure: orchestrator.FailureContinueAll,
		Join: orchestrator.JoinAllVerified, Aggregate: orchestrator.AggregateWorst,
	})
	require.NoError(t, err)
	require.True(t, out.JoinSatisfied)
	require.Equal(t, "VERIFIED", out.AggregateStatus)
	require.Len(t, out.Branches, 5)
	require.EqualValues(t, 5, eng.invocations)

	var sawStart, sawComplete bool
	for _, ev := range events {
		if ev.Kind == types.EventForkStarted {
			sawStart = true
		}
		if ev.Kind == types.EventForkCompleted {
			sawComplete = true
		}
	}
	require.True(t, sawStart)
	require.True(t, sawComplete)
}

func TestParallelExecutorWorstAggregateWithOneBlocked(t *testing.T) {
	statuses := map[string]string{"branch-0": "BLOCKED", "branch-1": "VERIFIED", "branch-2": "VERIFIED", "branch-3": "VERIFIED", "branch-4": "VERIFIED"}
	eng := &fakeBranchEngine{statusByStep: statuses}
	p := orchestrator.NewParallelExecutor(eng, nil)

	out, err := p.Run(context.Background(), orchestrator.ForkSpec{
		RunID: "run-2", FlowKey: "review", Targets: fiveTargets(),
		Policy: orchestrator.ForkConcurrent, OnFailure: orchestrator.FailureContinueAll,
		Join: orchestrator.JoinAllVerified, Aggregate: orchestrator.AggregateWorst,
	})
	require.NoError(t, err)
	require.False(t, out.JoinSatisfied, "one BLOCKED branch must fail all_verified")
	require.Equal(t, "BLOCKED", out.AggregateStatus)
}

func TestParallelExecutorAnyVerifiedJoinSatisfiedDespiteFailures(t *testing.T) {
	statuses := map[string]string{"branch-0": "BLOCKED", "branch-1": "PARTIAL", "branch-2": "VERIFIED", "branch-3": "PARTIAL", "branch-4": "BLOCKED"}
	eng := &fakeBranchEngine{statusByStep: statuses}
	p := orchestrator.NewParallelExecutor(eng, nil)

	out, err := p.Run(context.Background(), orchestrator.ForkSpec{
		RunID: "run-3", FlowKey: "review", Targets: fiveTargets(),
		Policy: orchestrator.ForkConcurrent, OnFailure: orchestrator.FailureContinueAll,
		Join: orchestrator.JoinAnyVerified, Aggregate: orchestrator.AggregateBest,
	})
	require.NoError(t, err)
	require.True(t, out.JoinSatisfied)
	require.Equal(t, "VERIFIED", out.AggregateStatus)
}

func TestParallelExecutorFailFastAbortsRemainingBranches(t *testing.T) {
	eng := &fakeBranchEngine{
		statusByStep: map[string]string{},
		errByStep:    map[string]error{"branch-0": fmt.Errorf("branch-0 exploded")},
	}
	p := orchestrator.NewParallelExecutor(eng, nil)

	_, err := p.Run(context.Background(), orchestrator.ForkSpec{
		RunID: "run-4", FlowKey: "review", Targets: fiveTargets(),
		Policy: orchestrator.ForkBatched, BatchSize: 1, OnFailure: orchestrator.FailureFailFast,
		Join: orchestrator.JoinAllComplete, Aggregate: orchestrator.AggregateWorst,
	})
	require.Error(t, err)
	require.EqualValues(t, 1, eng.invocations)
}

func TestParallelExecutorBatchedPolicyRunsInGroups(t *testing.T) {
	eng := &fakeBranchEngine{statusByStep: map[string]string{}}
	p := orchestrator.NewParallelExecutor(eng, nil)

	out, err := p.Run(context.Background(), orchestrator.ForkSpec{
		RunID: "run-5", FlowKey: "review", Targets: fiveTargets(),
		Policy: orchestrator.ForkBatched, BatchSize: 2, OnFailure: orchestrator.FailureContinueAll,
		Join: orchestrator.JoinAllComplete, Aggregate: orchestrator.AggregateWorst,
	})
	require.NoError(t, err)
	require.True(t, out.JoinSatisfied)
	require.Len(t, out.Branches, 5)
	require.EqualValues(t, 5, eng.invocations)
}

func TestParallelExecutorQuorumJoin(t *testing.T) {
	eng := &fakeBranchEngine{statusByStep: map[string]string{}}
	p := orchestrator.NewParallelExecutor(eng, nil)

	out, err := p.Run(context.Background(), orchestrator.ForkSpec{
		RunID: "run-6", FlowKey: "review", Targets: fiveTargets(),
		Policy: orchestrator.ForkConcurrent, OnFailure: orchestrator.FailureBestEffort,
		Join: orchestrator.JoinQuorum, Quorum: 3, Aggregate: orchestrator.AggregateMajority,
	})
	require.NoError(t, err)
	require.True(t, out.JoinSatisfied)
}

func TestParallelExecutorRejectsEmptyTargets(t *testing.T) {
	eng := &fakeBranchEngine{}
	p := orchestrator.NewParallelExecutor(eng, nil)
	_, err := p.Run(context.Background(), orchestrator.ForkSpec{RunID: "run-7", FlowKey: "review"})
	require.Error(t, err)
}
