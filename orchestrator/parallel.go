package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/flowstep/orchestrator/contextpack"
	"github.com/flowstep/orchestrator/engine"
	"github.com/flowstep/orchestrator/telemetry"
	"github.com/flowstep/orchestrator/types"
)

// ForkPolicy selects how a ParallelExecutor schedules its branches.
type ForkPolicy string

const (
	ForkConcurrent ForkPolicy = "concurrent"
	ForkBatched    ForkPolicy = "batched"
)

// FailurePolicy governs what a branch failure does to its siblings.
type FailurePolicy string

const (
	FailureContinueAll FailurePolicy = "continue_all"
	FailureFailFast    FailurePolicy = "fail_fast"
	FailureBestEffort  FailurePolicy = "best_effort"
)

// Isolation controls whether branches share one workspace or each get their
// own scratch checkout.
type Isolation string

const (
	IsolationShared   Isolation = "shared"
	IsolationIsolated Isolation = "isolated"
)

// JoinStrategy decides when a fork's branches are considered settled enough
// to proceed past the join point.
type JoinStrategy string

const (
	JoinAllComplete  JoinStrategy = "all_complete"
	JoinAllVerified  JoinStrategy = "all_verified"
	JoinAnyVerified  JoinStrategy = "any_verified"
	JoinFirstComplete JoinStrategy = "first_complete"
	JoinQuorum       JoinStrategy = "quorum"
)

// statusRank implements the BLOCKED < PARTIAL < UNVERIFIED < VERIFIED lattice
// (spec.md §5) that aggregate status climbs or descends over. Any status
// string outside this vocabulary ranks as UNVERIFIED — unverified is the
// conservative default for a status an aggregator doesn't recognize.
var statusRank = map[string]int{
	"BLOCKED":    0,
	"PARTIAL":    1,
	"UNVERIFIED": 2,
	"VERIFIED":   3,
}

func rankOf(status string) int {
	if r, ok := statusRank[status]; ok {
		return r
	}
	return statusRank["UNVERIFIED"]
}

// AggregateMode picks how branch statuses combine into one fork-level status.
type AggregateMode string

const (
	AggregateWorst    AggregateMode = "worst"
	AggregateBest     AggregateMode = "best"
	AggregateMajority AggregateMode = "majority"
)

// ForkTarget is one branch of a fork: the step it runs and the station,
// agent and role it runs with. It carries no workspace setting (see
// runBranch).
type ForkTarget struct {
	StepID    string
	StationID string
	AgentKey  string
	Role      string
}

// ForkSpec configures one ParallelExecutor.Run invocation.
type ForkSpec struct {
	RunID, FlowKey string
	Targets        []ForkTarget
	Policy         ForkPolicy
	BatchSize      int // only consulted when Policy == ForkBatched; <=0 means one batch
	OnFailure      FailurePolicy
	Isolation      Isolation
	Join           JoinStrategy
	Quorum         int // only consulted when Join == JoinQuorum
	Aggregate      AggregateMode
	Pack           contextpack.Pack // shared base pack; per-branch StepID/AgentKey overridden
	Params         map[string]any
}

// BranchResult is one fork branch's outcome.
type BranchResult struct {
	Target   ForkTarget
	Envelope types.HandoffEnvelope
	Err      error
}

// ForkResult is everything ParallelExecutor.Run produces for one fork.
type ForkResult struct {
	Branches        []BranchResult
	AggregateStatus string
	JoinSatisfied   bool
}

// ParallelExecutor runs a fixed target list as independent branches of a
// single step, grounded on the errgroup-with-SetLimit fan-out pattern
// (golang.org/x/sync/errgroup), and joins them per spec.md §5.
type ParallelExecutor struct {
	Engine engine.StepEngine
	Logger AppendEventFunc
	Tracer telemetry.Tracer
}

// AppendEventFunc lets ParallelExecutor emit fork_started/fork_completed/
// verification_result events without importing store directly (it is handed
// the orchestrator's store.AppendEvent method by the caller).
type AppendEventFunc func(ctx context.Context, ev *types.RunEvent)

// NewParallelExecutor wires a ParallelExecutor against a single StepEngine
// (all branches of one fork share an engine, per spec.md's fixed-target-list
// model) and an event sink.
func NewParallelExecutor(eng engine.StepEngine, appendEvent AppendEventFunc) *ParallelExecutor {
	if appendEvent == nil {
		appendEvent = func(context.Context, *types.RunEvent) {}
	}
	return &ParallelExecutor{Engine: eng, Logger: appendEvent, Tracer: telemetry.NoopTracer{}}
}

// Run forks spec.Targets into independent branches, executes them per
// spec.Policy/spec.OnFailure, and joins per spec.Join. Every branch in a
// batch is always awaited before Run returns (short of fail_fast aborting
// the whole fork); JoinStrategy decides whether the settled results satisfy
// the join, not whether Run stops waiting for stragglers early.
func (p *ParallelExecutor) Run(ctx context.Context, spec ForkSpec) (ForkResult, error) {
	if len(spec.Targets) == 0 {
		return ForkResult{}, fmt.Errorf("orchestrator: fork spec has no targets")
	}

	if p.Tracer != nil {
		var span telemetry.Span
		ctx, span = telemetry.StartForkSpan(ctx, p.Tracer, len(spec.Targets))
		defer span.End()
	}

	p.Logger(ctx, &types.RunEvent{
		RunID: spec.RunID, Kind: types.EventForkStarted, FlowKey: spec.FlowKey,
		Payload: map[string]any{"target_count": len(spec.Targets), "policy": string(spec.Policy)},
	})

	batches := p.batchesOf(spec)
	results := make([]BranchResult, len(spec.Targets))
	var mu sync.Mutex

	for _, batch := range batches {
		g, gCtx := errgroup.WithContext(ctx)
		if spec.OnFailure != FailureFailFast {
			// continue_all / best_effort: a sibling's error must not cancel
			// this branch, so it gets the plain parent context rather than
			// errgroup's shared cancel-on-first-error one.
			gCtx = ctx
		}

		for _, idx := range batch {
			idx := idx
			target := spec.Targets[idx]
			g.Go(func() error {
				env, err := p.runBranch(gCtx, spec, target)
				mu.Lock()
				results[idx] = BranchResult{Target: target, Envelope: env, Err: err}
				mu.Unlock()

				p.Logger(gCtx, &types.RunEvent{
					RunID: spec.RunID, Kind: types.EventVerificationResult, FlowKey: spec.FlowKey, StepID: target.StepID,
					Payload: map[string]any{"status": env.Status, "verification_passed": env.VerificationPassed, "error": errString(err)},
				})

				if err != nil && spec.OnFailure == FailureFailFast {
					return err
				}
				return nil
			})
		}

		if err := g.Wait(); err != nil && spec.OnFailure == FailureFailFast {
			p.Logger(ctx, &types.RunEvent{RunID: spec.RunID, Kind: types.EventForkCompleted, FlowKey: spec.FlowKey,
				Payload: map[string]any{"outcome": "fail_fast", "error": err.Error()}})
			return p.finish(spec, results), err
		}
	}

	out := p.finish(spec, results)
	p.Logger(ctx, &types.RunEvent{
		RunID: spec.RunID, Kind: types.EventForkCompleted, FlowKey: spec.FlowKey,
		Payload: map[string]any{"aggregate_status": out.AggregateStatus, "join_satisfied": out.JoinSatisfied},
	})
	return out, nil
}

// batchesOf returns index groups to run together: one group of everything
// for ForkConcurrent, or BatchSize-sized slices for ForkBatched.
func (p *ParallelExecutor) batchesOf(spec ForkSpec) [][]int {
	n := len(spec.Targets)
	if spec.Policy != ForkBatched || spec.BatchSize <= 0 {
		all := make([]int, n)
		for i := range all {
			all[i] = i
		}
		return [][]int{all}
	}
	var batches [][]int
	for start := 0; start < n; start += spec.BatchSize {
		end := start + spec.BatchSize
		if end > n {
			end = n
		}
		batch := make([]int, end-start)
		for i := range batch {
			batch[i] = start + i
		}
		batches = append(batches, batch)
	}
	return batches
}

// runBranch invokes the engine for one fork target. Isolation only affects
// which workspace directory the caller steered the shared Pack's
// ArtifactPaths at before calling Run — ParallelExecutor itself is
// workspace-agnostic, it just runs whatever Pack it's handed per branch.
func (p *ParallelExecutor) runBranch(ctx context.Context, spec ForkSpec, target ForkTarget) (types.HandoffEnvelope, error) {
	pack := spec.Pack
	pack.StepID = target.StepID

	in := engine.StepInput{
		RunID:         spec.RunID,
		FlowKey:       spec.FlowKey,
		StepID:        target.StepID,
		StationID:     target.StationID,
		AgentKey:      target.AgentKey,
		Pack:          pack,
		ToolAllowList: engine.ToolAllowList(target.Role),
		Params:        spec.Params,
	}

	result, _, err := p.Engine.RunStep(ctx, in)
	if err != nil {
		return types.HandoffEnvelope{
			StepID: target.StepID, FlowKey: spec.FlowKey, RunID: spec.RunID,
			Status: "failed", Error: err.Error(),
		}, err
	}
	return types.HandoffEnvelope{
		StepID:             target.StepID,
		FlowKey:            spec.FlowKey,
		RunID:              spec.RunID,
		Summary:            result.Output,
		Status:             result.Status,
		Error:              result.Error,
		StationID:          target.StationID,
		VerificationPassed: result.Status == "completed" || result.Status == "VERIFIED",
	}, nil
}

// finish computes JoinSatisfied and AggregateStatus over whatever branches
// have settled when Run decides to stop waiting.
func (p *ParallelExecutor) finish(spec ForkSpec, results []BranchResult) ForkResult {
	satisfied := p.joinSatisfied(spec, results)
	return ForkResult{
		Branches:        results,
		AggregateStatus: p.aggregateStatus(spec, results),
		JoinSatisfied:   satisfied,
	}
}

func (p *ParallelExecutor) joinSatisfied(spec ForkSpec, results []BranchResult) bool {
	settled := countSettled(results)
	verified := countVerified(results)
	switch spec.Join {
	case JoinAllComplete:
		return settled == len(results)
	case JoinAllVerified:
		return verified == len(results)
	case JoinAnyVerified:
		return verified >= 1
	case JoinFirstComplete:
		return settled >= 1
	case JoinQuorum:
		q := spec.Quorum
		if q <= 0 {
			q = len(results)
		}
		return settled >= q
	default:
		return settled == len(results)
	}
}

func (p *ParallelExecutor) aggregateStatus(spec ForkSpec, results []BranchResult) string {
	statuses := make([]string, 0, len(results))
	for _, r := range results {
		if r.Envelope.Status != "" {
			statuses = append(statuses, r.Envelope.Status)
		}
	}
	if len(statuses) == 0 {
		return "BLOCKED"
	}

	switch spec.Aggregate {
	case AggregateBest:
		best := statuses[0]
		for _, s := range statuses[1:] {
			if rankOf(s) > rankOf(best) {
				best = s
			}
		}
		return best
	case AggregateMajority:
		counts := make(map[string]int, len(statuses))
		for _, s := range statuses {
			counts[s]++
		}
		majority, majorityCount := statuses[0], 0
		for s, c := range counts {
			if c > majorityCount || (c == majorityCount && rankOf(s) < rankOf(majority)) {
				majority, majorityCount = s, c
			}
		}
		return majority
	default: // AggregateWorst
		worst := statuses[0]
		for _, s := range statuses[1:] {
			if rankOf(s) < rankOf(worst) {
				worst = s
			}
		}
		return worst
	}
}

func countSettled(results []BranchResult) int {
	n := 0
	for _, r := range results {
		if r.Envelope.StepID != "" {
			n++
		}
	}
	return n
}

func countVerified(results []BranchResult) int {
	n := 0
	for _, r := range results {
		if r.Envelope.VerificationPassed {
			n++
		}
	}
	return n
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
