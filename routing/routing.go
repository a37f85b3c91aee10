// Package routing implements the unified route_step entry point: a
// priority-ordered pipeline (fast-path → deterministic → Navigator →
// envelope fallback → escalate) that resolves exactly one RoutingOutcome per
// step (spec.md §4.4). Each strategy either decides or yields; the Driver
// never returns a zero-value outcome — escalate is the backstop.
package routing

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/flowstep/orchestrator/flowreg"
	"github.com/flowstep/orchestrator/navigator"
	"github.com/flowstep/orchestrator/sidequest"
	"github.com/flowstep/orchestrator/stationlib"
	"github.com/flowstep/orchestrator/telemetry"
	"github.com/flowstep/orchestrator/types"
)

// Mode selects how aggressively the Navigator participates.
type Mode string

const (
	ModeDeterministicOnly Mode = "DETERMINISTIC_ONLY"
	ModeAssist            Mode = "ASSIST"
	ModeAuthoritative     Mode = "AUTHORITATIVE"
)

// NavigationOrchestrator is the LLM-backed collaborator the Navigator
// strategy consults. It is given a bounded candidate menu plus a digest of
// forensic signals and is expected to choose among candidates, only
// inventing new graph shape via explicit DETOUR/EXTEND_GRAPH intents.
type NavigationOrchestrator interface {
	Navigate(ctx context.Context, in NavigateInput) (navigator.Output, error)
}

// NavigateInput is the bounded payload handed to the NavigationOrchestrator.
type NavigateInput struct {
	RunID      string
	FlowKey    string
	StepID     string
	Candidates []types.RoutingCandidate
	Digest     Digest
}

// Digest summarizes the forensic signals the Navigator should weigh:
// verification result, file-change evidence, and stall signals.
type Digest struct {
	VerificationPassed bool
	FileChangeSummary  string
	StallDetected      bool
	ProgressSignature  string
}

// StepResult is the minimal subset of an engine's StepResult the driver
// needs to decide fast-path eligibility.
type StepResult struct {
	NextStepID string
	Status     string
}

// Input bundles everything route_step needs for one decision.
type Input struct {
	RunID        string
	FlowKey      string
	Step         flowreg.Step
	StepResult   StepResult
	RunState     *types.RunState
	Handoff      types.HandoffEnvelope
	Mode         Mode
	StepContext  map[string]any
	Digest       Digest
	MaxIteration int // 0 means use the step's own MaxIterations, or the safety-fuse default
}

const defaultMaxIterations = 50

// defaultLoopSuccessValues is used when a microloop step declares none.
var defaultLoopSuccessValues = []string{"VERIFIED"}

// Driver runs the five-strategy pipeline. It is safe for concurrent use: the
// only mutable state is the expr-lang compile cache, which is protected by
// its own mutex (grounded on tombee-conductor's expression.Evaluator).
type Driver struct {
	Stations    *stationlib.Library
	Sidequests  *sidequest.Catalog
	Navigator   NavigationOrchestrator
	Logger      telemetry.Logger
	Metrics     telemetry.Metrics
	AppendEvent func(ctx context.Context, ev *types.RunEvent)

	exprMu    sync.RWMutex
	exprCache map[string]*vm.Program
}

// NewDriver constructs a Driver. Navigator may be nil (routing_mode never
// reaches Strategy 3 without one).
func NewDriver(stations *stationlib.Library, sidequests *sidequest.Catalog, nav NavigationOrchestrator, logger telemetry.Logger) *Driver {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	return &Driver{
		Stations:   stations,
		Sidequests: sidequests,
		Navigator:  nav,
		Logger:     logger,
		Metrics:    telemetry.NoopMetrics{},
		exprCache:  make(map[string]*vm.Program),
	}
}

// RouteStep runs the pipeline and returns the single auditable outcome. A
// "loop" decision from any strategy is subject to microloop accounting
// before being returned.
func (d *Driver) RouteStep(ctx context.Context, in Input) types.RoutingOutcome {
	out := d.routeStep(ctx, in)
	d.applyMicroloopAccounting(in, &out)
	return out
}

func (d *Driver) routeStep(ctx context.Context, in Input) types.RoutingOutcome {
	if out, ok := d.fastPath(in); ok {
		return out
	}

	if in.Mode == ModeDeterministicOnly {
		return d.deterministic(in)
	}

	if in.Mode == ModeAssist || in.Mode == ModeAuthoritative {
		if out, ok := d.tryNavigator(ctx, in); ok {
			return out
		}
	}

	if out, ok := d.envelopeFallback(in); ok {
		return out
	}

	return d.escalate("no strategy produced a routing decision")
}

// fastPath implements Strategy 1: trust an explicit next_step_id, a single
// unconditional outgoing edge, or a terminal step.
func (d *Driver) fastPath(in Input) (types.RoutingOutcome, bool) {
	if in.StepResult.NextStepID != "" {
		return d.outcome(types.RoutingSignal{
			Decision:   types.DecisionAdvance,
			NextStepID: in.StepResult.NextStepID,
			Confidence: 1.0,
			Reason:     "engine set next_step_id explicitly",
		}, types.SourceFastPath, nil), true
	}
	if in.Step.Terminal {
		return d.outcome(types.RoutingSignal{
			Decision:   types.DecisionTerminate,
			Confidence: 1.0,
			Reason:     "step is terminal",
		}, types.SourceFastPath, nil), true
	}
	if unconditional, ok := soleUnconditionalEdge(in.Step.Edges); ok {
		return d.outcome(types.RoutingSignal{
			Decision:   types.DecisionAdvance,
			NextStepID: unconditional.Target,
			Confidence: 1.0,
			Reason:     "single unconditional outgoing edge",
		}, types.SourceFastPath, nil), true
	}
	return types.RoutingOutcome{}, false
}

func soleUnconditionalEdge(edges []flowreg.Edge) (flowreg.Edge, bool) {
	if len(edges) != 1 {
		return flowreg.Edge{}, false
	}
	e := edges[0]
	if e.Unconditional || e.Condition == "" {
		return e, true
	}
	return flowreg.Edge{}, false
}

// deterministic implements Strategy 2: evaluate edge conditions via
// expr-lang over the step context.
func (d *Driver) deterministic(in Input) types.RoutingOutcome {
	type truthyEdge struct {
		edge flowreg.Edge
	}
	var truthy []truthyEdge
	for _, e := range in.Step.Edges {
		ok, err := d.evalCondition(e.Condition, in.StepContext)
		if err != nil {
			d.Logger.Warn(context.Background(), "routing: condition eval failed", "step_id", in.Step.ID, "condition", e.Condition, "err", err)
			continue
		}
		if ok {
			truthy = append(truthy, truthyEdge{e})
		}
	}
	if len(truthy) == 0 {
		return d.escalate("deterministic: no edge condition was truthy")
	}
	best := truthy[0].edge
	for _, t := range truthy[1:] {
		if t.edge.Priority > best.Priority {
			best = t.edge
		}
	}
	return d.outcome(types.RoutingSignal{
		Decision:   types.DecisionAdvance,
		NextStepID: best.Target,
		Confidence: 1.0,
		Reason:     "deterministic edge condition matched",
	}, types.SourceDeterministic, nil)
}

func (d *Driver) evalCondition(condition string, stepContext map[string]any) (bool, error) {
	if condition == "" {
		return true, nil
	}
	prog, err := d.compile(condition)
	if err != nil {
		return false, err
	}
	result, err := expr.Run(prog, stepContext)
	if err != nil {
		return false, err
	}
	b, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("routing: condition %q did not evaluate to bool (got %T)", condition, result)
	}
	return b, nil
}

func (d *Driver) compile(condition string) (*vm.Program, error) {
	d.exprMu.RLock()
	if prog, ok := d.exprCache[condition]; ok {
		d.exprMu.RUnlock()
		return prog, nil
	}
	d.exprMu.RUnlock()

	prog, err := expr.Compile(condition, expr.AllowUndefinedVariables(), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("routing: compile condition %q: %w", condition, err)
	}

	d.exprMu.Lock()
	d.exprCache[condition] = prog
	d.exprMu.Unlock()
	return prog, nil
}

// tryNavigator implements Strategy 3. Any panic-worthy failure inside this
// strategy is caught and logged, yielding to the next strategy rather than
// propagating (spec.md: "It never silently succeeds").
func (d *Driver) tryNavigator(ctx context.Context, in Input) (outcome types.RoutingOutcome, ok bool) {
	if d.Navigator == nil {
		return types.RoutingOutcome{}, false
	}
	defer func() {
		if r := recover(); r != nil {
			d.Logger.Error(ctx, "routing: navigator strategy panicked", "run_id", in.RunID, "flow_key", in.FlowKey, "step_id", in.Step.ID, "panic", r)
			outcome, ok = types.RoutingOutcome{}, false
		}
	}()

	candidates := d.generateCandidates(in)
	navIn := NavigateInput{RunID: in.RunID, FlowKey: in.FlowKey, StepID: in.Step.ID, Candidates: candidates, Digest: in.Digest}
	navOut, err := d.Navigator.Navigate(ctx, navIn)
	if err != nil {
		d.Logger.Error(ctx, "routing: navigator invocation failed", "run_id", in.RunID, "flow_key", in.FlowKey, "step_id", in.Step.ID, "err", err)
		return types.RoutingOutcome{}, false
	}
	if err := navigator.ValidateOutput(navOut); err != nil {
		d.Logger.Error(ctx, "routing: navigator output failed schema validation", "run_id", in.RunID, "flow_key", in.FlowKey, "step_id", in.Step.ID, "err", err)
		return types.RoutingOutcome{}, false
	}

	navOut = navigator.RewritePauseToDetour(navOut, d.Sidequests)

	switch navOut.Intent {
	case navigator.IntentDetour:
		nodeID, applied, err := navigator.ApplyDetourRequest(navOut, in.RunState, d.Sidequests, in.Step.ID)
		if err != nil || !applied {
			d.Logger.Warn(ctx, "routing: detour rejected", "run_id", in.RunID, "step_id", in.Step.ID, "err", err)
			return types.RoutingOutcome{}, false
		}
		if d.Metrics != nil {
			telemetry.RecordDetourDepth(d.Metrics, navigator.GetCurrentDetourDepth(in.RunState))
		}
		return d.outcome(types.RoutingSignal{
			Decision:   types.DecisionAdvance,
			NextStepID: nodeID,
			Confidence: navOut.ConfidenceOr(0.8),
			Reason:     navOut.Reasoning,
		}, types.SourceNavigatorDetour, candidates), true

	case navigator.IntentExtendGraph:
		nodeID, applied, err := navigator.ApplyExtendGraphRequest(navOut, in.RunState, in.Step.ID, d.Stations)
		if err != nil {
			d.Logger.Error(ctx, "routing: extend_graph error", "run_id", in.RunID, "step_id", in.Step.ID, "err", err)
			return types.RoutingOutcome{}, false
		}
		if !applied {
			d.Logger.Warn(ctx, "routing: extend_graph rejected: unknown station", "run_id", in.RunID, "station_id", navOut.ExtendGraph.StationID)
			return types.RoutingOutcome{}, false
		}
		if d.Metrics != nil {
			telemetry.RecordDetourDepth(d.Metrics, navigator.GetCurrentDetourDepth(in.RunState))
		}
		if d.AppendEvent != nil {
			patch := navigator.BuildGraphPatchSuggested(*navOut.ExtendGraph, nodeID, in.Step.ID)
			d.AppendEvent(ctx, &types.RunEvent{
				RunID:   in.RunID,
				FlowKey: in.FlowKey,
				StepID:  in.Step.ID,
				Kind:    types.EventGraphPatchSuggested,
				Payload: map[string]any{"patch": patch.Patch, "reason": patch.Reason, "is_return": patch.IsReturn, "injected_for_run": patch.InjectedForRun},
			})
		}
		return d.outcome(types.RoutingSignal{
			Decision:   types.DecisionAdvance,
			NextStepID: nodeID,
			Confidence: navOut.ConfidenceOr(0.8),
			Reason:     navOut.Reasoning,
		}, types.SourceNavigatorExtend, candidates), true

	case navigator.IntentPause:
		return d.outcome(types.RoutingSignal{
			Decision:   types.DecisionTerminate,
			NeedsHuman: true,
			Reason:     navOut.Reasoning,
			Confidence: navOut.ConfidenceOr(0.5),
		}, types.SourceNavigator, candidates), true

	default: // ADVANCE, or anything choosing among the candidate menu
		chosen, found := findCandidate(candidates, navOut.ChosenCandidate)
		if !found {
			d.Logger.Warn(ctx, "routing: navigator chose unknown candidate", "run_id", in.RunID, "candidate_id", navOut.ChosenCandidate)
			return types.RoutingOutcome{}, false
		}
		signal := types.RoutingSignal{
			Decision:          types.DecisionAdvance,
			NextStepID:        chosen.TargetNode,
			Reason:            navOut.Reasoning,
			Confidence:        navOut.ConfidenceOr(chosen.Priority),
			ChosenCandidateID: chosen.CandidateID,
		}
		if chosen.Action == "skip" {
			signal.Decision = types.DecisionSkip
			signal.SkipJustification = extractSkipJustification(navOut)
			if !signal.SkipJustification.Complete() {
				d.Logger.Warn(ctx, "routing: skip decision missing justification, falling through", "run_id", in.RunID, "step_id", in.Step.ID)
				return types.RoutingOutcome{}, false
			}
		}
		return d.outcome(signal, types.SourceNavigator, candidates), true
	}
}

// generateCandidates enumerates the edges out of the current node.
// Sidequests from the catalog are not added to the menu; the Navigator
// reaches them only through a DETOUR intent.
func (d *Driver) generateCandidates(in Input) []types.RoutingCandidate {
	candidates := make([]types.RoutingCandidate, 0, len(in.Step.Edges)+1)
	for i, e := range in.Step.Edges {
		priority := float64(e.Priority)
		candidates = append(candidates, types.RoutingCandidate{
			CandidateID: fmt.Sprintf("edge-%d", i),
			Action:      "advance",
			TargetNode:  e.Target,
			Priority:    priority,
			Source:      "flow_edge",
			IsDefault:   e.Unconditional,
		})
	}
	if in.Digest.VerificationPassed {
		// Every candidate gains 0.1 priority when verification passed. No
		// candidate is down-ranked when forensic evidence contradicts a
		// VERIFIED claim: neither this function nor the orchestrator compares
		// the claim with the file-change evidence.
		for i := range candidates {
			candidates[i].Priority += 0.1
		}
	}
	return candidates
}

func findCandidate(candidates []types.RoutingCandidate, id string) (types.RoutingCandidate, bool) {
	for _, c := range candidates {
		if c.CandidateID == id {
			return c, true
		}
	}
	return types.RoutingCandidate{}, false
}

func extractSkipJustification(out navigator.Output) *types.SkipJustification {
	// The Navigator output type carries skip fields only when intent chooses
	// a skip candidate; callers populate navigator.Output.SkipJustification
	// via the same JSON the LLM emits.
	return out.SkipJustification
}

// envelopeFallback implements Strategy 4: adopt the engine's own route_step
// phase RoutingSignal if it set one.
func (d *Driver) envelopeFallback(in Input) (types.RoutingOutcome, bool) {
	if in.Handoff.RoutingSignal.Decision == "" {
		return types.RoutingOutcome{}, false
	}
	return d.outcome(in.Handoff.RoutingSignal, types.SourceEnvelopeFallback, nil), true
}

// escalate implements Strategy 5: the backstop that always produces an
// outcome.
func (d *Driver) escalate(reason string) types.RoutingOutcome {
	return d.outcome(types.RoutingSignal{
		Decision:   types.DecisionTerminate,
		NeedsHuman: true,
		Reason:     reason,
	}, types.SourceEscalate, nil)
}

func (d *Driver) outcome(signal types.RoutingSignal, source types.RoutingSource, candidates []types.RoutingCandidate) types.RoutingOutcome {
	if d.Metrics != nil {
		telemetry.RecordRoutingStrategy(d.Metrics, string(source), string(signal.Decision))
	}
	if signal.Explanation == nil && len(candidates) > 0 {
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.CandidateID
		}
		signal.Explanation = &types.RoutingExplanation{
			CandidateIDs:    ids,
			ChosenCandidate: signal.ChosenCandidateID,
		}
	}
	return types.RoutingOutcome{Signal: signal, RoutingSource: source, Candidates: candidates}
}
