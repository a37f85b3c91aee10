// Package orchestrator owns the outer stepwise-flow loop (spec.md §4.5): it
// starts or resumes a run, resolves each node (regular flow step, or an
// injected sidequest/extend_graph node), builds a ContextPack, invokes the
// step's engine via whichever of the two invocation paths it supports,
// forensically scans the workspace for file changes, routes through the
// unified Routing Driver, and commits the result durably before advancing.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/flowstep/orchestrator/clockid"
	"github.com/flowstep/orchestrator/contextpack"
	"github.com/flowstep/orchestrator/diffscan"
	"github.com/flowstep/orchestrator/engine"
	"github.com/flowstep/orchestrator/flowreg"
	"github.com/flowstep/orchestrator/navigator"
	"github.com/flowstep/orchestrator/routing"
	"github.com/flowstep/orchestrator/sidequest"
	"github.com/flowstep/orchestrator/stationlib"
	"github.com/flowstep/orchestrator/store"
	"github.com/flowstep/orchestrator/telemetry"
	"github.com/flowstep/orchestrator/types"
)

// Orchestrator wires every collaborator the step loop needs. Engines are
// looked up by RunSpec.Backend; at least one must be registered before Start
// is called with a matching backend id.
type Orchestrator struct {
	Store      *store.Store
	Flows      *flowreg.Registry
	Stations   *stationlib.Library
	Sidequests *sidequest.Catalog
	Engines    map[string]engine.StepEngine
	Routing    *routing.Driver
	Stops      StopChecker
	Logger     telemetry.Logger
	Tracer     telemetry.Tracer
	Clock      clockid.Clock

	// DefaultMode is the routing_mode used for every step of every run;
	// RunSpec.Params is not read for a per-run override.
	DefaultMode routing.Mode
	// ModelContextTokens feeds the budget resolver's per-model defaults.
	ModelContextTokens int
}

// New returns an Orchestrator with sane defaults for the optional fields.
func New(st *store.Store, flows *flowreg.Registry, stations *stationlib.Library, sidequests *sidequest.Catalog, engines map[string]engine.StepEngine, driver *routing.Driver, stops StopChecker, logger telemetry.Logger) *Orchestrator {
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}
	if stops == nil {
		stops = NewStopRegistry()
	}
	return &Orchestrator{
		Store:              st,
		Flows:              flows,
		Stations:           stations,
		Sidequests:         sidequests,
		Engines:            engines,
		Routing:            driver,
		Stops:              stops,
		Logger:             logger,
		Tracer:             telemetry.NoopTracer{},
		Clock:              clockid.RealClock{},
		DefaultMode:        routing.ModeAssist,
		ModelContextTokens: 200_000,
	}
}

// Start begins a new run: it allocates a run id, persists spec/meta, emits
// run_started, and drives the step loop until the run reaches a terminal
// state or a stop is requested.
func (o *Orchestrator) Start(ctx context.Context, spec types.RunSpec) (string, error) {
	if len(spec.FlowKeys) == 0 {
		return "", fmt.Errorf("orchestrator: run spec has no flow_keys")
	}
	runID, err := clockid.NewRunID(o.Clock)
	if err != nil {
		return "", fmt.Errorf("orchestrator: generate run id: %w", err)
	}
	if err := o.Store.CreateRunDir(ctx, runID); err != nil {
		return "", err
	}
	if err := o.Store.WriteSpec(ctx, runID, spec); err != nil {
		return "", err
	}
	now := o.Clock.Now()
	if err := o.Store.WriteSummary(ctx, runID, types.RunSummary{
		ID:        runID,
		Spec:      spec,
		Status:    types.RunPending,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return "", err
	}

	firstFlow := spec.FlowKeys[0]
	flowDef, ok := o.Flows.Get(firstFlow)
	if !ok {
		return "", fmt.Errorf("orchestrator: unknown flow key %q", firstFlow)
	}
	rs := types.RunState{
		RunID:            runID,
		FlowKey:          firstFlow,
		CurrentStepID:    flowDef.FirstStepID(),
		CurrentFlowIndex: 1,
		Status:           types.RunPending,
	}
	if err := o.Store.WriteRunState(ctx, runID, rs); err != nil {
		return "", err
	}

	if err := o.Stops.Register(ctx, runID); err != nil {
		return "", fmt.Errorf("orchestrator: register stop checker: %w", err)
	}
	o.Store.AppendEvent(ctx, &types.RunEvent{RunID: runID, Timestamp: now, Kind: types.EventRunStarted, FlowKey: firstFlow})

	if _, err := o.Store.UpdateSummary(ctx, runID, map[string]any{"status": types.RunRunning, "started_at": now}); err != nil {
		return runID, err
	}

	return runID, o.runLoop(ctx, runID, spec)
}

// Resume continues a previously started run from its persisted cursor. Only
// the cursor is replayed; no step side effects are re-executed.
func (o *Orchestrator) Resume(ctx context.Context, runID string) error {
	spec, ok, err := o.Store.ReadSpec(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("orchestrator: no spec found for run %s", runID)
	}
	rs, ok, err := o.Store.ReadRunState(ctx, runID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("orchestrator: no run_state found for run %s", runID)
	}
	if rs.Status.Terminal() {
		return fmt.Errorf("orchestrator: run %s already terminal (%s)", runID, rs.Status)
	}

	// A resume can start from a fresh *Store (process restart), whose
	// in-memory seq counter hasn't seen this run's prior events yet.
	// CreateRunDir is idempotent and seeds seq from events.jsonl before we
	// append run_resumed, so seq stays strictly monotonic across the restart.
	if err := o.Store.CreateRunDir(ctx, runID); err != nil {
		return err
	}

	if err := o.Stops.Register(ctx, runID); err != nil {
		return fmt.Errorf("orchestrator: register stop checker: %w", err)
	}
	o.Store.AppendEvent(ctx, &types.RunEvent{RunID: runID, Timestamp: o.Clock.Now(), Kind: types.EventRunResumed, FlowKey: rs.FlowKey})
	if _, err := o.Store.UpdateSummary(ctx, runID, map[string]any{"status": types.RunRunning}); err != nil {
		return err
	}

	return o.runLoop(ctx, runID, spec)
}

// runLoop drives the multi-flow outer loop: each inner call to runFlow walks
// one flow to completion (or interruption), then, if more flows remain in
// spec.FlowKeys, performs a macro_route transition into the next one.
func (o *Orchestrator) runLoop(ctx context.Context, runID string, spec types.RunSpec) error {
	defer func() {
		if err := o.Stops.Release(ctx, runID); err != nil {
			o.Logger.Warn(ctx, "orchestrator: release stop checker failed", "run_id", runID, "err", err)
		}
	}()

	for {
		rs, ok, err := o.Store.ReadRunState(ctx, runID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("orchestrator: run_state vanished for run %s", runID)
		}

		outcome, err := o.runFlow(ctx, runID, spec, rs.FlowKey)
		if err != nil {
			o.failRun(ctx, runID, rs.FlowKey, err)
			return err
		}

		switch outcome {
		case flowOutcomeStopped:
			return nil
		case flowOutcomeHalted:
			return o.Store.FinalizeRunSuccess(ctx, runID, rs.FlowKey, types.SDLCOK)
		case flowOutcomeCompleted:
			rs, _, err := o.Store.ReadRunState(ctx, runID)
			if err != nil {
				return err
			}
			nextIdx := rs.CurrentFlowIndex // 1-based index of the flow that just finished
			if nextIdx >= len(spec.FlowKeys) {
				return o.Store.FinalizeRunSuccess(ctx, runID, rs.FlowKey, types.SDLCOK)
			}
			nextFlowKey := spec.FlowKeys[nextIdx]
			if err := o.transitionFlow(ctx, runID, rs, nextFlowKey); err != nil {
				o.failRun(ctx, runID, rs.FlowKey, err)
				return err
			}
			continue
		default:
			return fmt.Errorf("orchestrator: unreachable flow outcome %v", outcome)
		}
	}
}

type flowOutcome int

const (
	flowOutcomeCompleted flowOutcome = iota
	flowOutcomeStopped
	flowOutcomeHalted
)

// transitionFlow performs the macro-route between two flows in a multi-flow
// run, itself logged as a RunEvent of kind macro_route (the supplemented
// feature grounded on original_source's macro_navigator.py).
func (o *Orchestrator) transitionFlow(ctx context.Context, runID string, rs types.RunState, nextFlowKey string) error {
	nextFlow, ok := o.Flows.Get(nextFlowKey)
	if !ok {
		return fmt.Errorf("orchestrator: unknown flow key %q", nextFlowKey)
	}
	now := o.Clock.Now()
	transition := types.FlowTransition{FromFlow: rs.FlowKey, ToFlow: nextFlowKey, Reason: "flow_complete", Timestamp: now}

	_, err := o.Store.UpdateRunState(ctx, runID, map[string]any{
		"flow_key":                nextFlowKey,
		"current_step_id":         nextFlow.FirstStepID(),
		"current_flow_index":      rs.CurrentFlowIndex + 1,
		"step_index":              0,
		"handoff_envelopes":       map[string]types.HandoffEnvelope{},
		"completed_nodes":         []string{},
		"flow_transition_history": append(append([]types.FlowTransition{}, rs.FlowTransitionHistory...), transition),
	})
	if err != nil {
		return err
	}
	o.Store.AppendEvent(ctx, &types.RunEvent{
		RunID:     runID,
		Timestamp: now,
		Kind:      types.EventMacroRoute,
		FlowKey:   rs.FlowKey,
		Payload:   map[string]any{"from_flow": rs.FlowKey, "to_flow": nextFlowKey},
	})
	return nil
}

func (o *Orchestrator) failRun(ctx context.Context, runID, flowKey string, cause error) {
	now := o.Clock.Now()
	_, err := o.Store.UpdateSummary(ctx, runID, map[string]any{
		"status":       types.RunFailed,
		"sdlc_status":  types.SDLCError,
		"completed_at": now,
		"error":        cause.Error(),
	})
	if err != nil {
		o.Logger.Error(ctx, "orchestrator: failed to persist run failure", "run_id", runID, "err", err)
	}
	o.Store.AppendEvent(ctx, &types.RunEvent{
		RunID:     runID,
		Timestamp: now,
		Kind:      types.EventRunFailed,
		FlowKey:   flowKey,
		Payload:   map[string]any{"error": cause.Error()},
	})
}

// runFlow walks one flow's steps to completion, stop, or a sidequest HALT.
func (o *Orchestrator) runFlow(ctx context.Context, runID string, spec types.RunSpec, flowKey string) (flowOutcome, error) {
	flowDef, ok := o.Flows.Get(flowKey)
	if !ok {
		return 0, fmt.Errorf("orchestrator: unknown flow key %q", flowKey)
	}

	for {
		if o.Stops.StopRequested(ctx, runID) {
			now := o.Clock.Now()
			if _, err := o.Store.UpdateSummary(ctx, runID, map[string]any{"status": types.RunStopped, "completed_at": now}); err != nil {
				return 0, err
			}
			if _, err := o.Store.UpdateRunState(ctx, runID, map[string]any{"status": types.RunStopped}); err != nil {
				return 0, err
			}
			o.Store.AppendEvent(ctx, &types.RunEvent{RunID: runID, Timestamp: now, Kind: types.EventRunStopped, FlowKey: flowKey})
			return flowOutcomeStopped, nil
		}

		rs, ok, err := o.Store.ReadRunState(ctx, runID)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("orchestrator: run_state missing for run %s", runID)
		}
		if rs.CurrentStepID == "" {
			return flowOutcomeCompleted, nil
		}

		step, isInjected, ok := o.resolveNode(&rs, flowDef, spec, rs.CurrentStepID)
		if !ok {
			return 0, fmt.Errorf("orchestrator: step %q not found in flow %q or injected nodes", rs.CurrentStepID, flowKey)
		}

		next, halted, err := o.runStep(ctx, runID, spec, flowKey, flowDef, &rs, step, isInjected)
		if err != nil {
			return 0, err
		}
		if halted {
			return flowOutcomeHalted, nil
		}

		if _, err := o.Store.UpdateRunState(ctx, runID, map[string]any{"current_step_id": next}); err != nil {
			return 0, err
		}
	}
}

// resolveNode implements spec.md §4.5 step "Resolve node": an injected node
// (pushed by a prior DETOUR or EXTEND_GRAPH) always wins over a regular
// FlowDefinition step with the same id.
func (o *Orchestrator) resolveNode(rs *types.RunState, flowDef *flowreg.FlowDefinition, spec types.RunSpec, id string) (flowreg.Step, bool, bool) {
	if rs.InjectedNodeSpecs != nil {
		if injSpec, ok := rs.InjectedNodeSpecs[id]; ok {
			return flowreg.Step{
				ID:               injSpec.NodeID,
				StationID:        injSpec.StationID,
				AgentKey:         injSpec.AgentKey,
				Role:             injSpec.Role,
				LifecycleCapable: true,
			}, true, true
		}
	}
	step, ok := flowDef.StepByID(id)
	return step, false, ok
}

// runStep executes exactly one step: builds its context, invokes the engine,
// commits the result, and routes to the next node id. halted reports a
// sidequest ReturnHalt, which ends the run outright.
func (o *Orchestrator) runStep(ctx context.Context, runID string, spec types.RunSpec, flowKey string, flowDef *flowreg.FlowDefinition, rs *types.RunState, step flowreg.Step, isInjected bool) (nextID string, halted bool, err error) {
	eng, ok := o.Engines[spec.Backend]
	if !ok {
		return "", false, fmt.Errorf("orchestrator: no engine registered for backend %q", spec.Backend)
	}

	started := o.Clock.Now()
	o.Store.AppendEvent(ctx, &types.RunEvent{RunID: runID, Timestamp: started, Kind: types.EventStepStarted, FlowKey: flowKey, StepID: step.ID, AgentKey: step.AgentKey})

	if o.Tracer != nil {
		var span telemetry.Span
		ctx, span = telemetry.StartStepSpan(ctx, o.Tracer, flowKey, step.ID)
		defer span.End()
	}

	pack := o.buildPack(ctx, runID, spec, flowKey, rs, step)
	in := engine.StepInput{
		RunID:         runID,
		FlowKey:       flowKey,
		StepID:        step.ID,
		StationID:     step.StationID,
		AgentKey:      step.AgentKey,
		Pack:          pack,
		ToolAllowList: engine.ToolAllowList(step.Role),
		Params:        spec.Params,
	}

	lifecycleEng, canLifecycle := engine.IsLifecycleCapable(eng)
	var (
		result   engine.StepResult
		events   []engine.Event
		envelope types.HandoffEnvelope
		changes  []types.FileChange
	)

	if canLifecycle && step.LifecycleCapable {
		workspace := o.Store.WorkspaceDir(runID)
		before, scanErr := diffscan.Scan(workspace)
		if scanErr != nil {
			return "", false, fmt.Errorf("orchestrator: snapshot workspace before step %s: %w", step.ID, scanErr)
		}

		var work engine.WorkSummary
		var runErr error
		result, events, work, runErr = lifecycleEng.RunWorker(ctx, in)
		if runErr != nil {
			result = engine.StepResult{Status: "failed", Error: runErr.Error()}
		}

		after, scanErr := diffscan.Scan(workspace)
		if scanErr != nil {
			return "", false, fmt.Errorf("orchestrator: snapshot workspace after step %s: %w", step.ID, scanErr)
		}
		changes = diffscan.Diff(before, after)
		o.Store.AppendEvent(ctx, &types.RunEvent{
			RunID: runID, Timestamp: o.Clock.Now(), Kind: types.EventFileChanges, FlowKey: flowKey, StepID: step.ID,
			Payload: map[string]any{"changes": changes},
		})

		finalized, finErr := lifecycleEng.FinalizeStep(ctx, in, result, work)
		if finErr != nil {
			return "", false, fmt.Errorf("orchestrator: finalize_step for %s: %w", step.ID, finErr)
		}
		envelope = finalized.Envelope
		envelope.FileChanges = changes // forensic record always wins over self-report

		routeSignal, routeErr := lifecycleEng.RouteStep(ctx, in, envelope)
		if routeErr != nil {
			o.Logger.Warn(ctx, "orchestrator: engine route_step failed", "run_id", runID, "step_id", step.ID, "err", routeErr)
		} else {
			envelope.RoutingSignal = routeSignal
		}

		o.Store.AppendEvent(ctx, &types.RunEvent{
			RunID: runID, Timestamp: o.Clock.Now(), Kind: types.EventLifecyclePhasesComplete, FlowKey: flowKey, StepID: step.ID,
		})
	} else {
		var runErr error
		result, events, runErr = eng.RunStep(ctx, in)
		if runErr != nil {
			result = engine.StepResult{Status: "failed", Error: runErr.Error()}
		}
		envelope = types.HandoffEnvelope{
			StepID:             step.ID,
			FlowKey:            flowKey,
			RunID:              runID,
			Summary:            result.Output,
			Status:             result.Status,
			Error:              result.Error,
			StationID:          step.StationID,
			Timestamp:          o.Clock.Now(),
			VerificationPassed: result.Status == "completed",
		}
	}

	duration := o.Clock.Now().Sub(started)
	envelope.DurationMs = duration.Milliseconds()

	if err := contextpack.ValidateEnvelope(envelope); err != nil {
		return "", false, fmt.Errorf("orchestrator: step %s produced an invalid handoff envelope: %w", step.ID, err)
	}

	for _, ev := range events {
		o.Store.AppendEvent(ctx, &types.RunEvent{RunID: runID, Timestamp: o.Clock.Now(), Kind: ev.Kind, FlowKey: flowKey, StepID: step.ID, Payload: ev.Payload})
	}
	o.Store.AppendEvent(ctx, &types.RunEvent{
		RunID: runID, Timestamp: o.Clock.Now(), Kind: types.EventStepTiming, FlowKey: flowKey, StepID: step.ID,
		Payload: map[string]any{"duration_ms": envelope.DurationMs},
	})

	completedNodes := append(append([]string{}, rs.CompletedNodes...), step.ID)
	newRS, err := o.Store.CommitStepCompletion(ctx, runID, flowKey, envelope, map[string]any{
		"step_index":      rs.StepIndex + 1,
		"status":          types.RunRunning,
		"completed_nodes": completedNodes,
	})
	if err != nil {
		return "", false, fmt.Errorf("orchestrator: commit step %s: %w", step.ID, err)
	}
	*rs = newRS

	o.Store.AppendEvent(ctx, &types.RunEvent{
		RunID: runID, Timestamp: o.Clock.Now(), Kind: types.EventStepCompleted, FlowKey: flowKey, StepID: step.ID,
		Payload: map[string]any{"status": envelope.Status},
	})

	nextID, halted, err = o.route(ctx, runID, flowKey, rs, step, envelope, changes, isInjected)
	return nextID, halted, err
}

// route decides the next node id: a sidequest/extend_graph node continues
// its fixed injected sequence via navigator.CheckAndHandleDetourCompletion;
// everything else goes through the unified Routing Driver.
func (o *Orchestrator) route(ctx context.Context, runID, flowKey string, rs *types.RunState, step flowreg.Step, envelope types.HandoffEnvelope, changes []types.FileChange, isInjected bool) (string, bool, error) {
	if isInjected && rs.DetourDepth() > 0 {
		out, ok := navigator.CheckAndHandleDetourCompletion(rs, o.Sidequests)
		if !ok {
			return "", false, fmt.Errorf("orchestrator: step %s resolved as injected but no active detour frame", step.ID)
		}
		if _, err := o.Store.UpdateRunState(ctx, runID, map[string]any{
			"interruption_stack": rs.InterruptionStack,
			"resume_stack":       rs.ResumeStack,
		}); err != nil {
			return "", false, err
		}
		signal := types.RoutingSignal{Decision: types.DecisionAdvance, Confidence: 1.0, Reason: "sidequest sequence"}
		var next string
		switch {
		case out.Advanced:
			next = out.NextInjectedNodeID
			signal.NextStepID = next
		case out.Halted:
			signal.Decision = types.DecisionTerminate
			signal.Reason = "sidequest return_behavior=halt"
		case out.BounceTarget != "":
			next = out.BounceTarget
			signal.NextStepID = next
			signal.Reason = "sidequest return_behavior=bounce_to"
		default:
			next = out.ReturnNode
			signal.NextStepID = next
			signal.Reason = "sidequest return_behavior=resume_point"
		}
		o.Store.AppendEvent(ctx, &types.RunEvent{
			RunID: runID, Timestamp: o.Clock.Now(), Kind: types.EventStepRouted, FlowKey: flowKey, StepID: step.ID,
			Payload: map[string]any{"decision": string(signal.Decision), "next_step_id": next, "routing_source": string(types.SourceNavigatorDetour)},
		})
		return next, out.Halted, nil
	}

	mode := o.routingMode(envelope)
	digest := routing.Digest{
		VerificationPassed: envelope.VerificationPassed,
		FileChangeSummary:  summarizeChanges(changes),
		ProgressSignature:  routing.ComputeProgressSignature(envelope),
	}
	digest.StallDetected = o.stallDetected(rs, step, digest.ProgressSignature)

	outcome := o.Routing.RouteStep(ctx, routing.Input{
		RunID:       runID,
		FlowKey:     flowKey,
		Step:        step,
		StepResult:  routing.StepResult{NextStepID: envelope.RoutingSignal.NextStepID, Status: envelope.Status},
		RunState:    rs,
		Handoff:     envelope,
		Mode:        mode,
		StepContext: map[string]any{"status": envelope.Status, "verification_passed": envelope.VerificationPassed},
		Digest:      digest,
	})

	if _, err := o.Store.UpdateRunState(ctx, runID, map[string]any{
		"loop_state":          rs.LoopState,
		"interruption_stack":  rs.InterruptionStack,
		"resume_stack":        rs.ResumeStack,
		"injected_nodes":      rs.InjectedNodes,
		"injected_node_specs": rs.InjectedNodeSpecs,
	}); err != nil {
		return "", false, err
	}

	o.Store.AppendEvent(ctx, &types.RunEvent{
		RunID: runID, Timestamp: o.Clock.Now(), Kind: types.EventStepRouted, FlowKey: flowKey, StepID: step.ID,
		Payload: map[string]any{
			"decision":       string(outcome.Signal.Decision),
			"next_step_id":   outcome.Signal.NextStepID,
			"routing_source": string(outcome.RoutingSource),
			"needs_human":    outcome.Signal.NeedsHuman,
		},
	})

	switch outcome.Signal.Decision {
	case types.DecisionTerminate:
		return "", false, nil
	default:
		return outcome.Signal.NextStepID, false, nil
	}
}

// stallDetected compares the current progress signature's hash against the
// last one recorded for this step id, the input the deterministic stall-exit
// condition (spec.md §4.4 exit condition 3) needs. RunState.LoopState only
// stores ints, so the signature itself is folded into one via fnv rather
// than carried verbatim.
func (o *Orchestrator) stallDetected(rs *types.RunState, step flowreg.Step, signature string) bool {
	if step.LoopTarget == "" || signature == "" {
		return false
	}
	if rs.LoopState == nil {
		rs.LoopState = make(map[string]int)
	}
	key := "sig:" + step.ID
	hash := int(fnvHash(signature))
	prev, seen := rs.LoopState[key]
	rs.LoopState[key] = hash
	return seen && prev == hash
}

func fnvHash(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func summarizeChanges(changes []types.FileChange) string {
	if len(changes) == 0 {
		return "no file changes observed"
	}
	return fmt.Sprintf("%d file(s) changed", len(changes))
}

// routingMode returns Orchestrator.DefaultMode for every step. RunSpec
// carries no dedicated field for this (spec.md §6 RunSpec JSON has no
// routing_mode key), and RunSpec.Params is not consulted.
func (o *Orchestrator) routingMode(envelope types.HandoffEnvelope) routing.Mode {
	return o.DefaultMode
}

// buildPack assembles the ContextPack for one step invocation.
func (o *Orchestrator) buildPack(ctx context.Context, runID string, spec types.RunSpec, flowKey string, rs *types.RunState, step flowreg.Step) contextpack.Pack {
	flowBases := make(map[string]string, len(spec.FlowKeys))
	for _, fk := range spec.FlowKeys {
		flowBases[fk] = o.Store.FlowBaseDir(runID, fk)
	}

	var prior []types.HandoffEnvelope
	for _, id := range rs.CompletedNodes {
		if env, ok := rs.HandoffEnvelopes[id]; ok {
			prior = append(prior, env)
		}
	}

	flowDef, _ := o.Flows.Get(flowKey)
	flowPrompt := ""
	if flowDef != nil {
		flowPrompt = flowDef.Prompt
	}
	persona := ""
	if st, ok := o.Stations.Get(step.StationID); ok {
		persona = st.Description
	}

	return contextpack.Build(contextpack.BuildInput{
		RunID:   runID,
		FlowKey: flowKey,
		StepID:  step.ID,
		Paths: contextpack.Paths{
			RunBase:       o.Store.FlowBaseDir(runID, flowKey),
			ParentRunBase: filepath.Dir(o.Store.FlowBaseDir(runID, flowKey)),
			RepoRoot:      o.Store.WorkspaceDir(runID),
		},
		FlowBases:          flowBases,
		PriorEnvelopes:     prior,
		ModelContextTokens: o.ModelContextTokens,
		FlowPrompt:         flowPrompt,
		AgentPersona:       persona,
	})
}

