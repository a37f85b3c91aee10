package routing

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/flowstep/orchestrator/flowreg"
	"github.com/flowstep/orchestrator/telemetry"
	"github.com/flowstep/orchestrator/types"
)

// ComputeProgressSignature hashes a step's file-change evidence plus any
// error string into a short signature, the input stall detection compares
// across consecutive iterations (spec.md §4.4 Microloop accounting, exit
// condition 3).
func ComputeProgressSignature(handoff types.HandoffEnvelope) string {
	paths := make([]string, 0, len(handoff.FileChanges))
	for _, fc := range handoff.FileChanges {
		paths = append(paths, fc.ChangeType+":"+fc.Path)
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, p := range paths {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	h.Write([]byte(handoff.Error))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func canFurtherIterationHelpFalse(handoff types.HandoffEnvelope) bool {
	v, ok := handoff.VerificationDetails["can_further_iteration_help"]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && !b
}

func statusMatches(status string, successValues []string) bool {
	for _, v := range successValues {
		if v == status {
			return true
		}
	}
	return false
}

// applyMicroloopAccounting intercepts a "loop" decision for a step that
// declares a loop_target: it increments run_state.loop_state[step.id],
// evaluates the four exit conditions in priority order, and rewrites the
// outcome to either continue looping (decision stays "loop", next_step_id =
// loop_target) or exit (decision becomes "advance", leaving next_step_id to
// whatever edge the step's normal routing already resolved). Steps without a
// loop_target are untouched — they cannot loop at all.
func (d *Driver) applyMicroloopAccounting(in Input, outcome *types.RoutingOutcome) {
	step := in.Step
	if step.LoopTarget == "" || outcome.Signal.Decision != types.DecisionLoop {
		return
	}
	if in.RunState.LoopState == nil {
		in.RunState.LoopState = make(map[string]int)
	}
	iteration := in.RunState.LoopState[step.ID] + 1
	in.RunState.LoopState[step.ID] = iteration
	if d.Metrics != nil {
		telemetry.RecordMicroloopIteration(d.Metrics, step.ID)
	}

	successValues := step.LoopSuccessValues
	if len(successValues) == 0 {
		successValues = defaultLoopSuccessValues
	}
	maxIterations := in.MaxIteration
	if maxIterations <= 0 {
		maxIterations = step.MaxIterations
	}
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	exit := false
	reason := outcome.Signal.Reason
	switch {
	case statusMatches(in.Handoff.Status, successValues):
		exit, reason = true, "critic status matched a loop_success_value"
	case canFurtherIterationHelpFalse(in.Handoff):
		exit, reason = true, "critic reported can_further_iteration_help=false"
	case in.Digest.StallDetected:
		exit, reason = true, "stall detected: repeated progress_signature across iterations"
	case iteration >= maxIterations:
		exit, reason = true, "max_iterations safety fuse reached"
	}

	outcome.Signal.LoopCount = iteration
	outcome.Signal.ExitConditionMet = exit
	outcome.Signal.Reason = reason
	if exit {
		outcome.Signal.Decision = types.DecisionAdvance
	} else {
		outcome.Signal.Decision = types.DecisionLoop
		outcome.Signal.NextStepID = step.LoopTarget
	}
}

// LoopTargetOf returns step's loop target, or "" for a step that cannot
// loop.
func LoopTargetOf(step flowreg.Step) string { return step.LoopTarget }
