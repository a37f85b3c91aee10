// Package navigator implements the small, pure primitives the Routing
// Driver's Navigator strategy consumes (spec.md §4.6): rewriting a PAUSE into
// a DETOUR when a clarifier sidequest is available, registering injected
// nodes for DETOUR and EXTEND_GRAPH intents, and advancing or unwinding the
// interruption/resume stacks as a multi-step sidequest progresses. Every
// function here takes a *types.RunState and either mutates it in a
// well-defined way or leaves it untouched on rejection — none of them talk to
// a store, a network, or an LLM.
package navigator

import (
	"fmt"
	"time"

	"github.com/flowstep/orchestrator/sidequest"
	"github.com/flowstep/orchestrator/stationlib"
	"github.com/flowstep/orchestrator/types"
)

// Intent is the closed set of actions a Navigator LLM turn may request.
type Intent string

const (
	IntentAdvance     Intent = "ADVANCE"
	IntentPause       Intent = "PAUSE"
	IntentDetour      Intent = "DETOUR"
	IntentExtendGraph Intent = "EXTEND_GRAPH"
)

// DetourRequest names the sidequest a DETOUR intent targets.
type DetourRequest struct {
	SidequestID string `json:"sidequest_id"`
}

// ExtendGraphRequest describes a run-local node a Navigator wants to inject.
type ExtendGraphRequest struct {
	StationID  string         `json:"station_id"`
	AgentKey   string         `json:"agent_key,omitempty"`
	Role       string         `json:"role,omitempty"`
	Params     map[string]any `json:"params,omitempty"`
	IsReturn   bool           `json:"is_return"`
	Reason     string         `json:"reason,omitempty"`
	TargetEdge string         `json:"target_edge,omitempty"`
}

// Output is a single Navigator turn's verdict, already decoded from its LLM
// response into a structured shape.
type Output struct {
	Intent            Intent                    `json:"intent"`
	Reasoning         string                    `json:"reasoning,omitempty"`
	ChosenCandidate   string                    `json:"chosen_candidate_id,omitempty"`
	Confidence        float64                   `json:"confidence,omitempty"`
	NeedsHuman        bool                      `json:"needs_human"`
	NoHumanMidFlow    bool                      `json:"no_human_mid_flow"`
	Detour            *DetourRequest            `json:"detour_request,omitempty"`
	ExtendGraph       *ExtendGraphRequest       `json:"extend_graph_request,omitempty"`
	SkipJustification *types.SkipJustification  `json:"skip_justification,omitempty"`
}

// ConfidenceOr returns Confidence if it was set (non-zero), else fallback.
func (o Output) ConfidenceOr(fallback float64) float64 {
	if o.Confidence != 0 {
		return o.Confidence
	}
	return fallback
}

// RewritePauseToDetour implements spec.md §4.6: a PAUSE with
// no_human_mid_flow=true is rewritten to DETOUR targeting the "clarifier"
// sidequest when one exists in the catalog; needs_human is cleared. Any other
// intent, or a PAUSE with no clarifier available, passes through unchanged
// (B4: with no clarifier in the catalog, PAUSE passes through).
func RewritePauseToDetour(out Output, catalog *sidequest.Catalog) Output {
	if out.Intent != IntentPause {
		return out
	}
	if !out.NoHumanMidFlow || catalog == nil || !catalog.HasClarifier() {
		return out
	}
	reason := out.Reasoning
	if reason == "" {
		reason = "no_human_mid_flow"
	} else {
		reason = reason + " (no_human_mid_flow)"
	}
	out.Intent = IntentDetour
	out.NeedsHuman = false
	out.Reasoning = reason
	out.Detour = &DetourRequest{SidequestID: "clarifier"}
	return out
}

// ApplyDetourRequest registers all steps of the requested sidequest as
// InjectedNodeSpecs, pushes an InterruptionFrame and ResumePoint onto
// run_state, and returns the id of the first injected node. It rejects
// (returning "", false, err) without mutating run_state when the sidequest is
// unknown or the detour depth is already at MaxDetourDepth.
func ApplyDetourRequest(out Output, rs *types.RunState, catalog *sidequest.Catalog, currentNode string) (string, bool, error) {
	if out.Detour == nil || out.Detour.SidequestID == "" {
		return "", false, fmt.Errorf("navigator: detour request missing sidequest id")
	}
	sq, ok := catalog.Get(out.Detour.SidequestID)
	if !ok {
		return "", false, fmt.Errorf("navigator: unknown sidequest %q", out.Detour.SidequestID)
	}
	if rs.DetourDepth() >= types.MaxDetourDepth {
		return "", false, fmt.Errorf("navigator: detour depth %d at max %d", rs.DetourDepth(), types.MaxDetourDepth)
	}
	if len(sq.Steps) == 0 {
		return "", false, fmt.Errorf("navigator: sidequest %q has no steps", sq.ID)
	}

	if rs.InjectedNodeSpecs == nil {
		rs.InjectedNodeSpecs = make(map[string]types.InjectedNodeSpec)
	}
	nodeIDs := make([]string, len(sq.Steps))
	for i, step := range sq.Steps {
		nodeID := fmt.Sprintf("sq-%s-%d", sq.ID, i)
		nodeIDs[i] = nodeID
		rs.InjectedNodeSpecs[nodeID] = types.InjectedNodeSpec{
			NodeID:          nodeID,
			StationID:       step.StationID,
			AgentKey:        step.AgentKey,
			Role:            step.Role,
			SidequestOrigin: sq.ID,
			SequenceIndex:   i,
			TotalInSequence: len(sq.Steps),
		}
		rs.InjectedNodes = append(rs.InjectedNodes, nodeID)
	}

	frame := types.InterruptionFrame{
		Reason:           out.Reasoning,
		InterruptedAt:    time.Now().UTC(),
		ReturnNode:       currentNode,
		CurrentStepIndex: 0,
		TotalSteps:       len(sq.Steps),
		SidequestID:      sq.ID,
	}
	resume := types.ResumePoint{ReturnNode: currentNode, PushedAt: time.Now().UTC()}
	if err := rs.PushDetour(frame, resume); err != nil {
		return "", false, err
	}
	return nodeIDs[0], true, nil
}

// ApplyExtendGraphRequest validates the proposed station against the Station
// Library; on rejection it returns ("", false, nil) and leaves run_state
// untouched. On acceptance it registers a run-local InjectedNodeSpec and
// pushes an InterruptionFrame (a single-step "sidequest" of one node so the
// existing completion bookkeeping applies uniformly) together with a
// ResumePoint at currentNode. Both are pushed whether or not IsReturn is set,
// so completing the injected node always returns to currentNode; IsReturn
// only travels in the graph_patch_suggested payload.
func ApplyExtendGraphRequest(out Output, rs *types.RunState, currentNode string, stations *stationlib.Library) (string, bool, error) {
	if out.ExtendGraph == nil || out.ExtendGraph.StationID == "" {
		return "", false, fmt.Errorf("navigator: extend_graph request missing station id")
	}
	if stations == nil || !stations.Exists(out.ExtendGraph.StationID) {
		return "", false, nil
	}
	if rs.DetourDepth() >= types.MaxDetourDepth {
		return "", false, fmt.Errorf("navigator: detour depth %d at max %d", rs.DetourDepth(), types.MaxDetourDepth)
	}

	nodeID := fmt.Sprintf("ext-%s-%d", out.ExtendGraph.StationID, len(rs.InjectedNodes))
	if rs.InjectedNodeSpecs == nil {
		rs.InjectedNodeSpecs = make(map[string]types.InjectedNodeSpec)
	}
	rs.InjectedNodeSpecs[nodeID] = types.InjectedNodeSpec{
		NodeID:          nodeID,
		StationID:       out.ExtendGraph.StationID,
		AgentKey:        out.ExtendGraph.AgentKey,
		Role:            out.ExtendGraph.Role,
		Params:          out.ExtendGraph.Params,
		SequenceIndex:   0,
		TotalInSequence: 1,
	}
	rs.InjectedNodes = append(rs.InjectedNodes, nodeID)

	frame := types.InterruptionFrame{
		Reason:           out.ExtendGraph.Reason,
		InterruptedAt:    time.Now().UTC(),
		ReturnNode:       currentNode,
		CurrentStepIndex: 0,
		TotalSteps:       1,
	}
	resume := types.ResumePoint{ReturnNode: currentNode, PushedAt: time.Now().UTC()}
	if !out.ExtendGraph.IsReturn {
		// PushDetour keeps both stacks in lock-step, so the ResumePoint is
		// pushed here too; CheckAndHandleDetourCompletion resumes at
		// currentNode exactly as it does for IsReturn.
		if err := rs.PushDetour(frame, resume); err != nil {
			return "", false, err
		}
		return nodeID, true, nil
	}
	if err := rs.PushDetour(frame, resume); err != nil {
		return "", false, err
	}
	return nodeID, true, nil
}

// GraphPatchSuggested is the structured payload emitted as a
// graph_patch_suggested event whenever EXTEND_GRAPH is accepted, so that
// offline analysis can later consider promoting the run-local node into the
// durable flow definition.
type GraphPatchSuggested struct {
	Patch          map[string]any `json:"patch"`
	Reason         string         `json:"reason,omitempty"`
	IsReturn       bool           `json:"is_return"`
	InjectedForRun bool           `json:"injected_for_run"`
}

// BuildGraphPatchSuggested constructs the event payload described in
// spec.md §4.6. The caller is responsible for calling append_event with it;
// this function stays pure.
func BuildGraphPatchSuggested(req ExtendGraphRequest, nodeID, currentNode string) GraphPatchSuggested {
	nodePatch := map[string]any{
		"node_id":    nodeID,
		"station_id": req.StationID,
		"agent_key":  req.AgentKey,
		"role":       req.Role,
	}
	edgePatch := map[string]any{
		"from": currentNode,
		"to":   nodeID,
	}
	return GraphPatchSuggested{
		Patch:          map[string]any{"node_patch": nodePatch, "edge_patch": edgePatch},
		Reason:         req.Reason,
		IsReturn:       req.IsReturn,
		InjectedForRun: true,
	}
}

// CompletionOutcome reports what check_and_handle_detour_completion decided.
type CompletionOutcome struct {
	// NextInjectedNodeID is set when the sidequest has more steps to run.
	NextInjectedNodeID string
	// Advanced is true when NextInjectedNodeID is the result (multi-step
	// sidequest continuing).
	Advanced bool
	// Finished is true once the top frame has been popped: ReturnNode,
	// BounceTarget, or Halted describe where to go.
	Finished bool
	// ReturnNode is the node to resume at (ReturnToResumePoint behavior).
	ReturnNode string
	// BounceTarget is the node to jump to instead (ReturnBounce behavior).
	BounceTarget string
	// Halted is true when the sidequest's ReturnBehavior is ReturnHalt: the
	// run ends once this detour completes.
	Halted bool
}

// CheckAndHandleDetourCompletion advances a multi-step sidequest's cursor, or
// — once its last step has run — pops the interruption/resume stacks and
// reports where execution continues, per the completed sidequest's
// ReturnBehavior. Returns (CompletionOutcome{}, false) when there is no
// active detour at all (empty interruption stack).
func CheckAndHandleDetourCompletion(rs *types.RunState, catalog *sidequest.Catalog) (CompletionOutcome, bool) {
	frame := rs.TopFrame()
	if frame == nil {
		return CompletionOutcome{}, false
	}
	if frame.CurrentStepIndex+1 < frame.TotalSteps {
		frame.CurrentStepIndex++
		nodeID := fmt.Sprintf("sq-%s-%d", frame.SidequestID, frame.CurrentStepIndex)
		return CompletionOutcome{NextInjectedNodeID: nodeID, Advanced: true}, true
	}

	resume, ok := rs.PopDetour()
	if !ok {
		return CompletionOutcome{}, false
	}

	// A run-local EXTEND_GRAPH frame carries no SidequestID; it always
	// resumes at its saved ResumePoint.
	if frame.SidequestID == "" {
		return CompletionOutcome{Finished: true, ReturnNode: resume.ReturnNode}, true
	}

	sq, ok := catalog.Get(frame.SidequestID)
	if !ok {
		return CompletionOutcome{Finished: true, ReturnNode: resume.ReturnNode}, true
	}
	switch sq.EffectiveReturnBehavior() {
	case sidequest.ReturnBounce:
		return CompletionOutcome{Finished: true, BounceTarget: sq.BounceTarget}, true
	case sidequest.ReturnHalt:
		return CompletionOutcome{Finished: true, Halted: true}, true
	default:
		return CompletionOutcome{Finished: true, ReturnNode: resume.ReturnNode}, true
	}
}

// GetCurrentDetourDepth returns the length of the interruption stack.
func GetCurrentDetourDepth(rs *types.RunState) int {
	return rs.DetourDepth()
}
