package types

import (
	"fmt"
	"time"
)

// MaxDetourDepth bounds the interruption and resume stacks (spec.md §3
// invariant 5, property P5).
const MaxDetourDepth = 10

// InterruptionFrame records one nested detour/sidequest in progress.
type InterruptionFrame struct {
	Reason           string         `json:"reason"`
	InterruptedAt    time.Time      `json:"interrupted_at"`
	ReturnNode       string         `json:"return_node"`
	ContextSnapshot  map[string]any `json:"context_snapshot,omitempty"`
	CurrentStepIndex int            `json:"current_step_index"`
	TotalSteps       int            `json:"total_steps"`
	SidequestID      string         `json:"sidequest_id"`
}

// Complete reports whether this frame has advanced through every injected
// step in its sidequest; only then may it be popped.
func (f InterruptionFrame) Complete() bool {
	return f.CurrentStepIndex >= f.TotalSteps
}

// ResumePoint records where execution should return to once the detour atop
// it completes.
type ResumePoint struct {
	ReturnNode string         `json:"return_node"`
	PushedAt   time.Time      `json:"pushed_at"`
	Labels     map[string]any `json:"labels,omitempty"`
}

// InjectedNodeSpec describes a run-local graph node created at runtime by a
// DETOUR or EXTEND_GRAPH Navigator intent. It is resolved by id, never by
// object pointer, so the run-state JSON stays a plain indexed collection
// (design note "cyclic structures").
type InjectedNodeSpec struct {
	NodeID         string         `json:"node_id"`
	StationID      string         `json:"station_id"`
	TemplateID     string         `json:"template_id,omitempty"`
	AgentKey       string         `json:"agent_key,omitempty"`
	Role           string         `json:"role,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
	SidequestOrigin string        `json:"sidequest_origin,omitempty"`
	SequenceIndex  int            `json:"sequence_index"`
	TotalInSequence int           `json:"total_in_sequence"`
}

// FlowTransition records a macro-route between flows within a multi-flow run.
type FlowTransition struct {
	FromFlow  string    `json:"from_flow"`
	ToFlow    string    `json:"to_flow"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RunState is the durable program counter for a run: what is about to run
// next, the microloop iteration counters, the detour/resume stacks, and the
// map of completed handoff envelopes.
type RunState struct {
	RunID         string `json:"run_id"`
	FlowKey       string `json:"flow_key"`
	CurrentStepID string `json:"current_step_id,omitempty"`
	StepIndex     int    `json:"step_index"`

	// LoopState maps a microloop step id to its current iteration count.
	LoopState map[string]int `json:"loop_state,omitempty"`

	HandoffEnvelopes map[string]HandoffEnvelope `json:"handoff_envelopes,omitempty"`

	Status    RunStatus `json:"status"`
	Timestamp time.Time `json:"timestamp"`

	// CurrentFlowIndex is 1-based: index 0 means no flow has started yet.
	CurrentFlowIndex int              `json:"current_flow_index"`
	FlowTransitionHistory []FlowTransition `json:"flow_transition_history,omitempty"`

	InterruptionStack []InterruptionFrame `json:"interruption_stack,omitempty"`
	ResumeStack       []ResumePoint       `json:"resume_stack,omitempty"`

	InjectedNodes     []string                    `json:"injected_nodes,omitempty"`
	InjectedNodeSpecs map[string]InjectedNodeSpec `json:"injected_node_specs,omitempty"`

	CompletedNodes []string `json:"completed_nodes,omitempty"`
}

// PushDetour pushes a new interruption frame and resume point, enforcing
// MaxDetourDepth (spec.md property P5). Returns an error without mutating
// state if the stack is already at capacity.
func (s *RunState) PushDetour(frame InterruptionFrame, resume ResumePoint) error {
	if len(s.InterruptionStack) >= MaxDetourDepth {
		return fmt.Errorf("runstate: detour depth %d exceeds max %d", len(s.InterruptionStack), MaxDetourDepth)
	}
	s.InterruptionStack = append(s.InterruptionStack, frame)
	s.ResumeStack = append(s.ResumeStack, resume)
	return nil
}

// DetourDepth returns the length of the interruption stack.
func (s *RunState) DetourDepth() int {
	return len(s.InterruptionStack)
}

// TopFrame returns a pointer to the innermost interruption frame, or nil if
// the stack is empty. The pointer aliases the slice element so callers can
// mutate CurrentStepIndex in place.
func (s *RunState) TopFrame() *InterruptionFrame {
	if len(s.InterruptionStack) == 0 {
		return nil
	}
	return &s.InterruptionStack[len(s.InterruptionStack)-1]
}

// PopDetour removes the innermost interruption frame and resume point,
// returning the resume point. It is a no-op (returns the zero value and
// false) if the stacks are empty.
func (s *RunState) PopDetour() (ResumePoint, bool) {
	if len(s.InterruptionStack) == 0 {
		return ResumePoint{}, false
	}
	n := len(s.InterruptionStack) - 1
	s.InterruptionStack = s.InterruptionStack[:n]
	rn := len(s.ResumeStack) - 1
	resume := s.ResumeStack[rn]
	s.ResumeStack = s.ResumeStack[:rn]
	return resume, true
}
