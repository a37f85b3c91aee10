package types

import "time"

// EventKind is the open-ended vocabulary of RunEvent kinds. Standard kinds
// are declared below but the store never validates against this list:
// unrecognized kinds are persisted and read back exactly as written.
type EventKind string

const (
	EventRunStarted   EventKind = "run_started"
	EventRunCompleted EventKind = "run_completed"
	EventRunFailed    EventKind = "run_failed"
	EventRunStopped   EventKind = "run_stopped"
	EventRunResumed   EventKind = "run_resumed"

	EventStepStarted   EventKind = "step_started"
	EventStepCompleted EventKind = "step_completed"
	EventStepRouted    EventKind = "step_routed"

	EventToolStart EventKind = "tool_start"
	EventToolEnd   EventKind = "tool_end"

	EventAssistantMessage EventKind = "assistant_message"
	EventUserMessage      EventKind = "user_message"

	EventFileChanges             EventKind = "file_changes"
	EventLifecyclePhasesComplete EventKind = "lifecycle_phases_completed"
	EventStepTiming              EventKind = "step_timing"

	EventGraphPatchSuggested EventKind = "graph_patch_suggested"
	EventDetourTaken         EventKind = "detour_taken"
	EventSidequestStart      EventKind = "sidequest_start"
	EventSidequestComplete   EventKind = "sidequest_complete"
	EventLoopStallDetected   EventKind = "loop_stall_detected"
	EventForkStarted         EventKind = "fork_started"
	EventForkCompleted       EventKind = "fork_completed"
	EventVerificationResult  EventKind = "verification_result"
	EventMacroRoute          EventKind = "macro_route"
)

// RunEvent is a single append-only journal entry. Seq and EventID are
// assigned by the store at write time; a RunEvent constructed by a caller
// leaves them zero/empty.
type RunEvent struct {
	RunID     string         `json:"run_id"`
	Timestamp time.Time      `json:"ts"`
	Kind      EventKind      `json:"kind"`
	FlowKey   string         `json:"flow_key"`
	EventID   string         `json:"event_id"`
	Seq       int64          `json:"seq"`
	StepID    string         `json:"step_id,omitempty"`
	AgentKey  string         `json:"agent_key,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}
