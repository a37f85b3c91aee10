// Package engine defines the StepEngine contract (spec.md §4.3): the
// pluggable unit the orchestrator invokes once per step. A simple engine
// implements only RunStep; a lifecycle-capable engine additionally exposes
// the three-phase RunWorker/FinalizeStep/RouteStep JIT-finalization pattern,
// letting the orchestrator capture a structured handoff while the engine's
// context is still "hot" instead of re-deriving it from a cold transcript.
package engine

import (
	"context"
	"time"

	"github.com/flowstep/orchestrator/contextpack"
	"github.com/flowstep/orchestrator/types"
)

// StepInput is everything an engine needs to execute one step.
type StepInput struct {
	RunID, FlowKey, StepID string
	StationID              string
	AgentKey               string
	Pack                   contextpack.Pack
	ToolAllowList          []string
	Params                 map[string]any
}

// StepResult is a step's raw, engine-local outcome before finalization.
type StepResult struct {
	Status   string // "completed" | "failed" | "timeout"
	Error    string
	Output   string
	NextStepID string // set only when the engine trusts its own routing (fast-path)
}

// WorkSummary is the lifecycle engine's internal record of what run_worker
// did, opaque to the orchestrator but passed back into FinalizeStep.
type WorkSummary struct {
	TranscriptPath string
	ToolCallCount  int
	Notes          map[string]any
}

// FinalizationResult is what FinalizeStep produces: the durable handoff plus
// the receipt fields engines attach locally.
type FinalizationResult struct {
	Envelope types.HandoffEnvelope
	Receipt  Receipt
}

// ReceiptCompatVersion is stamped onto every Receipt this package produces.
// Bump it when a future change to Receipt's field set would break an older
// reader's assumptions; no drift-detection logic reads it back today
// (that's explicitly out of scope), it's deliberately just a plain counter.
const ReceiptCompatVersion = 1

// Receipt mirrors the envelope with engine-local fields (spec.md §4.3):
// mode, provider, model, tokens, duration, and the budget/history and
// routing-signal subsets engines must embed for auditability.
type Receipt struct {
	EngineID          string                         `json:"engine_id"`
	CompatVersion     int                            `json:"compat_version"`
	Mode              string                         `json:"mode"` // "single_phase" | "lifecycle"
	Provider          string                         `json:"provider,omitempty"`
	Model             string                         `json:"model,omitempty"`
	InputTokens       int                            `json:"input_tokens,omitempty"`
	OutputTokens      int                            `json:"output_tokens,omitempty"`
	DurationMs        int64                          `json:"duration_ms"`
	ContextTruncation any                             `json:"context_truncation,omitempty"`
	Handoff           map[string]any                 `json:"handoff,omitempty"`
	RoutingSignal     map[string]any                 `json:"routing_signal,omitempty"`
	Timestamp         time.Time                      `json:"timestamp"`
}

// Event is an engine-emitted journal event candidate; the orchestrator
// assigns Seq/EventID when it appends these via the store.
type Event struct {
	Kind    types.EventKind
	Payload map[string]any
}

// StepEngine is the contract every simple engine implements.
type StepEngine interface {
	EngineID() string
	RunStep(ctx context.Context, in StepInput) (StepResult, []Event, error)
}

// LifecycleEngine is the three-phase contract: worker, JIT finalizer,
// routing resolver. The orchestrator type-asserts a StepEngine to this
// interface to decide which invocation path to take (spec.md §4.5 step 2).
type LifecycleEngine interface {
	StepEngine
	RunWorker(ctx context.Context, in StepInput) (StepResult, []Event, WorkSummary, error)
	FinalizeStep(ctx context.Context, in StepInput, result StepResult, work WorkSummary) (FinalizationResult, error)
	RouteStep(ctx context.Context, in StepInput, handoff types.HandoffEnvelope) (types.RoutingSignal, error)
}

// IsLifecycleCapable reports whether e also implements LifecycleEngine.
func IsLifecycleCapable(e StepEngine) (LifecycleEngine, bool) {
	le, ok := e.(LifecycleEngine)
	return le, ok
}

// ToolAllowList returns the read-only or full tool set for a step role, the
// step-id/step-role heuristic spec.md §4.3 calls for: analysis steps get
// read-only tools, build steps get the full set.
func ToolAllowList(role string) []string {
	switch role {
	case "analysis", "critique", "verification":
		return []string{"read_file", "list_dir", "grep"}
	default:
		return []string{"read_file", "list_dir", "grep", "write_file", "run_command"}
	}
}
