// Package types defines the canonical data model shared by the store,
// context-pack builder, routing driver, and orchestrator: run specs/state,
// the event journal record, handoff envelopes, and routing signals.
//
// All types marshal with encoding/json. Unknown top-level fields are
// tolerated on decode (Go's json.Unmarshal ignores them by default) and
// fields absent from the wire payload simply keep their zero value, which is
// what spec.md calls "forward-compatible defaults".
package types

import "time"

// RunStatus is the coarse-grained lifecycle state of a run.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunRunning  RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed   RunStatus = "failed"
	RunCanceled RunStatus = "canceled"
	RunPartial  RunStatus = "partial"
	RunStopping RunStatus = "stopping"
	RunStopped  RunStatus = "stopped"
	RunPausing  RunStatus = "pausing"
	RunPaused   RunStatus = "paused"
)

// Terminal reports whether the status is a terminal run state: no further
// transitions are valid once a run reaches one of these (spec.md §4.5).
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled, RunPartial, RunStopped:
		return true
	default:
		return false
	}
}

// SDLCStatus is the caller-facing quality signal for a run, independent of
// RunStatus: a run can be RunSucceeded with SDLCWarning if verification was
// skipped or partial.
type SDLCStatus string

const (
	SDLCOK      SDLCStatus = "ok"
	SDLCWarning SDLCStatus = "warning"
	SDLCError   SDLCStatus = "error"
	SDLCUnknown SDLCStatus = "unknown"
	SDLCPartial SDLCStatus = "partial"
)

// RunSpec is immutable once a run starts: the ordered flows to execute and
// the caller-provided parameters that shape them.
type RunSpec struct {
	FlowKeys       []string          `json:"flow_keys"`
	ProfileID      string            `json:"profile_id,omitempty"`
	Backend        string            `json:"backend"`
	Initiator      string            `json:"initiator"`
	Params         map[string]any    `json:"params,omitempty"`
	NoHumanMidFlow bool              `json:"no_human_mid_flow"`
}

// RunSummary is the single mutable meta artifact for a run (meta.json).
type RunSummary struct {
	ID          string            `json:"id"`
	Spec        RunSpec           `json:"spec"`
	Status      RunStatus         `json:"status"`
	SDLCStatus  SDLCStatus        `json:"sdlc_status"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Exemplar    bool              `json:"exemplar,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
}
