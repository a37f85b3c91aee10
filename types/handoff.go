package types

import "time"

// FileChange records one file touched by a step, as observed forensically
// by a diff scanner — never as self-reported by the engine/agent.
type FileChange struct {
	Path      string `json:"path"`
	ChangeType string `json:"change_type"` // added | modified | deleted
	Summary   string `json:"summary,omitempty"`
}

// StationOpinion is a non-binding witness statement a station attaches to a
// handoff; it never drives routing directly.
type StationOpinion struct {
	StationID string `json:"station_id"`
	Opinion   string `json:"opinion"`
}

// HandoffEnvelope is the durable per-step artifact written once a step
// completes. Summary is capped at 2000 characters by convention (enforced by
// engines, not the store) to keep context packs bounded.
type HandoffEnvelope struct {
	StepID    string `json:"step_id"`
	FlowKey   string `json:"flow_key"`
	RunID     string `json:"run_id"`

	RoutingSignal RoutingSignal `json:"routing_signal"`

	Summary   string            `json:"summary"`
	Artifacts map[string]string `json:"artifacts,omitempty"`

	// FileChanges is the authoritative forensic record of what changed on
	// disk; never trust an agent's self-reported file list over this.
	FileChanges []FileChange `json:"file_changes,omitempty"`

	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`

	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`

	StationID   string `json:"station_id,omitempty"`
	Version     string `json:"version,omitempty"`
	PromptHash  string `json:"prompt_hash,omitempty"`

	VerificationPassed bool           `json:"verification_passed"`
	VerificationDetails map[string]any `json:"verification_details,omitempty"`

	RoutingAudit map[string]any `json:"routing_audit,omitempty"`

	AssumptionsMade []string          `json:"assumptions_made,omitempty"`
	DecisionsMade   []string          `json:"decisions_made,omitempty"`
	Observations    []string          `json:"observations,omitempty"`
	StationOpinions []StationOpinion  `json:"station_opinions,omitempty"`
}
