package types

// RoutingDecision is a sum type over what the routing driver decided to do
// next. Extra fields specific to one decision (NextStepID, NextFlow, ...)
// live alongside it rather than in separate boolean-bag structs, per the
// "variants over inheritance" design note.
type RoutingDecision string

const (
	DecisionAdvance   RoutingDecision = "advance"
	DecisionLoop      RoutingDecision = "loop"
	DecisionTerminate RoutingDecision = "terminate"
	DecisionBranch    RoutingDecision = "branch"
	DecisionSkip      RoutingDecision = "skip"
)

// RoutingSource identifies which strategy in the priority pipeline produced
// a RoutingOutcome. Closed set; routing.Driver never emits a value outside
// this list (spec.md property P6).
type RoutingSource string

const (
	SourceFastPath          RoutingSource = "fast_path"
	SourceDeterministic     RoutingSource = "deterministic"
	SourceNavigator         RoutingSource = "navigator"
	SourceNavigatorDetour   RoutingSource = "navigator:detour"
	SourceNavigatorExtend   RoutingSource = "navigator:extend_graph"
	SourceEnvelopeFallback  RoutingSource = "envelope_fallback"
	SourceEscalate          RoutingSource = "escalate"
)

// SkipJustification is mandatory whenever RoutingSignal.Decision ==
// DecisionSkip. All three fields must be non-empty or the routing driver
// rejects the decision and falls through to the next strategy.
type SkipJustification struct {
	SkipReason            string `json:"skip_reason"`
	WhyNotNeededForExit   string `json:"why_not_needed_for_exit"`
	ReplacementAssurance  string `json:"replacement_assurance"`
}

// Complete reports whether all three mandatory fields are non-empty.
func (j *SkipJustification) Complete() bool {
	return j != nil && j.SkipReason != "" && j.WhyNotNeededForExit != "" && j.ReplacementAssurance != ""
}

// RoutingExplanation is an optional structured audit trail attached to a
// RoutingSignal, e.g. which candidates were considered and why one won.
type RoutingExplanation struct {
	CandidateIDs    []string       `json:"candidate_ids,omitempty"`
	ChosenCandidate string         `json:"chosen_candidate,omitempty"`
	Rationale       string         `json:"rationale,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// RoutingSignal is the decision an engine's route_step phase (or the
// Navigator) produces for a single step.
type RoutingSignal struct {
	Decision          RoutingDecision      `json:"decision"`
	NextStepID        string               `json:"next_step_id,omitempty"`
	Route             string               `json:"route,omitempty"`
	Reason            string               `json:"reason,omitempty"`
	Confidence        float64              `json:"confidence"`
	NeedsHuman        bool                 `json:"needs_human,omitempty"`
	NextFlow          string               `json:"next_flow,omitempty"`
	LoopCount         int                  `json:"loop_count,omitempty"`
	ExitConditionMet  bool                 `json:"exit_condition_met,omitempty"`
	ChosenCandidateID string               `json:"chosen_candidate_id,omitempty"`
	Explanation       *RoutingExplanation  `json:"routing_explanation,omitempty"`
	SkipJustification *SkipJustification   `json:"skip_justification,omitempty"`
}

// RoutingCandidate is one entry in the bounded menu of routing options
// presented to the Navigator (spec.md §4.4 Strategy 3 step 1).
type RoutingCandidate struct {
	CandidateID string  `json:"candidate_id"`
	Action      string  `json:"action"`
	TargetNode  string  `json:"target_node,omitempty"`
	Reason      string  `json:"reason,omitempty"`
	Priority    float64 `json:"priority"`
	Source      string  `json:"source"`
	IsDefault   bool    `json:"is_default,omitempty"`
}

// RoutingOutcome is the single auditable result route_step produces for a
// step, regardless of which strategy decided it.
type RoutingOutcome struct {
	Signal        RoutingSignal       `json:"signal"`
	RoutingSource RoutingSource       `json:"routing_source"`
	Candidates    []RoutingCandidate  `json:"candidates,omitempty"`
}
