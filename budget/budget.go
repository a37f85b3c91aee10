// Package budget resolves per-step context-history character budgets and
// prioritizes prior steps for inclusion when the resolved budget can't fit
// the whole history (spec.md §4.2).
package budget

import (
	"sort"
)

const (
	// BudgetMinChars is the floor every resolved budget is clamped to.
	BudgetMinChars = 10_000
	// BudgetMaxChars is the ceiling every resolved budget is clamped to.
	BudgetMaxChars = 600_000
	// BudgetWarnThreshold triggers a warning and forces the value back down
	// to BudgetMaxChars.
	BudgetWarnThreshold = 5_000_000

	defaultContextBudgetChars   = 200_000
	defaultHistoryMaxRecentChars = 60_000
	defaultHistoryMaxOlderChars  = 20_000

	// ratios applied to tokens*4 for arbitrary (non-200k) models.
	ratioTotal = 0.25
	ratioRecent = 0.075
	ratioOlder  = 0.025
)

// Overrides holds the optional per-step/flow/profile override values; a nil
// pointer field means "not set at this level".
type Overrides struct {
	ContextBudgetChars    *int
	HistoryMaxRecentChars *int
	HistoryMaxOlderChars  *int
}

// Resolved is the three budget integers a ContextPack build consumes.
type Resolved struct {
	ContextBudgetChars    int
	HistoryMaxRecentChars int
	HistoryMaxOlderChars  int
	Warned                bool
}

// Resolve cascades step -> flow -> profile -> global default, then clamps
// and cross-validates the result. modelContextTokens is the target model's
// context window in tokens; 200_000 gets the fixed defaults, anything else
// is derived as a ratio of tokens*4 (a rough chars-per-token estimate).
func Resolve(modelContextTokens int, step, flow, profile Overrides) Resolved {
	defaultTotal, defaultRecent, defaultOlder := defaultsForModel(modelContextTokens)

	total := cascade(defaultTotal, profile.ContextBudgetChars, flow.ContextBudgetChars, step.ContextBudgetChars)
	recent := cascade(defaultRecent, profile.HistoryMaxRecentChars, flow.HistoryMaxRecentChars, step.HistoryMaxRecentChars)
	older := cascade(defaultOlder, profile.HistoryMaxOlderChars, flow.HistoryMaxOlderChars, step.HistoryMaxOlderChars)

	var warned bool
	total, warned = clamp(total, warned)
	recent, warned = clamp(recent, warned)
	older, warned = clamp(older, warned)

	if recent > total {
		recent = total
	}
	if older > total {
		older = total
	}

	return Resolved{
		ContextBudgetChars:    total,
		HistoryMaxRecentChars: recent,
		HistoryMaxOlderChars:  older,
		Warned:                warned,
	}
}

func defaultsForModel(tokens int) (total, recent, older int) {
	if tokens == 200_000 || tokens <= 0 {
		return defaultContextBudgetChars, defaultHistoryMaxRecentChars, defaultHistoryMaxOlderChars
	}
	chars := float64(tokens) * 4
	return int(chars * ratioTotal), int(chars * ratioRecent), int(chars * ratioOlder)
}

// cascade returns the most specific non-nil override, falling back through
// flow then profile then the global default.
func cascade(def int, profile, flow, step *int) int {
	if step != nil {
		return *step
	}
	if flow != nil {
		return *flow
	}
	if profile != nil {
		return *profile
	}
	return def
}

func clamp(v int, warnedSoFar bool) (int, bool) {
	warned := warnedSoFar
	if v > BudgetWarnThreshold {
		warned = true
		v = BudgetMaxChars
	}
	if v < BudgetMinChars {
		v = BudgetMinChars
	}
	if v > BudgetMaxChars {
		v = BudgetMaxChars
	}
	return v, warned
}

// Priority is the coarse relevance bucket a prior step's output is assigned
// before history selection.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

// criticalRoles produce CRITICAL-priority output; highRoles produce HIGH;
// lowRoles produce LOW. Anything else defaults to MEDIUM.
var criticalRoles = map[string]bool{
	"implementation":  true,
	"verification":    true,
	"merge_decider":   true,
}

var highRoles = map[string]bool{
	"critique": true,
	"tests":    true,
}

var lowRoles = map[string]bool{
	"documentation": true,
}

// ClassifyRole maps a step role to its history-selection priority.
func ClassifyRole(role string) Priority {
	switch {
	case criticalRoles[role]:
		return PriorityCritical
	case highRoles[role]:
		return PriorityHigh
	case lowRoles[role]:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// HistoryItem is one prior step's candidate output for inclusion in a
// ContextPack's history section.
type HistoryItem struct {
	StepID           string
	ChronologicalIdx int
	Role             string
	Text             string
	IsMostRecent     bool
}

// HistoryTruncationInfo describes what the prioritizer kept and dropped,
// embedded verbatim into engine receipts (spec.md §4.2).
type HistoryTruncationInfo struct {
	IncludedSteps       int
	TotalSteps          int
	CharsUsed           int
	Budget              int
	Truncated           bool
	PriorityDistribution map[string]int
}

// selected pairs an original item with its truncated text.
type selected struct {
	item HistoryItem
	text string
}

// SelectHistory implements the §4.2 history prioritizer: items are visited
// in priority-desc order (ties broken by chronological index), each
// truncated to recentMax (most-recent step or CRITICAL priority) or
// olderMax, and kept only while the running total stays within resolved
// budget's ContextBudgetChars. The returned text, however, is always
// chronological — selection order and output order are deliberately
// different.
func SelectHistory(items []HistoryItem, resolved Resolved) (string, HistoryTruncationInfo) {
	ordered := make([]HistoryItem, len(items))
	copy(ordered, items)
	sort.SliceStable(ordered, func(i, j int) bool {
		pi, pj := ClassifyRole(ordered[i].Role), ClassifyRole(ordered[j].Role)
		if pi != pj {
			return pi > pj
		}
		return ordered[i].ChronologicalIdx < ordered[j].ChronologicalIdx
	})

	info := HistoryTruncationInfo{
		TotalSteps:            len(items),
		Budget:                resolved.ContextBudgetChars,
		PriorityDistribution: make(map[string]int),
	}

	var kept []selected
	var used int
	for _, it := range ordered {
		priority := ClassifyRole(it.Role)
		limit := resolved.HistoryMaxOlderChars
		if it.IsMostRecent || priority == PriorityCritical {
			limit = resolved.HistoryMaxRecentChars
		}
		text := it.Text
		if len(text) > limit {
			text = text[:limit]
		}
		if used+len(text) > resolved.ContextBudgetChars {
			info.Truncated = true
			continue
		}
		used += len(text)
		kept = append(kept, selected{item: it, text: text})
		info.IncludedSteps++
		info.PriorityDistribution[priorityName(priority)]++
	}
	if info.IncludedSteps < info.TotalSteps {
		info.Truncated = true
	}
	info.CharsUsed = used

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].item.ChronologicalIdx < kept[j].item.ChronologicalIdx
	})

	var out string
	if info.Truncated {
		out = "[CONTEXT_TRUNCATED]\n"
	}
	for _, k := range kept {
		out += k.text
	}
	return out, info
}

func priorityName(p Priority) string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityLow:
		return "LOW"
	default:
		return "MEDIUM"
	}
}
