package budget_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstep/orchestrator/budget"
)

func TestResolveDefaultsFor200kModel(t *testing.T) {
	r := budget.Resolve(200_000, budget.Overrides{}, budget.Overrides{}, budget.Overrides{})
	require.Equal(t, 200_000, r.ContextBudgetChars)
	require.Equal(t, 60_000, r.HistoryMaxRecentChars)
	require.Equal(t, 20_000, r.HistoryMaxOlderChars)
}

func TestResolveCascadeStepWinsOverFlowAndProfile(t *testing.T) {
	stepOverride := 50_000
	flowOverride := 80_000
	profileOverride := 100_000
	r := budget.Resolve(200_000,
		budget.Overrides{ContextBudgetChars: &stepOverride},
		budget.Overrides{ContextBudgetChars: &flowOverride},
		budget.Overrides{ContextBudgetChars: &profileOverride},
	)
	require.Equal(t, 50_000, r.ContextBudgetChars)
}

func TestResolveClampsToMinAndMax(t *testing.T) {
	tiny := 10
	huge := 10_000_000
	rLow := budget.Resolve(200_000, budget.Overrides{ContextBudgetChars: &tiny}, budget.Overrides{}, budget.Overrides{})
	require.Equal(t, budget.BudgetMinChars, rLow.ContextBudgetChars)

	rHigh := budget.Resolve(200_000, budget.Overrides{ContextBudgetChars: &huge}, budget.Overrides{}, budget.Overrides{})
	require.Equal(t, budget.BudgetMaxChars, rHigh.ContextBudgetChars)
	require.True(t, rHigh.Warned)
}

func TestResolveEnforcesRecentAndOlderNotExceedTotal(t *testing.T) {
	total := 15_000
	r := budget.Resolve(200_000, budget.Overrides{ContextBudgetChars: &total}, budget.Overrides{}, budget.Overrides{})
	require.LessOrEqual(t, r.HistoryMaxRecentChars, r.ContextBudgetChars)
	require.LessOrEqual(t, r.HistoryMaxOlderChars, r.ContextBudgetChars)
}

func TestResolveArbitraryModelRatios(t *testing.T) {
	r := budget.Resolve(100_000, budget.Overrides{}, budget.Overrides{}, budget.Overrides{})
	require.Equal(t, int(100_000*4*0.25), r.ContextBudgetChars)
}

func TestClassifyRole(t *testing.T) {
	require.Equal(t, budget.PriorityCritical, budget.ClassifyRole("implementation"))
	require.Equal(t, budget.PriorityCritical, budget.ClassifyRole("verification"))
	require.Equal(t, budget.PriorityHigh, budget.ClassifyRole("critique"))
	require.Equal(t, budget.PriorityLow, budget.ClassifyRole("documentation"))
	require.Equal(t, budget.PriorityMedium, budget.ClassifyRole("unknown-role"))
}

func TestSelectHistoryOutputIsChronologicalDespitePriorityOrderedSelection(t *testing.T) {
	items := []budget.HistoryItem{
		{StepID: "s1", ChronologicalIdx: 0, Role: "documentation", Text: "doc-output"},
		{StepID: "s2", ChronologicalIdx: 1, Role: "implementation", Text: "impl-output"},
		{StepID: "s3", ChronologicalIdx: 2, Role: "critique", Text: "critique-output", IsMostRecent: true},
	}
	resolved := budget.Resolve(200_000, budget.Overrides{}, budget.Overrides{}, budget.Overrides{})
	out, info := budget.SelectHistory(items, resolved)

	require.False(t, info.Truncated)
	require.Equal(t, 3, info.IncludedSteps)
	idxDoc := strings.Index(out, "doc-output")
	idxImpl := strings.Index(out, "impl-output")
	idxCrit := strings.Index(out, "critique-output")
	require.True(t, idxDoc < idxImpl && idxImpl < idxCrit, "output must stay chronological regardless of priority-ordered selection")
}

func TestSelectHistoryDropsLowestPriorityWhenOverBudget(t *testing.T) {
	small := 30
	recent := 15
	older := 20
	resolved := budget.Resolved{ContextBudgetChars: small, HistoryMaxRecentChars: recent, HistoryMaxOlderChars: older}
	items := []budget.HistoryItem{
		{StepID: "s1", ChronologicalIdx: 0, Role: "documentation", Text: "1234567890123456789012345"},
		{StepID: "s2", ChronologicalIdx: 1, Role: "implementation", Text: "123456789012345", IsMostRecent: true},
	}
	out, info := budget.SelectHistory(items, resolved)
	require.True(t, info.Truncated)
	require.Contains(t, out, "[CONTEXT_TRUNCATED]")
	require.Contains(t, out, "123456789012345")
}
