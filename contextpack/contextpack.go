// Package contextpack builds the ContextPack the orchestrator hands to an
// engine for each step: identifiers, resolved artifact paths, a
// budget-bounded chronological history of prior handoffs, an optional
// Navigator brief, and the teaching notes/prompt for the step (spec.md §4.2).
package contextpack

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/flowstep/orchestrator/budget"
	"github.com/flowstep/orchestrator/types"
)

// commonArtifacts is scanned per-flow when a step carries no teaching notes
// naming explicit inputs.
var commonArtifacts = []string{
	"signal/requirements.md",
	"plan/adr.md",
	"build/build_receipt.json",
	"verify/verification_report.md",
	"critique/critique.md",
}

// InputSpec names one artifact a step's teaching notes declare as an input,
// using the §4.2 path-prefix convention.
type InputSpec struct {
	QualifiedName string
	Path          string
}

// TeachingNotes is the (optional) per-step guidance attached to a flow step:
// input specs to resolve, and free-form notes text passed to the engine.
type TeachingNotes struct {
	Inputs []InputSpec
	Notes  string
}

// Paths resolves runBase, repoRoot context for artifact path resolution.
type Paths struct {
	// RunBase is the current flow's run base directory.
	RunBase string
	// ParentRunBase is the parent run directory, for cross-flow "RUN_BASE/"
	// references that contain a further path separator.
	ParentRunBase string
	// RepoRoot is used for plain relative paths when provided.
	RepoRoot string
}

// ResolveInputSpec applies the §4.2 artifact path resolution rules to a
// single input_spec string, returning the resolved path and whether it
// exists. Only existing paths are ever surfaced to a ContextPack.
func ResolveInputSpec(spec string, paths Paths) (string, bool) {
	var resolved string
	switch {
	case strings.HasPrefix(spec, "RUN_BASE/"):
		rest := strings.TrimPrefix(spec, "RUN_BASE/")
		if strings.Contains(rest, "/") && paths.ParentRunBase != "" {
			resolved = filepath.Join(paths.ParentRunBase, rest)
		} else {
			resolved = filepath.Join(paths.RunBase, rest)
		}
	case strings.HasPrefix(spec, "/"):
		resolved = spec
	default:
		if paths.RepoRoot != "" {
			resolved = filepath.Join(paths.RepoRoot, spec)
		} else {
			resolved = filepath.Join(paths.RunBase, spec)
		}
	}
	if _, err := os.Stat(resolved); err != nil {
		return resolved, false
	}
	return resolved, true
}

// ScanCommonArtifacts walks the set of fixed common-artifact relative paths
// under each of flowBases (keyed by flow key) and returns the ones that
// exist, keyed "<flow>/<file>".
func ScanCommonArtifacts(flowBases map[string]string) map[string]string {
	out := make(map[string]string)
	flows := make([]string, 0, len(flowBases))
	for flow := range flowBases {
		flows = append(flows, flow)
	}
	sort.Strings(flows)
	for _, flow := range flows {
		base := flowBases[flow]
		for _, rel := range commonArtifacts {
			full := filepath.Join(base, rel)
			if _, err := os.Stat(full); err == nil {
				out[flow+"/"+rel] = full
			}
		}
	}
	return out
}

// Pack is the opaque consolidated bundle an engine receives.
type Pack struct {
	RunID   string
	FlowKey string
	StepID  string

	ArtifactPaths map[string]string
	// SkippedInputs names the teaching-note input specs that didn't resolve
	// to an existing file, so an engine (or an operator reading a receipt)
	// can tell "no input was declared" apart from "an input was declared but
	// missing".
	SkippedInputs []string

	History          string
	HistoryInfo      budget.HistoryTruncationInfo
	NavigatorBrief   string
	TeachingNotes    TeachingNotes
	FlowPrompt       string
	AgentPersona     string
}

// BuildInput is everything Build needs to assemble a Pack.
type BuildInput struct {
	RunID, FlowKey, StepID string

	Notes      TeachingNotes
	Paths      Paths
	FlowBases  map[string]string // other flows' bases, for common-artifact scan fallback

	PriorEnvelopes []types.HandoffEnvelope // chronological order
	ModelContextTokens int
	BudgetOverrides    struct{ Step, Flow, Profile budget.Overrides }

	NavigatorBrief string
	FlowPrompt     string
	AgentPersona   string
}

// Build assembles a ContextPack per spec.md §4.2: resolves artifact paths,
// resolves the budget cascade, and selects+orders history text.
func Build(in BuildInput) Pack {
	paths := make(map[string]string)
	var skipped []string
	if len(in.Notes.Inputs) > 0 {
		for _, is := range in.Notes.Inputs {
			if resolved, ok := ResolveInputSpec(is.Path, in.Paths); ok {
				paths[is.QualifiedName] = resolved
			} else {
				skipped = append(skipped, is.QualifiedName)
			}
		}
	} else {
		bases := map[string]string{}
		for k, v := range in.FlowBases {
			bases[k] = v
		}
		if _, ok := bases[in.FlowKey]; !ok {
			bases[in.FlowKey] = in.Paths.RunBase
		}
		paths = ScanCommonArtifacts(bases)
	}

	resolved := budget.Resolve(in.ModelContextTokens, in.BudgetOverrides.Step, in.BudgetOverrides.Flow, in.BudgetOverrides.Profile)

	items := make([]budget.HistoryItem, len(in.PriorEnvelopes))
	for i, env := range in.PriorEnvelopes {
		items[i] = budget.HistoryItem{
			StepID:           env.StepID,
			ChronologicalIdx: i,
			Role:             roleOf(env),
			Text:             env.Summary,
			IsMostRecent:     i == len(in.PriorEnvelopes)-1,
		}
	}
	history, info := budget.SelectHistory(items, resolved)

	return Pack{
		RunID:          in.RunID,
		FlowKey:        in.FlowKey,
		StepID:         in.StepID,
		ArtifactPaths:  paths,
		SkippedInputs:  skipped,
		History:        history,
		HistoryInfo:    info,
		NavigatorBrief: in.NavigatorBrief,
		TeachingNotes:  in.Notes,
		FlowPrompt:     in.FlowPrompt,
		AgentPersona:   in.AgentPersona,
	}
}

// roleOf derives a history-prioritizer role from an envelope's station id,
// falling back to its status when no station id is set.
func roleOf(env types.HandoffEnvelope) string {
	if env.StationID != "" {
		return env.StationID
	}
	return env.Status
}
