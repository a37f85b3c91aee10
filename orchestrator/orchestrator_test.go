package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstep/orchestrator/engine"
	"github.com/flowstep/orchestrator/engine/stub"
	"github.com/flowstep/orchestrator/flowreg"
	"github.com/flowstep/orchestrator/orchestrator"
	"github.com/flowstep/orchestrator/routing"
	"github.com/flowstep/orchestrator/sidequest"
	"github.com/flowstep/orchestrator/stationlib"
	"github.com/flowstep/orchestrator/store"
	"github.com/flowstep/orchestrator/types"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

// twoStepFlow builds a minimal "signal" flow: normalize_signal -> author_reqs
// (terminal), both lifecycle-capable; normalize_signal has a single
// unconditional edge, so the Driver's fast-path "soleUnconditionalEdge"/
// terminal strategy resolves routing deterministically.
func twoStepFlow(t *testing.T) (*flowreg.Registry, *stationlib.Library, *sidequest.Catalog) {
	t.Helper()
	flowDir := t.TempDir()
	writeFile(t, flowDir, "signal.yaml", `
flows:
  - key: signal
    prompt: "Turn a raw signal into requirements."
    steps:
      - id: normalize_signal
        station_id: normalizer
        role: analysis
        lifecycle_capable: true
        edges:
          - target: author_reqs
            unconditional: true
      - id: author_reqs
        station_id: author
        role: build
        lifecycle_capable: true
        terminal: true
`)
	flows, err := flowreg.Load(flowDir, nil)
	require.NoError(t, err)

	stationDir := t.TempDir()
	writeFile(t, stationDir, "stations.yaml", `
stations:
  - id: normalizer
    role: analysis
    description: "Normalizes a raw signal into a structured brief."
  - id: author
    role: build
    description: "Authors requirements.md from the normalized brief."
`)
	stations, err := stationlib.Load(stationDir, nil)
	require.NoError(t, err)

	sqDir := t.TempDir()
	writeFile(t, sqDir, "sidequests.yaml", `sidequests: []`)
	sidequests, err := sidequest.Load(sqDir, nil)
	require.NoError(t, err)

	return flows, stations, sidequests
}

func newTestOrchestrator(t *testing.T, eng engine.StepEngine) (*orchestrator.Orchestrator, *store.Store) {
	t.Helper()
	flows, stations, sidequests := twoStepFlow(t)
	st := store.New(t.TempDir())
	driver := routing.NewDriver(stations, sidequests, nil, nil)
	engines := map[string]engine.StepEngine{"stub": eng}
	o := orchestrator.New(st, flows, stations, sidequests, engines, driver, nil, nil)
	return o, st
}

func TestStartRunsLinearFlowToCompletion(t *testing.T) {
	eng := stub.New("stub", t.TempDir())
	o, st := newTestOrchestrator(t, eng)
	ctx := context.Background()

	runID, err := o.Start(ctx, types.RunSpec{FlowKeys: []string{"signal"}, Backend: "stub", Initiator: "test"})
	require.NoError(t, err)

	summary, ok, err := st.ReadSummary(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.RunSucceeded, summary.Status)
	require.Equal(t, types.SDLCOK, summary.SDLCStatus)

	rs, ok, err := st.ReadRunState(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"normalize_signal", "author_reqs"}, rs.CompletedNodes)
	require.Contains(t, rs.HandoffEnvelopes, "normalize_signal")
	require.Contains(t, rs.HandoffEnvelopes, "author_reqs")

	events, err := st.ReadEvents(ctx, runID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, types.EventRunStarted, events[0].Kind)
	require.Equal(t, types.EventRunCompleted, events[len(events)-1].Kind)

	for i := 1; i < len(events); i++ {
		require.Greater(t, events[i].Seq, events[i-1].Seq, "events must be totally ordered by seq")
	}
}

func TestStartFailsOnUnknownFlowKey(t *testing.T) {
	eng := stub.New("stub", t.TempDir())
	o, _ := newTestOrchestrator(t, eng)
	_, err := o.Start(context.Background(), types.RunSpec{FlowKeys: []string{"nope"}, Backend: "stub", Initiator: "test"})
	require.Error(t, err)
}

func TestStartFailsOnUnknownBackend(t *testing.T) {
	eng := stub.New("stub", t.TempDir())
	o, st := newTestOrchestrator(t, eng)
	ctx := context.Background()

	runID, err := o.Start(ctx, types.RunSpec{FlowKeys: []string{"signal"}, Backend: "does-not-exist", Initiator: "test"})
	require.Error(t, err)

	summary, ok, readErr := st.ReadSummary(ctx, runID)
	require.NoError(t, readErr)
	require.True(t, ok)
	require.Equal(t, types.RunFailed, summary.Status)
}

func TestStopRequestTakesEffectBetweenStepsNotMidStep(t *testing.T) {
	stops := orchestrator.NewStopRegistry()
	var normalizeRan, authorRan bool
	eng := stub.New("stub", t.TempDir())
	eng.OutputFn = func(in engine.StepInput) (string, string) {
		if in.StepID == "normalize_signal" {
			normalizeRan = true
			stops.RequestStop(in.RunID) // fires while normalize_signal is "in flight"
		}
		if in.StepID == "author_reqs" {
			authorRan = true
		}
		return "completed", "ok"
	}

	flows, stations, sidequests := twoStepFlow(t)
	st := store.New(t.TempDir())
	driver := routing.NewDriver(stations, sidequests, nil, nil)
	o := orchestrator.New(st, flows, stations, sidequests, map[string]engine.StepEngine{"stub": eng}, driver, stops, nil)

	ctx := context.Background()
	runID, err := o.Start(ctx, types.RunSpec{FlowKeys: []string{"signal"}, Backend: "stub", Initiator: "test"})
	require.NoError(t, err)

	require.True(t, normalizeRan, "normalize_signal must have run before the stop took effect")
	require.False(t, authorRan, "author_reqs must never start once a stop was requested mid-step")

	summary, ok, err := st.ReadSummary(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.RunStopped, summary.Status)
}

func TestMultiFlowRunTransitionsAndRecordsMacroRoute(t *testing.T) {
	flowDir := t.TempDir()
	writeFile(t, flowDir, "flows.yaml", `
flows:
  - key: signal
    steps:
      - id: only_step
        station_id: normalizer
        lifecycle_capable: true
        terminal: true
  - key: plan
    steps:
      - id: adr_step
        station_id: author
        lifecycle_capable: true
        terminal: true
`)
	flows, err := flowreg.Load(flowDir, nil)
	require.NoError(t, err)

	stationDir := t.TempDir()
	writeFile(t, stationDir, "stations.yaml", `
stations:
  - id: normalizer
  - id: author
`)
	stations, err := stationlib.Load(stationDir, nil)
	require.NoError(t, err)

	sqDir := t.TempDir()
	writeFile(t, sqDir, "sidequests.yaml", `sidequests: []`)
	sidequests, err := sidequest.Load(sqDir, nil)
	require.NoError(t, err)

	eng := stub.New("stub", t.TempDir())
	st := store.New(t.TempDir())
	driver := routing.NewDriver(stations, sidequests, nil, nil)
	o := orchestrator.New(st, flows, stations, sidequests, map[string]engine.StepEngine{"stub": eng}, driver, nil, nil)

	ctx := context.Background()
	runID, err := o.Start(ctx, types.RunSpec{FlowKeys: []string{"signal", "plan"}, Backend: "stub", Initiator: "test"})
	require.NoError(t, err)

	rs, ok, err := st.ReadRunState(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2, rs.CurrentFlowIndex)
	require.Len(t, rs.FlowTransitionHistory, 1)
	require.Equal(t, "signal", rs.FlowTransitionHistory[0].FromFlow)
	require.Equal(t, "plan", rs.FlowTransitionHistory[0].ToFlow)

	events, err := st.ReadEvents(ctx, runID)
	require.NoError(t, err)
	var sawMacroRoute bool
	for _, ev := range events {
		if ev.Kind == types.EventMacroRoute {
			sawMacroRoute = true
		}
	}
	require.True(t, sawMacroRoute)

	summary, ok, err := st.ReadSummary(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, types.RunSucceeded, summary.Status)
}

func TestResumeRejectsTerminalRun(t *testing.T) {
	eng := stub.New("stub", t.TempDir())
	o, st := newTestOrchestrator(t, eng)
	ctx := context.Background()

	runID, err := o.Start(ctx, types.RunSpec{FlowKeys: []string{"signal"}, Backend: "stub", Initiator: "test"})
	require.NoError(t, err)

	_, ok, err := st.ReadRunState(ctx, runID)
	require.NoError(t, err)
	require.True(t, ok)

	err = o.Resume(ctx, runID)
	require.Error(t, err)
}
