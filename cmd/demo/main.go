// Command demo drives one stub-engine run of the signal->plan flow pair
// end to end: it seeds a scratch flow/station/sidequest registry, starts an
// Orchestrator run, and prints the resulting run summary and event journal.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

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

const flowsYAML = `
flows:
  - key: signal
    prompt: "Turn a raw signal into requirements and a BDD spec."
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
        loop_target: critique_reqs
        max_iterations: 3
        edges:
          - target: critique_reqs
            unconditional: true
      - id: critique_reqs
        station_id: critic
        role: critique
        lifecycle_capable: true
        edges:
          - target: bdd_author
            unconditional: true
      - id: bdd_author
        station_id: author
        role: build
        lifecycle_capable: true
        terminal: true
  - key: plan
    prompt: "Record an ADR for the chosen approach."
    steps:
      - id: adr_author
        station_id: author
        role: build
        lifecycle_capable: true
        terminal: true
`

const stationsYAML = `
stations:
  - id: normalizer
    role: analysis
    description: "Normalizes a raw signal into a structured brief."
  - id: author
    role: build
    description: "Authors requirements/ADR/BDD artifacts from the active brief."
  - id: critic
    role: critique
    description: "Reviews the authored artifact and reports gaps."
`

const sidequestsYAML = `sidequests: []`

func main() {
	ctx := context.Background()
	base, err := os.MkdirTemp("", "flowstep-demo-")
	if err != nil {
		fmt.Fprintln(os.Stderr, "demo: create scratch dir:", err)
		os.Exit(1)
	}
	defer os.RemoveAll(base)

	flows, stations, sidequests, err := seedRegistries(base)
	if err != nil {
		fmt.Fprintln(os.Stderr, "demo: seed registries:", err)
		os.Exit(1)
	}

	st := store.New(filepath.Join(base, "runs"))
	eng := stub.New("stub", filepath.Join(base, "transcripts"))
	driver := routing.NewDriver(stations, sidequests, nil, nil)
	o := orchestrator.New(st, flows, stations, sidequests, map[string]engine.StepEngine{"stub": eng}, driver, nil, nil)

	runID, err := o.Start(ctx, types.RunSpec{
		FlowKeys:  []string{"signal", "plan"},
		Backend:   "stub",
		Initiator: "demo",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "demo: run failed:", err)
		os.Exit(1)
	}

	summary, _, err := st.ReadSummary(ctx, runID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "demo: read summary:", err)
		os.Exit(1)
	}
	fmt.Println("run_id:", runID)
	fmt.Println("status:", summary.Status)
	fmt.Println("sdlc_status:", summary.SDLCStatus)

	events, err := st.ReadEvents(ctx, runID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "demo: read events:", err)
		os.Exit(1)
	}
	fmt.Printf("events (%d):\n", len(events))
	for _, ev := range events {
		fmt.Printf("  [%d] %-24s flow=%s step=%s\n", ev.Seq, ev.Kind, ev.FlowKey, ev.StepID)
	}
}

// seedRegistries writes the demo's flow/station/sidequest YAML fixtures under
// base and loads them, giving the demo a self-contained registry without
// requiring an external config checkout.
func seedRegistries(base string) (*flowreg.Registry, *stationlib.Library, *sidequest.Catalog, error) {
	flowDir := filepath.Join(base, "flows")
	stationDir := filepath.Join(base, "stations")
	sidequestDir := filepath.Join(base, "sidequests")
	for _, dir := range []string{flowDir, stationDir, sidequestDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, nil, err
		}
	}
	if err := os.WriteFile(filepath.Join(flowDir, "flows.yaml"), []byte(flowsYAML), 0o644); err != nil {
		return nil, nil, nil, err
	}
	if err := os.WriteFile(filepath.Join(stationDir, "stations.yaml"), []byte(stationsYAML), 0o644); err != nil {
		return nil, nil, nil, err
	}
	if err := os.WriteFile(filepath.Join(sidequestDir, "sidequests.yaml"), []byte(sidequestsYAML), 0o644); err != nil {
		return nil, nil, nil, err
	}

	flows, err := flowreg.Load(flowDir, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	stations, err := stationlib.Load(stationDir, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	sidequests, err := sidequest.Load(sidequestDir, nil)
	if err != nil {
		return nil, nil, nil, err
	}
	return flows, stations, sidequests, nil
}
