// Package stub provides a deterministic, lifecycle-capable reference engine
// with no external LLM dependency — useful for tests, the demo command, and
// as a template for real engines. It still honors the two mandatory
// artifact conventions from spec.md §4.3: a JSONL transcript and a JSON
// receipt.
package stub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flowstep/orchestrator/engine"
	"github.com/flowstep/orchestrator/types"
)

// Engine is the stub reference engine. OutputFn, when set, lets callers
// (tests) control what each step "produces"; the zero value always reports
// success with a canned summary.
type Engine struct {
	ID        string
	TranscriptDir string
	OutputFn  func(in engine.StepInput) (status string, summary string)
}

// New returns a stub engine writing transcripts and receipts under
// transcriptDir.
func New(id, transcriptDir string) *Engine {
	return &Engine{ID: id, TranscriptDir: transcriptDir}
}

func (e *Engine) EngineID() string { return e.ID }

type transcriptEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
}

func (e *Engine) transcriptPath(in engine.StepInput) string {
	return filepath.Join(e.TranscriptDir, in.FlowKey, in.StepID+".transcript.jsonl")
}

func (e *Engine) writeTranscript(in engine.StepInput, events []transcriptEvent) (string, error) {
	path := e.transcriptPath(in)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	for _, ev := range events {
		data, err := json.Marshal(ev)
		if err != nil {
			return "", err
		}
		if _, err := f.Write(append(data, '\n')); err != nil {
			return "", err
		}
	}
	return path, nil
}

func (e *Engine) runStep(in engine.StepInput) (engine.StepResult, string) {
	status, summary := "completed", fmt.Sprintf("stub engine completed step %s", in.StepID)
	if e.OutputFn != nil {
		status, summary = e.OutputFn(in)
	}
	return engine.StepResult{Status: status, Output: summary}, summary
}

// RunStep is the single-phase entry point.
func (e *Engine) RunStep(ctx context.Context, in engine.StepInput) (engine.StepResult, []engine.Event, error) {
	result, _ := e.runStep(in)
	path, err := e.writeTranscript(in, []transcriptEvent{{Timestamp: time.Now().UTC(), Kind: "assistant_message", Detail: result.Output}})
	if err != nil {
		return engine.StepResult{}, nil, err
	}
	events := []engine.Event{{Kind: types.EventAssistantMessage, Payload: map[string]any{"transcript_path": path}}}
	return result, events, nil
}

// RunWorker is the "grind" phase of the lifecycle contract.
func (e *Engine) RunWorker(ctx context.Context, in engine.StepInput) (engine.StepResult, []engine.Event, engine.WorkSummary, error) {
	result, summary := e.runStep(in)
	path, err := e.writeTranscript(in, []transcriptEvent{{Timestamp: time.Now().UTC(), Kind: "assistant_message", Detail: summary}})
	if err != nil {
		return engine.StepResult{}, nil, engine.WorkSummary{}, err
	}
	events := []engine.Event{{Kind: types.EventAssistantMessage, Payload: map[string]any{"transcript_path": path}}}
	work := engine.WorkSummary{TranscriptPath: path, Notes: map[string]any{"summary": summary}}
	return result, events, work, nil
}

// FinalizeStep is the JIT finalization phase: while context is "hot" it
// writes a HandoffEnvelope and the engine-local receipt.
func (e *Engine) FinalizeStep(ctx context.Context, in engine.StepInput, result engine.StepResult, work engine.WorkSummary) (engine.FinalizationResult, error) {
	env := types.HandoffEnvelope{
		StepID:    in.StepID,
		FlowKey:   in.FlowKey,
		RunID:     in.RunID,
		Summary:   result.Output,
		Status:    result.Status,
		StationID: in.StationID,
		Timestamp: time.Now().UTC(),
		VerificationPassed: result.Status == "completed",
		Artifacts: map[string]string{"transcript": work.TranscriptPath},
	}
	receipt := engine.Receipt{
		EngineID:          e.ID,
		CompatVersion:     engine.ReceiptCompatVersion,
		Mode:              "lifecycle",
		ContextTruncation: in.Pack.HistoryInfo,
		DurationMs:        0,
		Timestamp:         time.Now().UTC(),
		Handoff:           map[string]any{"summary": env.Summary, "status": env.Status},
	}
	data, err := json.Marshal(receipt)
	if err != nil {
		return engine.FinalizationResult{}, err
	}
	receiptPath := filepath.Join(e.TranscriptDir, in.FlowKey, in.StepID+".receipt.json")
	if err := os.MkdirAll(filepath.Dir(receiptPath), 0o755); err != nil {
		return engine.FinalizationResult{}, err
	}
	if err := os.WriteFile(receiptPath, data, 0o644); err != nil {
		return engine.FinalizationResult{}, err
	}
	return engine.FinalizationResult{Envelope: env, Receipt: receipt}, nil
}

// RouteStep returns an envelope-carried RoutingSignal. The stub always
// defers to the Routing Driver by returning an empty signal with
// NeedsHuman=false. Because its Decision is empty, envelope_fallback never
// adopts it: when fast-path, deterministic and Navigator routing all yield,
// escalate decides.
func (e *Engine) RouteStep(ctx context.Context, in engine.StepInput, handoff types.HandoffEnvelope) (types.RoutingSignal, error) {
	return types.RoutingSignal{}, nil
}
