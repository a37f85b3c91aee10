package llmengine_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstep/orchestrator/contextpack"
	"github.com/flowstep/orchestrator/engine"
	"github.com/flowstep/orchestrator/engine/llmengine"
)

type fakeCompleter struct {
	responses []string
	calls     int
}

func (f *fakeCompleter) Provider() string { return "fake" }
func (f *fakeCompleter) Model() string    { return "fake-model" }

func (f *fakeCompleter) Complete(ctx context.Context, systemPrompt, history string, toolAllowList []string) (string, int, int, error) {
	resp := f.responses[f.calls]
	f.calls++
	return resp, 10, 20, nil
}

func TestLifecycleRoundTrip(t *testing.T) {
	fc := &fakeCompleter{responses: []string{
		"work done",
		`{"summary":"did the thing","status":"completed","verification_passed":true}`,
		`{"decision":"advance","reason":"looks good","confidence":0.9}`,
	}}
	eng := llmengine.New("claude-step", fc, t.TempDir())

	in := engine.StepInput{RunID: "run-1", FlowKey: "flow-a", StepID: "step-1", Pack: contextpack.Pack{}}

	result, events, work, err := eng.RunWorker(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, "completed", result.Status)
	require.Len(t, events, 1)
	require.NotEmpty(t, work.TranscriptPath)

	finalized, err := eng.FinalizeStep(context.Background(), in, result, work)
	require.NoError(t, err)
	require.Equal(t, "did the thing", finalized.Envelope.Summary)
	require.True(t, finalized.Envelope.VerificationPassed)
	require.Equal(t, "fake", finalized.Receipt.Provider)

	signal, err := eng.RouteStep(context.Background(), in, finalized.Envelope)
	require.NoError(t, err)
	require.Equal(t, "advance", string(signal.Decision))
}
