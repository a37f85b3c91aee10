// Package temporal adapts a lifecycle-capable engine.LifecycleEngine to run
// each of its three phases (run_worker, finalize_step, route_step) as a
// Temporal activity inside a minimal per-phase workflow. This buys durable
// execution for the slow, flaky part of a step — the engine invocation
// itself — without requiring the orchestrator's outer step loop (which does
// plain filesystem I/O against the store) to live inside Temporal's
// deterministic workflow sandbox.
//
// One Engine manages one task queue and one worker. Construct it (the worker
// starts automatically on the first phase call) and pass the Engine anywhere an engine.LifecycleEngine is expected — the orchestrator
// does not need to know the phases are Temporal-backed.
package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.temporal.io/sdk/activity"
	"go.temporal.io/sdk/client"
	temporalotel "go.temporal.io/sdk/contrib/opentelemetry"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/flowstep/orchestrator/engine"
	"github.com/flowstep/orchestrator/telemetry"
	"github.com/flowstep/orchestrator/types"
)

const (
	workflowRunStep   = "flowstep_run_step"
	workflowRunWorker = "flowstep_run_worker"
	workflowFinalize  = "flowstep_finalize_step"
	workflowRouteStep = "flowstep_route_step"
	activityRunStep   = "flowstep_run_step_activity"
	activityRunWorker = "flowstep_run_worker_activity"
	activityFinalize  = "flowstep_finalize_step_activity"
	activityRouteStep = "flowstep_route_step_activity"

	// defaultPhaseTimeout bounds a single activity attempt; engine calls are
	// expected to finish well inside an LLM provider's own request timeout.
	defaultPhaseTimeout = 10 * time.Minute
)

// Options configures the Temporal-backed engine adapter.
type Options struct {
	// Client is a pre-configured Temporal client. If nil, ClientOptions is
	// used to lazily construct one, and the Engine owns its lifecycle.
	Client client.Client
	// ClientOptions constructs a client when Client is nil.
	ClientOptions *client.Options
	// TaskQueue is the queue this engine's worker polls. Required.
	TaskQueue string
	// DisableTracing/DisableMetrics opt out of the default OTEL
	// instrumentation applied to the client and worker.
	DisableTracing bool
	DisableMetrics bool
	// Logger receives worker lifecycle and per-phase diagnostics.
	Logger telemetry.Logger
}

// Engine runs an inner engine.LifecycleEngine's three phases as Temporal
// activities, giving each phase Temporal's retry policy and timeout handling
// instead of a bare synchronous call.
type Engine struct {
	inner engine.LifecycleEngine

	client      client.Client
	closeClient bool
	queue       string
	worker      worker.Worker

	logger telemetry.Logger

	startOnce sync.Once
}

// New wraps inner so that RunWorker, FinalizeStep, and RouteStep each
// execute as a short-lived Temporal workflow invoking one activity.
func New(opts Options, inner engine.LifecycleEngine) (*Engine, error) {
	if inner == nil {
		return nil, fmt.Errorf("temporal engine: inner lifecycle engine is required")
	}
	if opts.TaskQueue == "" {
		return nil, fmt.Errorf("temporal engine: task queue is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NoopLogger{}
	}

	cli := opts.Client
	closeClient := false
	if cli == nil {
		if opts.ClientOptions == nil {
			return nil, fmt.Errorf("temporal engine: client options required when Client is nil")
		}
		clientOpts := *opts.ClientOptions
		applyInstrumentation(&clientOpts, opts.DisableTracing, opts.DisableMetrics)
		var err error
		cli, err = client.NewLazyClient(clientOpts)
		if err != nil {
			return nil, fmt.Errorf("temporal engine: create client: %w", err)
		}
		closeClient = true
	}

	e := &Engine{inner: inner, client: cli, closeClient: closeClient, queue: opts.TaskQueue, logger: logger}
	e.worker = worker.New(cli, opts.TaskQueue, worker.Options{})
	e.registerWorkflowsAndActivities()
	return e, nil
}

func applyInstrumentation(opts *client.Options, disableTracing, disableMetrics bool) {
	if !disableTracing {
		if interceptor, err := temporalotel.NewTracingInterceptor(temporalotel.TracerOptions{}); err == nil {
			opts.Interceptors = append(opts.Interceptors, interceptor)
		}
	}
	if !disableMetrics && opts.MetricsHandler == nil {
		opts.MetricsHandler = temporalotel.NewMetricsHandler(temporalotel.MetricsHandlerOptions{})
	}
}

// phaseInput/phaseOutput are the generic envelopes every phase activity
// exchanges; each phase's real payload travels as the Args/Result `any`.
type phaseInput struct {
	In     engine.StepInput
	Result engine.StepResult  // populated for finalize/route
	Work   engine.WorkSummary // populated for finalize
	Handoff types.HandoffEnvelope // populated for route
}

type phaseOutput struct {
	Result      engine.StepResult
	Events      []engine.Event
	Work        engine.WorkSummary
	Finalization engine.FinalizationResult
	Routing     types.RoutingSignal
}

func (e *Engine) registerWorkflowsAndActivities() {
	e.worker.RegisterActivityWithOptions(e.runStepActivity, activity.RegisterOptions{Name: activityRunStep})
	e.worker.RegisterActivityWithOptions(e.runWorkerActivity, activity.RegisterOptions{Name: activityRunWorker})
	e.worker.RegisterActivityWithOptions(e.finalizeActivity, activity.RegisterOptions{Name: activityFinalize})
	e.worker.RegisterActivityWithOptions(e.routeActivity, activity.RegisterOptions{Name: activityRouteStep})

	e.worker.RegisterWorkflowWithOptions(runStepWorkflow, workflow.RegisterOptions{Name: workflowRunStep})
	e.worker.RegisterWorkflowWithOptions(runWorkerWorkflow, workflow.RegisterOptions{Name: workflowRunWorker})
	e.worker.RegisterWorkflowWithOptions(finalizeWorkflow, workflow.RegisterOptions{Name: workflowFinalize})
	e.worker.RegisterWorkflowWithOptions(routeStepWorkflow, workflow.RegisterOptions{Name: workflowRouteStep})
}

func (e *Engine) runStepActivity(ctx context.Context, in phaseInput) (phaseOutput, error) {
	result, events, err := e.inner.RunStep(ctx, in.In)
	return phaseOutput{Result: result, Events: events}, err
}

func (e *Engine) runWorkerActivity(ctx context.Context, in phaseInput) (phaseOutput, error) {
	result, events, work, err := e.inner.RunWorker(ctx, in.In)
	return phaseOutput{Result: result, Events: events, Work: work}, err
}

func (e *Engine) finalizeActivity(ctx context.Context, in phaseInput) (phaseOutput, error) {
	finalized, err := e.inner.FinalizeStep(ctx, in.In, in.Result, in.Work)
	return phaseOutput{Finalization: finalized}, err
}

func (e *Engine) routeActivity(ctx context.Context, in phaseInput) (phaseOutput, error) {
	signal, err := e.inner.RouteStep(ctx, in.In, in.Handoff)
	return phaseOutput{Routing: signal}, err
}

// These workflow functions are deliberately trivial: one activity call with
// the worker-registered default retry policy, so determinism constraints
// never become a concern (no branching on wall-clock time, no direct I/O).
func runStepWorkflow(ctx workflow.Context, in phaseInput) (phaseOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())
	var out phaseOutput
	err := workflow.ExecuteActivity(ctx, activityRunStep, in).Get(ctx, &out)
	return out, err
}

func runWorkerWorkflow(ctx workflow.Context, in phaseInput) (phaseOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())
	var out phaseOutput
	err := workflow.ExecuteActivity(ctx, activityRunWorker, in).Get(ctx, &out)
	return out, err
}

func finalizeWorkflow(ctx workflow.Context, in phaseInput) (phaseOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())
	var out phaseOutput
	err := workflow.ExecuteActivity(ctx, activityFinalize, in).Get(ctx, &out)
	return out, err
}

func routeStepWorkflow(ctx workflow.Context, in phaseInput) (phaseOutput, error) {
	ctx = workflow.WithActivityOptions(ctx, defaultActivityOptions())
	var out phaseOutput
	err := workflow.ExecuteActivity(ctx, activityRouteStep, in).Get(ctx, &out)
	return out, err
}

func (e *Engine) EngineID() string { return e.inner.EngineID() + ":temporal" }

func (e *Engine) RunStep(ctx context.Context, in engine.StepInput) (engine.StepResult, []engine.Event, error) {
	e.ensureWorkerStarted()
	out, err := e.execute(ctx, workflowRunStep, in.RunID+":"+in.StepID+":run_step", phaseInput{In: in})
	return out.Result, out.Events, err
}

func (e *Engine) RunWorker(ctx context.Context, in engine.StepInput) (engine.StepResult, []engine.Event, engine.WorkSummary, error) {
	e.ensureWorkerStarted()
	out, err := e.execute(ctx, workflowRunWorker, in.RunID+":"+in.StepID+":run_worker", phaseInput{In: in})
	return out.Result, out.Events, out.Work, err
}

func (e *Engine) FinalizeStep(ctx context.Context, in engine.StepInput, result engine.StepResult, work engine.WorkSummary) (engine.FinalizationResult, error) {
	e.ensureWorkerStarted()
	out, err := e.execute(ctx, workflowFinalize, in.RunID+":"+in.StepID+":finalize", phaseInput{In: in, Result: result, Work: work})
	return out.Finalization, err
}

func (e *Engine) RouteStep(ctx context.Context, in engine.StepInput, handoff types.HandoffEnvelope) (types.RoutingSignal, error) {
	e.ensureWorkerStarted()
	out, err := e.execute(ctx, workflowRouteStep, in.RunID+":"+in.StepID+":route", phaseInput{In: in, Handoff: handoff})
	return out.Routing, err
}

func (e *Engine) execute(ctx context.Context, workflowName, workflowID string, in phaseInput) (phaseOutput, error) {
	run, err := e.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{ID: workflowID, TaskQueue: e.queue}, workflowName, in)
	if err != nil {
		return phaseOutput{}, fmt.Errorf("temporal engine: start %s: %w", workflowName, err)
	}
	var out phaseOutput
	if err := run.Get(ctx, &out); err != nil {
		return phaseOutput{}, fmt.Errorf("temporal engine: %s: %w", workflowName, err)
	}
	return out, nil
}

func (e *Engine) ensureWorkerStarted() {
	e.startOnce.Do(func() {
		go func() {
			if err := e.worker.Run(worker.InterruptCh()); err != nil {
				e.logger.Error(context.Background(), "temporal engine: worker exited", "queue", e.queue, "err", err)
			}
		}()
	})
}

// Close shuts down the worker and, if this Engine created the client,
// closes it too.
func (e *Engine) Close() {
	e.worker.Stop()
	if e.closeClient && e.client != nil {
		e.client.Close()
	}
}

func defaultActivityOptions() workflow.ActivityOptions {
	return workflow.ActivityOptions{StartToCloseTimeout: defaultPhaseTimeout}
}
