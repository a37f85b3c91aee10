package orchestrator

import (
	"context"
	"sync"
)

// StopRegistry tracks one stop-request flag per run id, keyed the way
// spec.md §4.5 describes: "register a stop-request channel/event keyed by
// run_id" at run start, checked at each step boundary, released at run end.
// It is in-process only; RedisStopRegistry below covers the multi-process
// case.
type StopRegistry struct {
	mu    sync.Mutex
	stops map[string]chan struct{}
}

// NewStopRegistry returns an empty, ready-to-use registry.
func NewStopRegistry() *StopRegistry {
	return &StopRegistry{stops: make(map[string]chan struct{})}
}

// Register creates the stop channel for runID, replacing any previous one.
// Call once at run start. ctx is accepted, not used, so StopRegistry and
// RedisStopRegistry satisfy the same StopChecker interface.
func (r *StopRegistry) Register(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops[runID] = make(chan struct{})
	return nil
}

// Release forgets runID. Call once the run reaches a terminal state.
func (r *StopRegistry) Release(ctx context.Context, runID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.stops, runID)
	return nil
}

// RequestStop signals the run's stop channel, if registered. Idempotent:
// requesting stop twice on the same run is a no-op the second time.
func (r *StopRegistry) RequestStop(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.stops[runID]
	if !ok {
		return
	}
	select {
	case <-ch:
		// already closed
	default:
		close(ch)
	}
}

// StopRequested reports, without blocking, whether a stop has been
// requested for runID. Cancellation is cooperative: the orchestrator only
// checks this between steps, never mid-step (spec.md §5).
func (r *StopRegistry) StopRequested(ctx context.Context, runID string) bool {
	r.mu.Lock()
	ch, ok := r.stops[runID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// WaitStop blocks until either ctx is done or a stop is requested for
// runID, whichever comes first. Used by long-lived supervisory code that
// wants to react to a stop without polling.
func (r *StopRegistry) WaitStop(ctx context.Context, runID string) {
	r.mu.Lock()
	ch, ok := r.stops[runID]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-ctx.Done():
	case <-ch:
	}
}
