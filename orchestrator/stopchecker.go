package orchestrator

import "context"

// StopChecker is the uniform stop-request surface the step loop depends on.
// StopRegistry (in-process) and RedisStopRegistry (multi-process) both
// satisfy it, so the orchestrator never needs to know which deployment
// topology it's running under.
type StopChecker interface {
	Register(ctx context.Context, runID string) error
	Release(ctx context.Context, runID string) error
	StopRequested(ctx context.Context, runID string) bool
}

var (
	_ StopChecker = (*StopRegistry)(nil)
	_ StopChecker = (*RedisStopRegistry)(nil)
)
