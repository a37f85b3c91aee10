package orchestrator

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowstep/orchestrator/telemetry"
)

// RedisStopRegistry is a multi-process StopRegistry: a stop request is a key
// write visible to every orchestrator worker sharing the same Redis
// instance, for deployments where a run's step loop and the API that
// receives a stop request live in different processes.
type RedisStopRegistry struct {
	client *redis.Client
	logger telemetry.Logger
	prefix string
	ttl    time.Duration
}

// RedisStopRegistryOption configures a RedisStopRegistry.
type RedisStopRegistryOption func(*RedisStopRegistry)

// WithRedisLogger overrides the logger.
func WithRedisLogger(l telemetry.Logger) RedisStopRegistryOption {
	return func(r *RedisStopRegistry) { r.logger = l }
}

// WithRedisKeyPrefix overrides the key prefix (default "orchestrator:stop:").
func WithRedisKeyPrefix(prefix string) RedisStopRegistryOption {
	return func(r *RedisStopRegistry) { r.prefix = prefix }
}

// WithRedisTTL bounds how long a stop flag and a registration marker
// survive without being explicitly released — a safety net against leaked
// keys from a worker that crashed before calling Release.
func WithRedisTTL(ttl time.Duration) RedisStopRegistryOption {
	return func(r *RedisStopRegistry) { r.ttl = ttl }
}

// NewRedisStopRegistry wraps an existing *redis.Client.
func NewRedisStopRegistry(client *redis.Client, opts ...RedisStopRegistryOption) *RedisStopRegistry {
	r := &RedisStopRegistry{
		client: client,
		logger: telemetry.NoopLogger{},
		prefix: "orchestrator:stop:",
		ttl:    24 * time.Hour,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *RedisStopRegistry) key(runID string) string {
	return r.prefix + runID
}

// Register marks runID as active so RequestStop has something to flag.
func (r *RedisStopRegistry) Register(ctx context.Context, runID string) error {
	return r.client.Set(ctx, r.key(runID), "0", r.ttl).Err()
}

// Release deletes the run's stop key.
func (r *RedisStopRegistry) Release(ctx context.Context, runID string) error {
	return r.client.Del(ctx, r.key(runID)).Err()
}

// RequestStop flips the run's flag to requested. A missing key (run
// finished or never registered) is not an error — the request simply has no
// effect.
func (r *RedisStopRegistry) RequestStop(ctx context.Context, runID string) error {
	err := r.client.SetXX(ctx, r.key(runID), "1", r.ttl).Err()
	if err != nil {
		r.logger.Warn(ctx, "orchestrator: redis stop request failed", "run_id", runID, "err", err)
	}
	return err
}

// StopRequested reports whether a stop has been flagged for runID. Any
// Redis error is treated as "no stop requested" rather than propagated,
// matching the cooperative, best-effort nature of cancellation (spec.md
// §5): a transient Redis blip must never itself halt a run, but it also
// must never silently swallow a real stop forever, so callers should treat
// a sustained error as actionable via logging, not via run termination.
func (r *RedisStopRegistry) StopRequested(ctx context.Context, runID string) bool {
	val, err := r.client.Get(ctx, r.key(runID)).Result()
	if err != nil {
		if err != redis.Nil {
			r.logger.Warn(ctx, "orchestrator: redis stop check failed", "run_id", runID, "err", err)
		}
		return false
	}
	return val == "1"
}
