package jobmanager

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jobnik/worker-sdk/core"
)

// IdempotencyGuard prevents the same task from being settled twice by
// cooperating Worker replicas pulling the same stage type. The local
// precondition in Consumer (observed status must be IN_PROGRESS) already
// protects a single Worker against double-settlement; the guard extends
// that protection across a fleet sharing one Redis instance.
type IdempotencyGuard interface {
	// Claim returns true if this call is the first to claim taskID for the
	// guard's TTL window, false if another replica already claimed it.
	Claim(ctx context.Context, taskID TaskId) (bool, error)
}

// NoopIdempotencyGuard always grants the claim; used when Redis is disabled.
type NoopIdempotencyGuard struct{}

func (NoopIdempotencyGuard) Claim(ctx context.Context, taskID TaskId) (bool, error) {
	return true, nil
}

// RedisIdempotencyGuard implements IdempotencyGuard with a Redis SET NX.
type RedisIdempotencyGuard struct {
	client    *redis.Client
	ttl       time.Duration
	keyPrefix string
}

// NewRedisIdempotencyGuard connects to cfg.URL and returns a guard keyed by
// keyPrefix. Returns a ConfigurationError if the URL cannot be parsed.
func NewRedisIdempotencyGuard(cfg core.RedisConfig, keyPrefix string) (*RedisIdempotencyGuard, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, core.NewConfigurationError(core.ConfigInvalidURL, fmt.Sprintf("redis.url %q: %v", cfg.URL, err))
	}

	ttl := cfg.IdempotencyTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if keyPrefix == "" {
		keyPrefix = "jobnik:worker:settled"
	}

	return &RedisIdempotencyGuard{
		client:    redis.NewClient(opts),
		ttl:       ttl,
		keyPrefix: keyPrefix,
	}, nil
}

// Claim attempts to atomically mark taskID as settled. Redis is treated as
// best-effort: a connectivity error degrades to "claim granted" rather than
// blocking task settlement on an unrelated infrastructure outage.
func (g *RedisIdempotencyGuard) Claim(ctx context.Context, taskID TaskId) (bool, error) {
	key := g.keyPrefix + ":" + taskID.String()
	ok, err := g.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), g.ttl).Result()
	if err != nil {
		return true, core.NewConsumerError(core.ConsumerRequestFailed, err)
	}
	return ok, nil
}

// Close releases the underlying Redis connection pool.
func (g *RedisIdempotencyGuard) Close() error {
	return g.client.Close()
}
