// Package store adapts the shared key-value store (Redis) that backs the
// rate limiters and the circuit breaker registry. It is the only component
// that talks to Redis directly; every other package depends on the
// interfaces defined here so they can be exercised against the in-memory
// fake in tests.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ErrUnavailable wraps any error that indicates the shared store could not
// be reached. Callers use errors.Is(err, ErrUnavailable) to decide whether
// to fail open (limiter) or fail open on admission (breaker), per the
// fail-open/fail-closed policy described in the error handling design.
var ErrUnavailable = errors.New("shared store unavailable")

// Store is the contract the rate limiters and circuit breaker registry
// depend on. A Redis-backed implementation and an in-memory fake both
// satisfy it.
type Store interface {
	// SlidingWindowIncrement atomically increments the counter for the
	// already-quantized window key and returns the post-increment count.
	// TTL is armed to 2×windowSeconds only on the first hit in the window.
	SlidingWindowIncrement(ctx context.Context, key string, windowSeconds int) (int64, error)

	// TokenBucketConsume performs the token-bucket refill-then-consume
	// algorithm atomically and returns whether cost tokens were taken and
	// how many remain.
	TokenBucketConsume(ctx context.Context, key string, capacity int, refillPerSecond float64, cost int) (allowed bool, remaining float64, err error)

	// CircuitLoad reads the current circuit record for service, returning a
	// fresh Closed record (without storing it) if none exists yet.
	CircuitLoad(ctx context.Context, service string) (CircuitRecord, error)

	// CircuitSwap performs a compare-and-set: it reads the stored record,
	// applies transition to produce the next record, and writes it back
	// only if nothing else changed the record in between (optimistic
	// concurrency via a Lua script so the check-and-write is atomic).
	// ok is false if the CAS lost a race; the caller should retry.
	CircuitSwap(ctx context.Context, service string, transition func(CircuitRecord) CircuitRecord) (next CircuitRecord, ok bool, err error)

	// Ping verifies connectivity for health checks.
	Ping(ctx context.Context) error

	// Close releases underlying connections.
	Close() error
}

// CircuitRecord mirrors the per-service circuit breaker state described in
// the data model. Version is an internal optimistic-concurrency token, not
// part of the public data model, and is never exposed outside this package
// and internal/circuit.
type CircuitRecord struct {
	State               string
	ConsecutiveFailures int
	ConsecutiveSuccess  int
	OpenedAt            time.Time
	HalfOpenInFlight    int
	Version             int64
}

// RedisStore is the production Store backed by a single-node Redis
// instance: a thin wrapper that owns the connection, retries the initial
// ping with backoff, and runs the token-bucket and circuit-CAS algorithms
// as embedded Lua scripts so each is one atomic round trip.
type RedisStore struct {
	client *redis.Client

	slidingWindowScript *redis.Script
	tokenBucketScript   *redis.Script
	circuitCASScript    *redis.Script
}

// Options configures the Redis connection.
type Options struct {
	URL             string
	DialTimeout     time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	PoolSize        int
	MinIdleConns    int
	ConnectTimeout  time.Duration
	PingMaxAttempts uint
}

// NewRedisStore dials Redis and blocks briefly, retrying with exponential
// backoff, until the instance is reachable. It returns an error if the
// instance never becomes reachable within the configured attempts, which
// the caller should treat as a fatal startup error.
func NewRedisStore(opts Options) (*RedisStore, error) {
	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	if opts.DialTimeout > 0 {
		redisOpts.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		redisOpts.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		redisOpts.WriteTimeout = opts.WriteTimeout
	}
	if opts.PoolSize > 0 {
		redisOpts.PoolSize = opts.PoolSize
	}
	if opts.MinIdleConns > 0 {
		redisOpts.MinIdleConns = opts.MinIdleConns
	}

	client := redis.NewClient(redisOpts)

	s := &RedisStore{
		client:              client,
		slidingWindowScript: redis.NewScript(slidingWindowLua),
		tokenBucketScript:   redis.NewScript(tokenBucketLua),
		circuitCASScript:    redis.NewScript(circuitCASLua),
	}

	attempts := opts.PingMaxAttempts
	if attempts == 0 {
		attempts = 7
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = backoff.Retry(func() error {
		pingErr := client.Ping(ctx).Err()
		if pingErr != nil {
			log.WithError(pingErr).Info("shared store not reachable yet, retrying")
		}
		return pingErr
	}, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(attempts)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return s, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// SlidingWindowIncrement implements the fixed-window-by-floor algorithm as
// a single INCR-then-conditionally-EXPIRE script: one atomic counter per
// key, with the TTL armed only on the first hit in the window.
func (s *RedisStore) SlidingWindowIncrement(ctx context.Context, key string, windowSeconds int) (int64, error) {
	res, err := s.slidingWindowScript.Run(ctx, s.client, []string{key}, windowSeconds).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	count, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("sliding window script returned unexpected shape: %v", res)
	}

	return count, nil
}

// TokenBucketConsume runs the refill-then-consume algorithm as a single Lua
// script so the read-modify-write is atomic.
func (s *RedisStore) TokenBucketConsume(ctx context.Context, key string, capacity int, refillPerSecond float64, cost int) (bool, float64, error) {
	nowMicros := time.Now().UnixMicro()
	ttlSeconds := int64(2 * float64(capacity) / refillPerSecond)
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	res, err := s.tokenBucketScript.Run(ctx, s.client, []string{key}, capacity, refillPerSecond, cost, nowMicros, ttlSeconds).Result()
	if err != nil {
		return false, 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("token bucket script returned unexpected shape: %v", res)
	}

	allowedInt, _ := vals[0].(int64)
	remainingStr, _ := vals[1].(string)

	var remaining float64
	fmt.Sscanf(remainingStr, "%f", &remaining)

	return allowedInt == 1, remaining, nil
}

// CircuitLoad fetches the stored hash for service and decodes it into a
// CircuitRecord, defaulting to a fresh Closed record when absent.
func (s *RedisStore) CircuitLoad(ctx context.Context, service string) (CircuitRecord, error) {
	m, err := s.client.HGetAll(ctx, circuitKey(service)).Result()
	if err != nil {
		return CircuitRecord{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if len(m) == 0 {
		return CircuitRecord{State: "closed"}, nil
	}

	return decodeCircuitRecord(m), nil
}

// CircuitSwap performs a compare-and-set via a Lua script: it loads the
// current record, calls transition in Go to decide the next state (keeping
// the state machine itself out of Lua and easy to unit test), then asks
// the script to write the result only if the version it read has not
// changed, which detects a lost race without holding a distributed lock.
func (s *RedisStore) CircuitSwap(ctx context.Context, service string, transition func(CircuitRecord) CircuitRecord) (CircuitRecord, bool, error) {
	current, err := s.CircuitLoad(ctx, service)
	if err != nil {
		return CircuitRecord{}, false, err
	}

	next := transition(current)
	next.Version = current.Version + 1

	res, err := s.circuitCASScript.Run(ctx, s.client, []string{circuitKey(service)},
		current.Version,
		next.State,
		next.ConsecutiveFailures,
		next.ConsecutiveSuccess,
		encodeTime(next.OpenedAt),
		next.HalfOpenInFlight,
		next.Version,
	).Result()
	if err != nil {
		return CircuitRecord{}, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	swapped, _ := res.(int64)
	if swapped != 1 {
		return CircuitRecord{}, false, nil
	}

	return next, true, nil
}

func circuitKey(service string) string {
	return "circuit:" + service
}

func encodeTime(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return fmt.Sprintf("%d", t.UnixNano())
}

func decodeCircuitRecord(m map[string]string) CircuitRecord {
	r := CircuitRecord{State: m["state"]}
	fmt.Sscanf(m["failures"], "%d", &r.ConsecutiveFailures)
	fmt.Sscanf(m["successes"], "%d", &r.ConsecutiveSuccess)
	fmt.Sscanf(m["half_open_in_flight"], "%d", &r.HalfOpenInFlight)
	fmt.Sscanf(m["version"], "%d", &r.Version)

	var openedAtNanos int64
	fmt.Sscanf(m["opened_at"], "%d", &openedAtNanos)
	if openedAtNanos > 0 {
		r.OpenedAt = time.Unix(0, openedAtNanos)
	}

	return r
}
