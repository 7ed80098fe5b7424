// Package ratelimit implements the two per-request limiting algorithms: a
// fixed-window-by-floor counter and a token bucket, both delegating their
// atomic state to an internal/store.Store so every gateway instance agrees
// on the same counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zalando-incubator/gatekeeper/internal/metrics"
	"github.com/zalando-incubator/gatekeeper/internal/store"
)

// Decision is the outcome of a single check/consume call.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetIn   time.Duration
}

// SlidingWindowLimiter implements a fixed-window-by-floor algorithm: the
// window boundary is baked into the store key so a single atomic
// INCR-with-TTL is enough to decide admission.
type SlidingWindowLimiter struct {
	store   store.Store
	metrics *metrics.Registry
}

// NewSlidingWindowLimiter wraps store for use as a sliding-window limiter.
// reg may be nil, in which case fail-open events are only logged.
func NewSlidingWindowLimiter(s store.Store, reg *metrics.Registry) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{store: s, metrics: reg}
}

// Check increments the window counter for identity and reports whether the
// request is admitted. On a store outage it fails open: the request is
// admitted, a warning is logged, and a fail-open metric is recorded rather
// than the error being propagated, since availability outranks strictness
// for this limiter.
func (l *SlidingWindowLimiter) Check(ctx context.Context, identity string, limit, windowSeconds int) (Decision, error) {
	now := time.Now()
	windowFloor := now.Unix() / int64(windowSeconds)
	key := fmt.Sprintf("ratelimit:window:%s:%d", identity, windowFloor)

	count, err := l.store.SlidingWindowIncrement(ctx, key, windowSeconds)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			log.WithError(err).Warn("sliding window limiter failing open: store unavailable")
			if l.metrics != nil {
				l.metrics.ObserveStoreFailOpen("sliding_window")
			}
			return Decision{Allowed: true, Remaining: limit, ResetIn: time.Duration(windowSeconds) * time.Second}, nil
		}
		return Decision{}, err
	}

	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	resetIn := time.Duration(windowSeconds-int(now.Unix()%int64(windowSeconds))) * time.Second

	return Decision{
		Allowed:   count <= int64(limit),
		Remaining: remaining,
		ResetIn:   resetIn,
	}, nil
}

// TokenBucketLimiter implements a refill-then-consume algorithm, delegating
// the atomic read-modify-write to the store's embedded Lua script.
type TokenBucketLimiter struct {
	store   store.Store
	metrics *metrics.Registry
}

// NewTokenBucketLimiter wraps store for use as a token-bucket limiter. reg
// may be nil, in which case fail-open events are only logged.
func NewTokenBucketLimiter(s store.Store, reg *metrics.Registry) *TokenBucketLimiter {
	return &TokenBucketLimiter{store: s, metrics: reg}
}

// Consume attempts to take cost tokens from identity's bucket. On a store
// outage it fails open for the same availability reason as the sliding
// window limiter, recording a fail-open metric alongside the warning log.
func (l *TokenBucketLimiter) Consume(ctx context.Context, identity string, capacity int, refillPerSecond float64, cost int) (Decision, error) {
	if cost <= 0 {
		cost = 1
	}

	key := fmt.Sprintf("ratelimit:bucket:%s", identity)

	allowed, remaining, err := l.store.TokenBucketConsume(ctx, key, capacity, refillPerSecond, cost)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			log.WithError(err).Warn("token bucket limiter failing open: store unavailable")
			if l.metrics != nil {
				l.metrics.ObserveStoreFailOpen("token_bucket")
			}
			return Decision{Allowed: true, Remaining: capacity}, nil
		}
		return Decision{}, err
	}

	return Decision{
		Allowed:   allowed,
		Remaining: int(remaining),
	}, nil
}
