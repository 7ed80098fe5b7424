// Package circuit implements the per-upstream circuit breaker state
// machine. State lives in the shared store so every gateway instance
// agrees on it; each Breaker keeps a short-lived local cache of the record
// to avoid a store round trip on every single admission check.
//
// The implementation is always the store-backed state machine below rather
// than an in-process breaker library: the half-open admission rule needs a
// compare-and-set that every gateway instance observes consistently, which
// a breaker keeping its counters in process memory cannot provide.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zalando-incubator/gatekeeper/internal/metrics"
	"github.com/zalando-incubator/gatekeeper/internal/store"
)

// State names match the wire representation used by the admin surface.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// maxCASRetries bounds how many times Allow and the state transitions
// (ReportSuccess, ReportFailure, Release, Reset) re-read and retry a lost
// compare-and-set. Allow then admits optimistically; a transition returns
// an error.
const maxCASRetries = 3

// localCacheTTL bounds how stale a locally cached CircuitLoad result may be
// before a fresh read is required.
const localCacheTTL = 1 * time.Second

// Settings configures a Breaker. HalfOpenRequests plays a dual role: it is
// both the half-open probe budget and the number of consecutive successes
// required to close again.
type Settings struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenRequests int
}

// Decision is the outcome of an admission check.
type Decision struct {
	Admit      bool
	RetryAfter time.Duration
}

// Breaker guards calls to one upstream service.
type Breaker struct {
	service  string
	settings Settings
	store    store.Store
	metrics  *metrics.Registry

	mu       sync.Mutex
	cached   store.CircuitRecord
	cachedAt time.Time
}

func newBreaker(service string, settings Settings, s store.Store, reg *metrics.Registry) *Breaker {
	return &Breaker{service: service, settings: settings, store: s, metrics: reg}
}

func (b *Breaker) load(ctx context.Context) (store.CircuitRecord, error) {
	b.mu.Lock()
	if !b.cachedAt.IsZero() && time.Since(b.cachedAt) < localCacheTTL {
		rec := b.cached
		b.mu.Unlock()
		return rec, nil
	}
	b.mu.Unlock()

	rec, err := b.store.CircuitLoad(ctx, b.service)
	if err != nil {
		return store.CircuitRecord{}, err
	}

	b.mu.Lock()
	b.cached = rec
	b.cachedAt = time.Now()
	b.mu.Unlock()

	return rec, nil
}

func (b *Breaker) remember(rec store.CircuitRecord) {
	b.mu.Lock()
	b.cached = rec
	b.cachedAt = time.Now()
	b.mu.Unlock()
}

func (b *Breaker) failOpen(err error) {
	log.WithError(err).WithField("service", b.service).Warn("circuit breaker failing open on admission: store unavailable")
	if b.metrics != nil {
		b.metrics.ObserveStoreFailOpen(b.service)
	}
}

// CachedState returns the most recently observed state without forcing a
// store round trip. It may lag the store by up to localCacheTTL, which is
// an acceptable bound for a gauge re-observed on every request.
func (b *Breaker) CachedState() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cached.State == "" {
		return StateClosed
	}
	return b.cached.State
}

// Allow decides whether a request to this service should be admitted. On a
// store outage it fails open on admission: the breaker cannot block
// traffic it cannot see state for.
func (b *Breaker) Allow(ctx context.Context) (Decision, error) {
	// Closed is the hot path and has nothing to gate admission on, so a
	// cached read is enough to skip a store round trip entirely.
	if cached, err := b.load(ctx); err == nil && cached.State == StateClosed {
		return Decision{Admit: true}, nil
	} else if err != nil && errors.Is(err, store.ErrUnavailable) {
		b.failOpen(err)
		return Decision{Admit: true}, nil
	}

	for attempt := 0; attempt < maxCASRetries; attempt++ {
		current, err := b.store.CircuitLoad(ctx, b.service)
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				b.failOpen(err)
				return Decision{Admit: true}, nil
			}
			return Decision{}, err
		}

		switch current.State {
		case StateOpen:
			elapsed := time.Since(current.OpenedAt)
			if elapsed < b.settings.RecoveryTimeout {
				return Decision{Admit: false, RetryAfter: b.settings.RecoveryTimeout - elapsed}, nil
			}

			// admitted is set inside the CAS closure itself, which always
			// runs against the freshly-read record, so the decision is
			// made against the same state the write commits — not against
			// the (possibly stale) current read above.
			admitted := false
			next, ok, err := b.store.CircuitSwap(ctx, b.service, func(r store.CircuitRecord) store.CircuitRecord {
				if r.State != StateOpen || time.Since(r.OpenedAt) < b.settings.RecoveryTimeout {
					return r
				}
				r.State = StateHalfOpen
				r.HalfOpenInFlight = 1
				r.ConsecutiveSuccess = 0
				admitted = true
				return r
			})
			if err != nil {
				if errors.Is(err, store.ErrUnavailable) {
					b.failOpen(err)
					return Decision{Admit: true}, nil
				}
				return Decision{}, err
			}
			if !ok {
				continue
			}
			b.remember(next)
			if admitted {
				return Decision{Admit: true}, nil
			}
			continue

		case StateHalfOpen:
			admitted := false
			next, ok, err := b.store.CircuitSwap(ctx, b.service, func(r store.CircuitRecord) store.CircuitRecord {
				if r.State != StateHalfOpen || r.HalfOpenInFlight >= b.settings.HalfOpenRequests {
					return r
				}
				r.HalfOpenInFlight++
				admitted = true
				return r
			})
			if err != nil {
				if errors.Is(err, store.ErrUnavailable) {
					b.failOpen(err)
					return Decision{Admit: true}, nil
				}
				return Decision{}, err
			}
			if !ok {
				continue
			}
			b.remember(next)
			if admitted {
				return Decision{Admit: true}, nil
			}
			return Decision{Admit: false, RetryAfter: b.settings.RecoveryTimeout}, nil

		default: // StateClosed
			b.remember(current)
			return Decision{Admit: true}, nil
		}
	}

	// Lost too many races; admit optimistically rather than starve the
	// request, matching the fail-open-on-admission policy for contention
	// as well as outages.
	return Decision{Admit: true}, nil
}

// ReportSuccess records a successful call.
func (b *Breaker) ReportSuccess(ctx context.Context) error {
	return b.transition(ctx, func(r store.CircuitRecord) store.CircuitRecord {
		switch r.State {
		case StateHalfOpen:
			r.ConsecutiveSuccess++
			if r.HalfOpenInFlight > 0 {
				r.HalfOpenInFlight--
			}
			if r.ConsecutiveSuccess >= b.settings.HalfOpenRequests {
				return store.CircuitRecord{State: StateClosed}
			}
			return r
		default:
			r.ConsecutiveFailures = 0
			return r
		}
	})
}

// ReportFailure records a failed call.
func (b *Breaker) ReportFailure(ctx context.Context) error {
	return b.transition(ctx, func(r store.CircuitRecord) store.CircuitRecord {
		switch r.State {
		case StateHalfOpen:
			return store.CircuitRecord{State: StateOpen, ConsecutiveFailures: 1, OpenedAt: time.Now()}
		default:
			r.ConsecutiveFailures++
			if r.ConsecutiveFailures >= b.settings.FailureThreshold {
				return store.CircuitRecord{State: StateOpen, ConsecutiveFailures: r.ConsecutiveFailures, OpenedAt: time.Now()}
			}
			return r
		}
	})
}

// Release gives back a half-open probe slot without counting it as a
// success or a failure, for a client-disconnect cancellation.
func (b *Breaker) Release(ctx context.Context) error {
	return b.transition(ctx, func(r store.CircuitRecord) store.CircuitRecord {
		if r.State == StateHalfOpen && r.HalfOpenInFlight > 0 {
			r.HalfOpenInFlight--
		}
		return r
	})
}

// Reset forces the breaker to Closed with zero counters, for the admin
// reset endpoint. It always succeeds regardless of the prior state.
func (b *Breaker) Reset(ctx context.Context) error {
	return b.transition(ctx, func(store.CircuitRecord) store.CircuitRecord {
		return store.CircuitRecord{State: StateClosed}
	})
}

// Snapshot returns the breaker's current record for the admin surface,
// bypassing the local cache so /api/circuits always reflects the store.
func (b *Breaker) Snapshot(ctx context.Context) (store.CircuitRecord, error) {
	return b.store.CircuitLoad(ctx, b.service)
}

func (b *Breaker) transition(ctx context.Context, fn func(store.CircuitRecord) store.CircuitRecord) error {
	for attempt := 0; attempt < maxCASRetries; attempt++ {
		next, ok, err := b.store.CircuitSwap(ctx, b.service, fn)
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				log.WithError(err).WithField("service", b.service).Warn("circuit breaker update dropped: store unavailable")
				if b.metrics != nil {
					b.metrics.ObserveStoreFailOpen(b.service)
				}
				return nil
			}
			return err
		}
		if ok {
			b.remember(next)
			return nil
		}
	}
	return fmt.Errorf("circuit %s: exceeded CAS retries", b.service)
}

// Registry hands out one Breaker per service name, lazily creating and
// caching each one on first use.
type Registry struct {
	settings Settings
	store    store.Store
	metrics  *metrics.Registry

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds a Registry that applies settings to every breaker it
// creates. reg may be nil, in which case fail-open events are only logged.
func NewRegistry(s store.Store, settings Settings, reg *metrics.Registry) *Registry {
	return &Registry{
		settings: settings,
		store:    s,
		metrics:  reg,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the Breaker for service, creating it on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[service]
	if !ok {
		b = newBreaker(service, r.settings, r.store, r.metrics)
		r.breakers[service] = b
	}
	return b
}

// Services lists every service name a breaker has been created for. The
// order of the returned names is not defined.
func (r *Registry) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	return names
}
