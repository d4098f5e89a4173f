/*
Copyright 2026 The Screwdriver Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package breaker composes a generic retrying wrapper around
// sony/gobreaker, so any fallible outbound call (KV store, queue,
// control-plane API) can be guarded uniformly, per spec.md §4.2.
package breaker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/screwdriver-cd/buildqueue/pkg/errkind"
)

// Config configures one Breaker instance.
type Config struct {
	Name         string
	Retries      int           // number of attempts after the first failure
	RetryDelay   time.Duration // delay between retry attempts
	Timeout      time.Duration // per-attempt timeout; 0 disables
	FailureRatio float64       // trips the breaker when failures reach this share of at least 4 requests counted since the last state change
	Cooldown     time.Duration // how long the breaker stays open before probing
}

// DefaultConfig mirrors the spec's inherited-from-caller defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:         name,
		Retries:      3,
		RetryDelay:   5 * time.Second,
		Timeout:      10 * time.Second,
		FailureRatio: 0.6,
		Cooldown:     30 * time.Second,
	}
}

// Stats mirrors the {total, timeouts, success, failure, concurrent,
// averageTimeMs, isClosed} snapshot from spec.md §4.2.
type Stats struct {
	Total         uint32
	Timeouts      uint32
	Success       uint32
	Failure       uint32
	Concurrent    int32
	AverageTimeMs float64
	IsClosed      bool
}

// Breaker wraps an arbitrary fallible callee with retries and a
// gobreaker-backed trip/cooldown/probe state machine.
type Breaker struct {
	cfg Config
	cb  *gobreaker.CircuitBreaker

	mu          sync.Mutex
	totalTimeMs float64
	samples     uint32
	timeouts    uint32
	concurrent  int32
}

// New constructs a Breaker from cfg.
func New(cfg Config) *Breaker {
	b := &Breaker{cfg: cfg}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 4 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureRatio
		},
	})
	return b
}

// Run invokes fn, retrying up to cfg.Retries additional times on failure
// with cfg.RetryDelay between attempts, all gated by the underlying
// circuit breaker. A tripped breaker fails fast with errkind.BreakerOpen
// without retrying. Context cancellation aborts the retry loop between
// attempts — a deliberate improvement over the JS original noted in
// DESIGN.md's "Other deliberate deviations".
func Run[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	attempts := b.cfg.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return zero, errkind.New(errkind.BreakerOpen, ctx.Err())
			case <-time.After(b.cfg.RetryDelay):
			}
		}

		start := time.Now()
		atomic.AddInt32(&b.concurrent, 1)
		result, err := b.cb.Execute(func() (any, error) {
			callCtx := ctx
			cancel := func() {}
			if b.cfg.Timeout > 0 {
				callCtx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
			}
			defer cancel()
			return fn(callCtx)
		})
		atomic.AddInt32(&b.concurrent, -1)
		elapsed := time.Since(start)

		b.mu.Lock()
		b.totalTimeMs += float64(elapsed.Milliseconds())
		b.samples++
		if errors.Is(err, context.DeadlineExceeded) {
			b.timeouts++
		}
		b.mu.Unlock()

		if err == nil {
			return result.(T), nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, errkind.New(errkind.BreakerOpen, err)
		}
		if errkind.Is(err, errkind.DuplicateScheduled) {
			// Deterministic de-duplication signal, never transient: no
			// point retrying it.
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}

// Stats returns a point-in-time snapshot of call counters.
func (b *Breaker) Stats() Stats {
	counts := b.cb.Counts()
	b.mu.Lock()
	defer b.mu.Unlock()
	avg := 0.0
	if b.samples > 0 {
		avg = b.totalTimeMs / float64(b.samples)
	}
	return Stats{
		Total:         counts.Requests,
		Timeouts:      b.timeouts,
		Success:       counts.TotalSuccesses,
		Failure:       counts.TotalFailures,
		Concurrent:    atomic.LoadInt32(&b.concurrent),
		AverageTimeMs: avg,
		IsClosed:      b.cb.State() == gobreaker.StateClosed,
	}
}
