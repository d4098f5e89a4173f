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

package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/screwdriver-cd/buildqueue/pkg/errkind"
)

func fastConfig(name string) Config {
	cfg := DefaultConfig(name)
	cfg.RetryDelay = time.Millisecond
	cfg.Timeout = 0
	return cfg
}

func TestRunSucceedsWithoutRetry(t *testing.T) {
	b := New(fastConfig("t1"))
	calls := 0
	got, err := Run(context.Background(), b, func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got != "ok" {
		t.Fatalf("got %q, want ok", got)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRunRetriesOnFailure(t *testing.T) {
	cfg := fastConfig("t2")
	cfg.Retries = 2
	b := New(cfg)
	calls := 0
	wantErr := errors.New("boom")
	_, err := Run(context.Background(), b, func(ctx context.Context) (struct{}, error) {
		calls++
		return struct{}{}, wantErr
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (1 + 2 retries)", calls)
	}
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected wrapped wantErr, got %v", err)
	}
}

func TestRunDoesNotRetryDuplicateScheduled(t *testing.T) {
	b := New(fastConfig("t3"))
	calls := 0
	_, err := Run(context.Background(), b, func(ctx context.Context) (struct{}, error) {
		calls++
		return struct{}{}, errkind.New(errkind.DuplicateScheduled, nil)
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on duplicate)", calls)
	}
	if !errkind.Is(err, errkind.DuplicateScheduled) {
		t.Fatalf("expected errkind.DuplicateScheduled, got %v", err)
	}
}

func TestRunAbortsOnContextCancel(t *testing.T) {
	cfg := fastConfig("t4")
	cfg.RetryDelay = time.Hour
	cfg.Retries = 5
	b := New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	done := make(chan struct{})
	go func() {
		_, err := Run(ctx, b, func(ctx context.Context) (struct{}, error) {
			calls++
			return struct{}{}, errors.New("boom")
		})
		if !errkind.Is(err, errkind.BreakerOpen) {
			t.Errorf("expected errkind.BreakerOpen after cancellation, got %v", err)
		}
		close(done)
	}()
	cancel()
	<-done
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (canceled before first retry)", calls)
	}
}

func TestStatsReflectsOutcomes(t *testing.T) {
	b := New(fastConfig("t5"))
	_, _ = Run(context.Background(), b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, nil
	})
	stats := b.Stats()
	if stats.Success == 0 {
		t.Fatal("expected at least one recorded success")
	}
	if !stats.IsClosed {
		t.Fatal("expected breaker to remain closed after a success")
	}
}
