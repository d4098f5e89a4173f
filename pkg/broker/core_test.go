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

package broker_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/screwdriver-cd/buildqueue/pkg/apiclient"
	"github.com/screwdriver-cd/buildqueue/pkg/breaker"
	"github.com/screwdriver-cd/buildqueue/pkg/broker"
	"github.com/screwdriver-cd/buildqueue/pkg/broker/internal/fakestore"
)

// currentMinuteCron returns a cron expression matching only the current
// wall-clock minute, so a freeze window built from it clears on the very
// next minute instead of blocking forever.
func currentMinuteCron() string {
	now := time.Now().UTC()
	return fmt.Sprintf("%d %d %d %d *", now.Minute(), now.Hour(), now.Day(), int(now.Month()))
}

func fastBreaker(name string) *breaker.Breaker {
	cfg := breaker.DefaultConfig(name)
	cfg.RetryDelay = time.Millisecond
	cfg.Timeout = 0
	return breaker.New(cfg)
}

func newTestCore(t *testing.T, apiURL string) (*broker.Core, *fakestore.KV, *fakestore.Queue) {
	t.Helper()
	kvc := fakestore.NewKV()
	qc := fakestore.NewQueue()
	api := apiclient.New(nil)
	c := broker.New(kvc, qc, api, fastBreaker("kv"), fastBreaker("queue"), nil)
	return c, kvc, qc
}

func noopAPIServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
}

// Scenario 1: a build outside any freeze window goes straight to the ready
// queue and its config is stored under buildConfigs.
func TestStartReadyPath(t *testing.T) {
	srv := noopAPIServer(t)
	defer srv.Close()
	c, kvc, qc := newTestCore(t, srv.URL)

	cfg := broker.BuildConfig{
		BuildID: 1, JobID: 10, JobState: broker.JobStateEnabled, APIUri: srv.URL, Token: "tok",
	}
	if err := c.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if qc.ReadyLen(broker.QueueBuilds) != 1 {
		t.Fatalf("ready queue len = %d, want 1", qc.ReadyLen(broker.QueueBuilds))
	}
	if kvc.HashLen(broker.HashBuildConfigs) != 1 {
		t.Fatalf("buildConfigs hash len = %d, want 1", kvc.HashLen(broker.HashBuildConfigs))
	}
}

// Scenario 2: a build entering during a freeze window is rerouted to the
// frozen delayed queue rather than started immediately.
func TestStartInsideFreezeWindowIsDeferred(t *testing.T) {
	srv := noopAPIServer(t)
	defer srv.Close()
	c, kvc, qc := newTestCore(t, srv.URL)

	cfg := broker.BuildConfig{
		BuildID: 2, JobID: 20, JobState: broker.JobStateEnabled, APIUri: srv.URL, Token: "tok",
		// Freezes only the current clock minute, so the evaluator finds a
		// clear minute immediately after instead of exhausting its lookahead.
		FreezeWindows: []string{currentMinuteCron()},
	}
	if err := c.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if qc.ReadyLen(broker.QueueBuilds) != 0 {
		t.Fatalf("ready queue len = %d, want 0 (must not start immediately)", qc.ReadyLen(broker.QueueBuilds))
	}
	if qc.DelayedLen(broker.QueueFrozenBuilds) != 1 {
		t.Fatalf("frozen delayed queue len = %d, want 1", qc.DelayedLen(broker.QueueFrozenBuilds))
	}
	if kvc.HashLen(broker.HashFrozenBuildConfigs) != 1 {
		t.Fatalf("frozenBuildConfigs hash len = %d, want 1", kvc.HashLen(broker.HashFrozenBuildConfigs))
	}
}

// Scenario 3: a "[force start]" cause message bypasses an active freeze
// window and starts the build immediately.
func TestStartForceOverridesFreeze(t *testing.T) {
	srv := noopAPIServer(t)
	defer srv.Close()
	c, _, qc := newTestCore(t, srv.URL)

	cfg := broker.BuildConfig{
		BuildID: 3, JobID: 30, JobState: broker.JobStateEnabled, APIUri: srv.URL, Token: "tok",
		FreezeWindows: []string{currentMinuteCron()},
		CauseMessage:  "restart requested [force start]",
	}
	if err := c.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if qc.ReadyLen(broker.QueueBuilds) != 1 {
		t.Fatalf("ready queue len = %d, want 1 (force start must bypass freeze)", qc.ReadyLen(broker.QueueBuilds))
	}
	if qc.DelayedLen(broker.QueueFrozenBuilds) != 0 {
		t.Fatalf("frozen delayed queue len = %d, want 0", qc.DelayedLen(broker.QueueFrozenBuilds))
	}
}

// Scenario 4: a disabled job is a no-op on Start.
func TestStartDisabledJobIsNoop(t *testing.T) {
	srv := noopAPIServer(t)
	defer srv.Close()
	c, kvc, qc := newTestCore(t, srv.URL)

	cfg := broker.BuildConfig{BuildID: 4, JobID: 40, JobState: broker.JobStateDisabled, APIUri: srv.URL, Token: "tok"}
	if err := c.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if qc.ReadyLen(broker.QueueBuilds) != 0 || kvc.HashLen(broker.HashBuildConfigs) != 0 {
		t.Fatal("disabled job must not be enqueued or stored")
	}
}

// Scenario 5: Stop before Start is consumed: the ready queue entry is
// removed and the re-enqueued stop command carries started=false.
func TestStopBeforeStartConsumed(t *testing.T) {
	srv := noopAPIServer(t)
	defer srv.Close()
	c, _, qc := newTestCore(t, srv.URL)

	cfg := broker.BuildConfig{BuildID: 5, JobID: 50, JobState: broker.JobStateEnabled, APIUri: srv.URL, Token: "tok"}
	if err := c.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := c.Stop(context.Background(), 5, 50, nil); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	// Start's "start" entry was removed, then Stop re-enqueues a "stop" entry.
	if qc.ReadyLen(broker.QueueBuilds) != 1 {
		t.Fatalf("ready queue len = %d, want 1 (the re-enqueued stop command)", qc.ReadyLen(broker.QueueBuilds))
	}
}

// Scenario 6: StartTimer is idempotent — a second call for the same build
// does not overwrite or duplicate the stored timeout entry.
func TestStartTimerIdempotent(t *testing.T) {
	srv := noopAPIServer(t)
	defer srv.Close()
	c, kvc, _ := newTestCore(t, srv.URL)

	now := time.Now().UTC()
	annotations := map[string]any{broker.AnnotationTimeout: 120}
	if err := c.StartTimer(context.Background(), 6, 60, "RUNNING", now, annotations); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}
	if err := c.StartTimer(context.Background(), 6, 60, "RUNNING", now.Add(time.Minute), annotations); err != nil {
		t.Fatalf("StartTimer: %v", err)
	}
	if kvc.HashLen(broker.HashTimeoutConfigs) != 1 {
		t.Fatalf("timeoutConfigs hash len = %d, want 1 (idempotent)", kvc.HashLen(broker.HashTimeoutConfigs))
	}

	var stored broker.TimeoutEntry
	found, err := kvc.HGet(context.Background(), broker.HashTimeoutConfigs, "6", &stored)
	if err != nil {
		t.Fatalf("HGet: %v", err)
	}
	if !found {
		t.Fatal("expected timeout entry to be stored")
	}
	if stored.TimeoutMinutes != 120 {
		t.Fatalf("TimeoutMinutes = %d, want 120 (from the first call's annotation, not overwritten)", stored.TimeoutMinutes)
	}

	if err := c.StopTimer(context.Background(), 6); err != nil {
		t.Fatalf("StopTimer: %v", err)
	}
	if kvc.HashLen(broker.HashTimeoutConfigs) != 0 {
		t.Fatal("expected timeout entry to be removed after StopTimer")
	}
}

// StartPeriodic, first firing: stores the config and schedules exactly one
// delayed re-enqueue.
func TestStartPeriodicFirstTime(t *testing.T) {
	srv := noopAPIServer(t)
	defer srv.Close()
	c, kvc, qc := newTestCore(t, srv.URL)

	cfg := broker.PeriodicConfig{
		JobID: 100, JobName: "main", BuildCron: "H * * * *",
		JobState: broker.JobStateEnabled, APIUri: srv.URL, Token: "tok",
	}
	if err := c.StartPeriodic(context.Background(), cfg); err != nil {
		t.Fatalf("StartPeriodic: %v", err)
	}
	if kvc.HashLen(broker.HashPeriodicBuildConfigs) != 1 {
		t.Fatalf("periodicBuildConfigs hash len = %d, want 1", kvc.HashLen(broker.HashPeriodicBuildConfigs))
	}
	if qc.DelayedLen(broker.QueuePeriodicBuilds) != 1 {
		t.Fatalf("periodic delayed queue len = %d, want 1", qc.DelayedLen(broker.QueuePeriodicBuilds))
	}
}

// StartPeriodic with isUpdate clears the previous delayed entry before
// scheduling the new one, so updating a cron expression never leaves two
// firings scheduled for the same job.
func TestStartPeriodicUpdateReplacesSchedule(t *testing.T) {
	srv := noopAPIServer(t)
	defer srv.Close()
	c, _, qc := newTestCore(t, srv.URL)

	first := broker.PeriodicConfig{
		JobID: 101, JobName: "main", BuildCron: "H * * * *",
		JobState: broker.JobStateEnabled, APIUri: srv.URL, Token: "tok",
	}
	if err := c.StartPeriodic(context.Background(), first); err != nil {
		t.Fatalf("StartPeriodic: %v", err)
	}
	updated := first
	updated.BuildCron = "H/15 * * * *"
	updated.IsUpdate = true
	if err := c.StartPeriodic(context.Background(), updated); err != nil {
		t.Fatalf("StartPeriodic (update): %v", err)
	}
	if qc.DelayedLen(broker.QueuePeriodicBuilds) != 1 {
		t.Fatalf("periodic delayed queue len = %d, want 1 (old schedule replaced)", qc.DelayedLen(broker.QueuePeriodicBuilds))
	}
}

// Passthrough fields survive a round trip through the KV store's JSON
// encoding untouched, per the opaque-field design note.
func TestBuildConfigPassthroughRoundTrips(t *testing.T) {
	srv := noopAPIServer(t)
	defer srv.Close()
	c, kvc, _ := newTestCore(t, srv.URL)

	cfg := broker.BuildConfig{
		BuildID: 7, JobID: 70, JobState: broker.JobStateEnabled, APIUri: srv.URL, Token: "tok",
		Passthrough: broker.Passthrough{"annotations": map[string]any{"screwdriver.cd/timeout": float64(30)}},
	}
	if err := c.Start(context.Background(), cfg); err != nil {
		t.Fatalf("Start: %v", err)
	}
	var stored broker.BuildConfig
	found, err := kvc.HGet(context.Background(), broker.HashBuildConfigs, "7", &stored)
	if err != nil {
		t.Fatalf("HGet: %v", err)
	}
	if !found {
		t.Fatal("expected stored build config")
	}
	if stored.Passthrough == nil {
		t.Fatal("expected passthrough fields to survive the round trip")
	}
	wantAnnotations := map[string]any{"screwdriver.cd/timeout": float64(30)}
	gotAnnotations, ok := stored.Passthrough["annotations"]
	if !ok {
		t.Fatal("expected annotations passthrough key to survive the round trip")
	}
	if diff := cmp.Diff(wantAnnotations, gotAnnotations); diff != "" {
		t.Fatalf("annotations passthrough mismatch (-want +got):\n%s", diff)
	}
}
