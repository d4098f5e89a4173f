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

package scheduler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/screwdriver-cd/buildqueue/pkg/broker"
	"github.com/screwdriver-cd/buildqueue/pkg/queue"
)

// fakeQueue is a minimal queue.Client stand-in scoped to what Scheduler
// exercises: EnqueueAt populates a delayed slot, Poll drains matured ones.
type fakeQueue struct {
	mu      sync.Mutex
	delayed map[string][]delayedItem
}

type delayedItem struct {
	at   time.Time
	item queue.Item
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{delayed: map[string][]delayedItem{}}
}

func (q *fakeQueue) Connect(ctx context.Context) error { return nil }
func (q *fakeQueue) Connected() bool                   { return true }
func (q *fakeQueue) Close() error                      { return nil }

func (q *fakeQueue) Enqueue(ctx context.Context, queueName, jobName string, args any) error {
	return nil
}

func (q *fakeQueue) EnqueueAt(ctx context.Context, at time.Time, queueName, jobName string, args any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed[queueName] = append(q.delayed[queueName], delayedItem{at: at, item: queue.Item{JobName: jobName, Args: raw}})
	return nil
}

func (q *fakeQueue) Delete(ctx context.Context, queueName, jobName string, args any) (int, error) {
	return 0, nil
}

func (q *fakeQueue) DeleteDelayed(ctx context.Context, queueName, jobName string, args any) (int, error) {
	return 0, nil
}

func (q *fakeQueue) Poll(ctx context.Context, queueName string, now time.Time, limit int) ([]queue.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var remaining []delayedItem
	var matured []queue.Item
	for _, it := range q.delayed[queueName] {
		if !it.at.After(now) && len(matured) < limit {
			matured = append(matured, it.item)
			continue
		}
		remaining = append(remaining, it)
	}
	q.delayed[queueName] = remaining
	return matured, nil
}

type countingRunner struct {
	mu  sync.Mutex
	ids []int64
}

func (r *countingRunner) StartPeriodicByJobID(ctx context.Context, jobID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, jobID)
	return nil
}

func (r *countingRunner) StartFrozenByJobID(ctx context.Context, jobID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, jobID)
	return nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

func TestRunFiresMaturedPeriodicJob(t *testing.T) {
	q := newFakeQueue()
	if err := q.EnqueueAt(context.Background(), time.Now().Add(-time.Minute), broker.QueuePeriodicBuilds, broker.JobNameStartDelayed, broker.JobIDArgs{JobID: 99}); err != nil {
		t.Fatalf("EnqueueAt: %v", err)
	}

	runner := &countingRunner{}
	cfg := DefaultConfig()
	cfg.CheckTimeout = 5 * time.Millisecond
	s := New(cfg, q, runner, runner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if runner.count() != 1 {
		t.Fatalf("runner invoked %d times, want 1", runner.count())
	}
}

func TestRunIgnoresFutureWork(t *testing.T) {
	q := newFakeQueue()
	if err := q.EnqueueAt(context.Background(), time.Now().Add(time.Hour), broker.QueueFrozenBuilds, broker.JobNameStartFrozen, broker.JobIDArgs{JobID: 7}); err != nil {
		t.Fatalf("EnqueueAt: %v", err)
	}

	runner := &countingRunner{}
	cfg := DefaultConfig()
	cfg.CheckTimeout = 5 * time.Millisecond
	s := New(cfg, q, runner, runner, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	if runner.count() != 0 {
		t.Fatalf("runner invoked %d times, want 0 (job not yet matured)", runner.count())
	}
}
