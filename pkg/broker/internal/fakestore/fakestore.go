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

// Package fakestore provides in-memory stand-ins for kv.Client and
// queue.Client, in the spirit of mungers/e2e/fake/fake.go's
// always-succeeds fake collaborator, so pkg/broker can be tested without
// a live Redis.
package fakestore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/screwdriver-cd/buildqueue/pkg/errkind"
	"github.com/screwdriver-cd/buildqueue/pkg/queue"
)

// KV is an in-memory kv.Client.
type KV struct {
	mu        sync.Mutex
	connected bool
	hashes    map[string]map[string][]byte
	strings   map[string]string
	ttls      map[string]time.Time
}

// NewKV returns an empty KV fake.
func NewKV() *KV {
	return &KV{
		hashes:  map[string]map[string][]byte{},
		strings: map[string]string{},
		ttls:    map[string]time.Time{},
	}
}

// Connect marks the fake connected.
func (k *KV) Connect(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.connected = true
	return nil
}

// Connected reports whether Connect has been called.
func (k *KV) Connected() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.connected
}

// HSet stores value's canonical JSON encoding under hash/field.
func (k *KV) HSet(ctx context.Context, hash, field string, value any) error {
	raw, err := canonicalJSON(value)
	if err != nil {
		return err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.hashes[hash] == nil {
		k.hashes[hash] = map[string][]byte{}
	}
	k.hashes[hash][field] = raw
	return nil
}

// HGet reads hash/field into out.
func (k *KV) HGet(ctx context.Context, hash, field string, out any) (bool, error) {
	k.mu.Lock()
	raw, ok := k.hashes[hash][field]
	k.mu.Unlock()
	if !ok {
		return false, nil
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, err
		}
	}
	return true, nil
}

// HDel removes hash/field.
func (k *KV) HDel(ctx context.Context, hash, field string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.hashes[hash], field)
	return nil
}

// Set writes a plain string key.
func (k *KV) Set(ctx context.Context, key, value string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.strings[key] = value
	return nil
}

// Expire records a TTL for key, queryable via ExpiresAt in tests.
func (k *KV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.ttls[key] = time.Now().Add(ttl)
	return nil
}

// Close is a no-op.
func (k *KV) Close() error { return nil }

// HasString reports whether key was ever Set, for test assertions.
func (k *KV) HasString(key string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.strings[key]
	return ok
}

// ExpiresAt returns the TTL deadline recorded for key.
func (k *KV) ExpiresAt(key string) (time.Time, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	t, ok := k.ttls[key]
	return t, ok
}

// HashLen returns the number of fields stored under hash, for assertions.
func (k *KV) HashLen(hash string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.hashes[hash])
}

// Queue is an in-memory queue.Client: ready queues are slices, delayed
// queues are score-sorted slices, mirroring the Redis list/sorted-set
// shapes pkg/queue.RedisClient uses.
type Queue struct {
	mu        sync.Mutex
	connected bool
	ready     map[string][]member
	delayed   map[string][]scoredMember
}

type member struct {
	jobName string
	args    string
}

type scoredMember struct {
	member
	score int64
}

// NewQueue returns an empty Queue fake.
func NewQueue() *Queue {
	return &Queue{ready: map[string][]member{}, delayed: map[string][]scoredMember{}}
}

// Connect marks the fake connected.
func (q *Queue) Connect(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.connected = true
	return nil
}

// Connected reports whether Connect has been called.
func (q *Queue) Connected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected
}

// Enqueue appends to the tail of queueName.
func (q *Queue) Enqueue(ctx context.Context, queueName, jobName string, args any) error {
	m, err := toMember(jobName, args)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ready[queueName] = append(q.ready[queueName], m)
	return nil
}

// EnqueueAt inserts into the delayed index, returning
// errkind.DuplicateScheduled when the same member is already present.
func (q *Queue) EnqueueAt(ctx context.Context, at time.Time, queueName, jobName string, args any) error {
	m, err := toMember(jobName, args)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, existing := range q.delayed[queueName] {
		if existing.member == m {
			return errkind.New(errkind.DuplicateScheduled, nil)
		}
	}
	q.delayed[queueName] = append(q.delayed[queueName], scoredMember{member: m, score: at.UnixMilli()})
	return nil
}

// Delete removes matching items from the ready queue.
func (q *Queue) Delete(ctx context.Context, queueName, jobName string, args any) (int, error) {
	m, err := toMember(jobName, args)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.ready[queueName]
	out := items[:0]
	count := 0
	for _, existing := range items {
		if existing == m {
			count++
			continue
		}
		out = append(out, existing)
	}
	q.ready[queueName] = out
	return count, nil
}

// DeleteDelayed removes matching items from the delayed index.
func (q *Queue) DeleteDelayed(ctx context.Context, queueName, jobName string, args any) (int, error) {
	m, err := toMember(jobName, args)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.delayed[queueName]
	out := items[:0]
	count := 0
	for _, existing := range items {
		if existing.member == m {
			count++
			continue
		}
		out = append(out, existing)
	}
	q.delayed[queueName] = out
	return count, nil
}

// Poll pops matured delayed members (score <= now) off queueName.
func (q *Queue) Poll(ctx context.Context, queueName string, now time.Time, limit int) ([]queue.Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.delayed[queueName]
	sort.Slice(items, func(i, j int) bool { return items[i].score < items[j].score })

	var remaining []scoredMember
	var matured []queue.Item
	for _, it := range items {
		if it.score <= now.UnixMilli() && len(matured) < limit {
			matured = append(matured, queue.Item{JobName: it.jobName, Args: json.RawMessage(it.args)})
			continue
		}
		remaining = append(remaining, it)
	}
	q.delayed[queueName] = remaining
	return matured, nil
}

// Close is a no-op.
func (q *Queue) Close() error { return nil }

// ReadyLen returns the number of items on queueName's ready queue.
func (q *Queue) ReadyLen(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready[queueName])
}

// DelayedLen returns the number of items on queueName's delayed index.
func (q *Queue) DelayedLen(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed[queueName])
}

func toMember(jobName string, args any) (member, error) {
	raw, err := canonicalJSON(args)
	if err != nil {
		return member{}, err
	}
	return member{jobName: jobName, args: string(raw)}, nil
}

func canonicalJSON(value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}
	return json.Marshal(generic)
}
