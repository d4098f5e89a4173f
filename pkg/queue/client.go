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

// Package queue is a typed wrapper over a work-queue built on the same
// Redis-family store as pkg/kv: ready queues are lists, delayed queues are
// sorted sets scored by millisecond Unix timestamp.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
	"github.com/sirupsen/logrus"

	"github.com/screwdriver-cd/buildqueue/pkg/errkind"
)

// Connection reuses the same shape as kv.Connection; broker construction
// wires both clients against one redisConnection block.
type Connection struct {
	Host     string
	Port     int
	Password string
	Database int
	Prefix   string
}

// Client is the typed queue contract BrokerCore and the Scheduler compose
// against.
type Client interface {
	Connect(ctx context.Context) error
	Connected() bool
	Enqueue(ctx context.Context, queueName, jobName string, args any) error
	EnqueueAt(ctx context.Context, at time.Time, queueName, jobName string, args any) error
	Delete(ctx context.Context, queueName, jobName string, args any) (int, error)
	DeleteDelayed(ctx context.Context, queueName, jobName string, args any) (int, error)
	// Poll returns delayed members of queueName whose score (ms timestamp) is
	// <= now, removing them atomically. Used by the Scheduler.
	Poll(ctx context.Context, queueName string, now time.Time, limit int) ([]Item, error)
	Close() error
}

// Item is a matured delayed-queue entry handed to the Scheduler.
type Item struct {
	JobName string
	Args    json.RawMessage
}

// RedisClient implements Client with redigo primitives: RPUSH/LREM for
// ready queues, ZADD NX/ZRANGEBYSCORE/ZREM for delayed queues.
type RedisClient struct {
	conn Connection
	log  *logrus.Entry

	mu   sync.Mutex
	pool *redis.Pool
}

// New builds a RedisClient queue. Connect is lazy.
func New(conn Connection, log *logrus.Entry) *RedisClient {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisClient{conn: conn, log: log.WithField("component", "queue")}
}

func (c *RedisClient) key(k string) string { return c.conn.Prefix + k }

// Connect dials the pool if it has not been created yet.
func (c *RedisClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		return nil
	}
	c.pool = &redis.Pool{
		MaxIdle:     8,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			opts := []redis.DialOption{redis.DialDatabase(c.conn.Database)}
			if c.conn.Password != "" {
				opts = append(opts, redis.DialPassword(c.conn.Password))
			}
			return redis.Dial("tcp", c.conn.addr(), opts...)
		},
	}
	conn := c.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		c.pool = nil
		return errkind.New(errkind.Connect, err)
	}
	c.log.Info("connected to queue store")
	return nil
}

func (c Connection) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Connected reports whether Connect has already succeeded.
func (c *RedisClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool != nil
}

// Close releases the underlying pool.
func (c *RedisClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool == nil {
		return nil
	}
	err := c.pool.Close()
	c.pool = nil
	return err
}

func (c *RedisClient) getConn(ctx context.Context) (redis.Conn, error) {
	if !c.Connected() {
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()
	return pool.GetContext(ctx)
}

// member canonically encodes (jobName, args) into one sorted-set/list
// member string, and is also used as the dedup identity for Delete /
// DeleteDelayed matching.
func member(jobName string, args any) (string, error) {
	payload, err := canonicalJSON(args)
	if err != nil {
		return "", err
	}
	envelope := struct {
		JobName string          `json:"jobName"`
		Args    json.RawMessage `json:"args"`
	}{JobName: jobName, Args: payload}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	return string(raw), nil
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

func delayedKey(prefixedQueue string) string { return prefixedQueue + ":delayed" }

// Enqueue appends to the tail of queueName.
func (c *RedisClient) Enqueue(ctx context.Context, queueName, jobName string, args any) error {
	m, err := member(jobName, args)
	if err != nil {
		return errkind.New(errkind.Queue, err)
	}
	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Do("RPUSH", c.key(queueName), m); err != nil {
		return errkind.New(errkind.Queue, err)
	}
	return nil
}

// EnqueueAt inserts into a delayed sorted set scored by at's millisecond
// Unix timestamp. ZADD NX makes the duplicate-detection atomic: if
// (queue, jobName, args) is already scheduled, the member already exists
// and the add is a no-op, which we surface as errkind.DuplicateScheduled.
func (c *RedisClient) EnqueueAt(ctx context.Context, at time.Time, queueName, jobName string, args any) error {
	m, err := member(jobName, args)
	if err != nil {
		return errkind.New(errkind.Queue, err)
	}
	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	score := at.UnixMilli()
	added, err := redis.Int(conn.Do("ZADD", delayedKey(c.key(queueName)), "NX", score, m))
	if err != nil {
		return errkind.New(errkind.Queue, err)
	}
	if added == 0 {
		return errkind.New(errkind.DuplicateScheduled, nil)
	}
	return nil
}

// Delete removes matching items from the ready queue and returns the count removed.
func (c *RedisClient) Delete(ctx context.Context, queueName, jobName string, args any) (int, error) {
	m, err := member(jobName, args)
	if err != nil {
		return 0, errkind.New(errkind.Queue, err)
	}
	conn, err := c.getConn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	n, err := redis.Int(conn.Do("LREM", c.key(queueName), 0, m))
	if err != nil {
		return 0, errkind.New(errkind.Queue, err)
	}
	return n, nil
}

// DeleteDelayed removes matching items from the delayed index and returns the count removed.
func (c *RedisClient) DeleteDelayed(ctx context.Context, queueName, jobName string, args any) (int, error) {
	m, err := member(jobName, args)
	if err != nil {
		return 0, errkind.New(errkind.Queue, err)
	}
	conn, err := c.getConn(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	n, err := redis.Int(conn.Do("ZREM", delayedKey(c.key(queueName)), m))
	if err != nil {
		return 0, errkind.New(errkind.Queue, err)
	}
	return n, nil
}

// Poll atomically pops up to limit matured members (score <= now) off the
// delayed index for queueName, for the Scheduler's master to hand to
// workers.
func (c *RedisClient) Poll(ctx context.Context, queueName string, now time.Time, limit int) ([]Item, error) {
	conn, err := c.getConn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	key := delayedKey(c.key(queueName))
	members, err := redis.Strings(conn.Do("ZRANGEBYSCORE", key, "-inf", now.UnixMilli(), "LIMIT", 0, limit))
	if err != nil {
		return nil, errkind.New(errkind.Queue, err)
	}
	items := make([]Item, 0, len(members))
	for _, raw := range members {
		removed, err := redis.Int(conn.Do("ZREM", key, raw))
		if err != nil {
			return nil, errkind.New(errkind.Queue, err)
		}
		if removed == 0 {
			// another worker already claimed this member between our range
			// query and our removal attempt.
			continue
		}
		var envelope struct {
			JobName string          `json:"jobName"`
			Args    json.RawMessage `json:"args"`
		}
		if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
			return nil, errkind.New(errkind.Queue, err)
		}
		items = append(items, Item{JobName: envelope.JobName, Args: envelope.Args})
	}
	return items, nil
}
