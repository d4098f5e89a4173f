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

// Package kv is a typed wrapper over a Redis-family key/value store,
// supporting hash maps, string keys with TTL, and a lazy-connect
// predicate, per the KVClient contract.
package kv

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

// Connection describes how to reach the store. Mirrors the
// redisConnection configuration block from spec.md §6.
type Connection struct {
	Host     string
	Port     int
	Password string
	Database int
	Prefix   string
}

func (c Connection) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Client is the typed KV store contract BrokerCore composes against.
type Client interface {
	Connect(ctx context.Context) error
	Connected() bool
	HSet(ctx context.Context, hash, field string, value any) error
	HGet(ctx context.Context, hash, field string, out any) (bool, error)
	HDel(ctx context.Context, hash, field string) error
	Set(ctx context.Context, key, value string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// RedisClient implements Client on top of a redigo connection pool, the
// way ghproxy/ghcache dials Redis for its cache backend.
type RedisClient struct {
	conn Connection
	log  *logrus.Entry

	mu   sync.Mutex
	pool *redis.Pool
}

// New builds a RedisClient. It does not connect; Connect is lazy per the
// broker's "invoke Connect only if !Connected()" rule.
func New(conn Connection, log *logrus.Entry) *RedisClient {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &RedisClient{conn: conn, log: log.WithField("component", "kv")}
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
		TestOnBorrow: func(conn redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := conn.Do("PING")
			return err
		},
	}
	conn := c.pool.Get()
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		c.pool = nil
		return errkind.New(errkind.Connect, err)
	}
	c.log.Info("connected to store")
	return nil
}

// Connected reports whether Connect has already succeeded, so the broker
// can skip a redundant connect attempt.
func (c *RedisClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pool != nil
}

// HSet stores value under field in hash, after canonical JSON serialization.
func (c *RedisClient) HSet(ctx context.Context, hash, field string, value any) error {
	payload, err := canonicalJSON(value)
	if err != nil {
		return errkind.New(errkind.Store, err)
	}
	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Do("HSET", c.key(hash), field, payload); err != nil {
		return errkind.New(errkind.Store, err)
	}
	return nil
}

// HGet reads field from hash into out. It reports false, nil when the
// field does not exist.
func (c *RedisClient) HGet(ctx context.Context, hash, field string, out any) (bool, error) {
	conn, err := c.getConn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	raw, err := redis.Bytes(conn.Do("HGET", c.key(hash), field))
	if err == redis.ErrNil {
		return false, nil
	}
	if err != nil {
		return false, errkind.New(errkind.Store, err)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return false, errkind.New(errkind.Store, err)
		}
	}
	return true, nil
}

// HDel removes field from hash.
func (c *RedisClient) HDel(ctx context.Context, hash, field string) error {
	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Do("HDEL", c.key(hash), field); err != nil {
		return errkind.New(errkind.Store, err)
	}
	return nil
}

// Set writes a plain string key.
func (c *RedisClient) Set(ctx context.Context, key, value string) error {
	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Do("SET", c.key(key), value); err != nil {
		return errkind.New(errkind.Store, err)
	}
	return nil
}

// Expire sets a TTL on an existing key.
func (c *RedisClient) Expire(ctx context.Context, key string, ttl time.Duration) error {
	conn, err := c.getConn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	if _, err := conn.Do("EXPIRE", c.key(key), int(ttl.Seconds())); err != nil {
		return errkind.New(errkind.Store, err)
	}
	return nil
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

// canonicalJSON serializes value with stable key order so that two
// structurally-equal values always produce byte-identical output (the same
// encoding pkg/queue applies to its own de-duplication members).
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
