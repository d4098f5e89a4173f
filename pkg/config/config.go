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

// Package config loads the broker's static configuration, in the shape of
// prow/config's Getter pattern: a snapshot plus a re-readable accessor so
// long-running processes pick up edits without a restart.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/screwdriver-cd/buildqueue/pkg/errkind"
)

// RedisConnection is the redisConnection configuration block from
// spec.md §6.
type RedisConnection struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password,omitempty"`
	Database int    `yaml:"database,omitempty"`
}

// BreakerRetry is the breaker.retry configuration block from spec.md §6.
type BreakerRetry struct {
	Retries int `yaml:"retries"`
}

// Ecosystem carries the URL base used by the HTTP-mode variant for
// delegating commands upstream (spec.md §6). Out of scope for this
// engine beyond carrying the value through.
type Ecosystem struct {
	Queue string `yaml:"queue,omitempty"`
}

// Config is the broker's full static configuration.
type Config struct {
	RedisConnection RedisConnection `yaml:"redisConnection"`
	Prefix          string          `yaml:"prefix,omitempty"`
	Breaker         struct {
		Retry BreakerRetry `yaml:"retry"`
	} `yaml:"breaker,omitempty"`
	Ecosystem Ecosystem `yaml:"ecosystem,omitempty"`

	CheckTimeout time.Duration `yaml:"checkTimeout,omitempty"`
}

// Validate enforces the construction-time required fields per spec.md §7:
// ConfigError is fatal at init.
func (c *Config) Validate() error {
	if c.RedisConnection.Host == "" {
		return errkind.New(errkind.Config, fmt.Errorf("redisConnection.host is required"))
	}
	if c.RedisConnection.Port == 0 {
		return errkind.New(errkind.Config, fmt.Errorf("redisConnection.port is required"))
	}
	if c.Breaker.Retry.Retries == 0 {
		c.Breaker.Retry.Retries = 3
	}
	if c.CheckTimeout == 0 {
		c.CheckTimeout = time.Second
	}
	return nil
}

// Getter returns the current configuration snapshot (mirrors prow/config's
// config.Getter). The broker and scheduler do not read a Getter: they are
// built from the Config loaded at startup, so a reloaded snapshot does not
// change them.
type Getter func() *Config

// Load reads and validates a YAML configuration file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errkind.New(errkind.Config, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errkind.New(errkind.Config, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Static wraps a fixed Config in a Getter, for callers that do not need
// live reload.
func Static(cfg *Config) Getter {
	return func() *Config { return cfg }
}

// reloadable is a Getter backed by a mutex-guarded pointer, allowing an
// external watcher (cmd/queuebroker's SIGHUP handler) to publish a new
// snapshot between reads through the setter NewReloadable returns.
type reloadable struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewReloadable wraps cfg in a Getter and returns, alongside it, a setter
// that publishes a freshly loaded Config.
func NewReloadable(cfg *Config) (Getter, func(*Config)) {
	r := &reloadable{cfg: cfg}
	get := func() *Config {
		r.mu.RLock()
		defer r.mu.RUnlock()
		return r.cfg
	}
	set := func(next *Config) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.cfg = next
	}
	return get, set
}
