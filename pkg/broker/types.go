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

// Package broker implements the externally visible build-queue command
// contract (Start, Stop, StartPeriodic, ...) by composing the KV, queue,
// circuit breaker, cron-hash and freeze-window collaborators.
package broker

import (
	"encoding/json"
	"strconv"
	"time"
)

// Passthrough carries fields the broker does not interpret (container,
// annotations, opaque tokens, build stats) through the KV store's stored
// config untouched.
type Passthrough map[string]any

// marshalWithPassthrough serializes known (a struct with its own json
// tags) and then merges passthrough's keys alongside it at the top level,
// so opaque fields round-trip through the KV store without the broker
// needing to understand their shape.
func marshalWithPassthrough(known any, passthrough Passthrough) ([]byte, error) {
	base, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if len(passthrough) == 0 {
		return base, nil
	}
	var merged map[string]any
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range passthrough {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// unmarshalWithPassthrough decodes data into known, then returns every
// top-level key data had that known's json tags did not consume.
func unmarshalWithPassthrough(data []byte, known any) (Passthrough, error) {
	if err := json.Unmarshal(data, known); err != nil {
		return nil, err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return nil, err
	}
	var knownShape map[string]any
	consumed, err := json.Marshal(known)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(consumed, &knownShape); err != nil {
		return nil, err
	}
	extra := Passthrough{}
	for k, v := range all {
		if _, ok := knownShape[k]; !ok {
			extra[k] = v
		}
	}
	if len(extra) == 0 {
		return nil, nil
	}
	return extra, nil
}

// BuildConfig is a queued immediate build. It is stored under the
// buildConfigs hash keyed by BuildID; the ready "builds" queue item only
// carries StartArgs, whose buildId workers use to read it back.
type BuildConfig struct {
	BuildID       int64          `json:"buildId"`
	JobID         int64          `json:"jobId"`
	PipelineID    int64          `json:"pipelineId,omitempty"`
	JobName       string         `json:"jobName,omitempty"`
	BlockedBy     []int64        `json:"blockedBy,omitempty"`
	FreezeWindows []string       `json:"freezeWindows,omitempty"`
	JobState      string         `json:"jobState,omitempty"`
	JobArchived   bool           `json:"jobArchived,omitempty"`
	CauseMessage  string         `json:"causeMessage,omitempty"`
	Container     string         `json:"container,omitempty"`
	Token         string         `json:"token,omitempty"`
	APIUri        string         `json:"apiUri,omitempty"`
	EnqueueTime   time.Time      `json:"enqueueTime,omitempty"`
	Passthrough   Passthrough    `json:"-"`
}

// buildConfigWire is BuildConfig's own json shape, used as the type alias
// target for Marshal/UnmarshalJSON so the custom methods below don't
// recurse into themselves.
type buildConfigWire BuildConfig

// MarshalJSON merges Passthrough's keys alongside BuildConfig's own
// fields, per SPEC_FULL.md §3's "open passthrough map" design note.
func (b BuildConfig) MarshalJSON() ([]byte, error) {
	return marshalWithPassthrough(buildConfigWire(b), b.Passthrough)
}

// UnmarshalJSON decodes BuildConfig's own fields and stashes everything
// else into Passthrough.
func (b *BuildConfig) UnmarshalJSON(data []byte) error {
	var wire buildConfigWire
	extra, err := unmarshalWithPassthrough(data, &wire)
	if err != nil {
		return err
	}
	*b = BuildConfig(wire)
	b.Passthrough = extra
	return nil
}

// PeriodicConfig is a periodic-build definition, stored under the
// periodicBuildConfigs hash keyed by JobID.
type PeriodicConfig struct {
	JobID        int64       `json:"jobId"`
	PipelineID   int64       `json:"pipelineId,omitempty"`
	JobName      string      `json:"jobName,omitempty"`
	BuildCron    string      `json:"buildCron,omitempty"`
	JobState     string      `json:"jobState,omitempty"`
	JobArchived  bool        `json:"jobArchived,omitempty"`
	Token        string      `json:"token,omitempty"`
	APIUri       string      `json:"apiUri,omitempty"`
	IsUpdate     bool        `json:"isUpdate,omitempty"`
	TriggerBuild bool        `json:"triggerBuild,omitempty"`
	Passthrough  Passthrough `json:"-"`
}

// periodicConfigWire is PeriodicConfig's own json shape; see buildConfigWire.
type periodicConfigWire PeriodicConfig

// MarshalJSON merges Passthrough's keys alongside PeriodicConfig's own fields.
func (p PeriodicConfig) MarshalJSON() ([]byte, error) {
	return marshalWithPassthrough(periodicConfigWire(p), p.Passthrough)
}

// UnmarshalJSON decodes PeriodicConfig's own fields and stashes everything
// else into Passthrough.
func (p *PeriodicConfig) UnmarshalJSON(data []byte) error {
	var wire periodicConfigWire
	extra, err := unmarshalWithPassthrough(data, &wire)
	if err != nil {
		return err
	}
	*p = PeriodicConfig(wire)
	p.Passthrough = extra
	return nil
}

// FrozenConfig is a build deferred because it entered during a freeze
// window. It wraps the original BuildConfig plus the computed wake time.
type FrozenConfig struct {
	JobID  int64       `json:"jobId"`
	Build  BuildConfig `json:"build"`
	WakeAt time.Time   `json:"wakeAt"`
}

// TimeoutEntry declares the maximum runtime of a running build.
type TimeoutEntry struct {
	JobID          int64     `json:"jobId"`
	StartTime      time.Time `json:"startTime"`
	TimeoutMinutes int       `json:"timeout"`
}

// StartArgs is the positional payload enqueued for jobName "start".
type StartArgs struct {
	BuildID   int64  `json:"buildId"`
	JobID     int64  `json:"jobId"`
	BlockedBy string `json:"blockedBy"`
}

// StopArgs is the positional payload enqueued for jobName "stop".
type StopArgs struct {
	BuildID   int64  `json:"buildId"`
	JobID     int64  `json:"jobId"`
	BlockedBy string `json:"blockedBy"`
	Started   bool   `json:"started"`
}

// JobIDArgs is the positional payload for jobName "startDelayed" and
// "startFrozen", both of which only need the jobId to re-read their
// respective config hash.
type JobIDArgs struct {
	JobID int64 `json:"jobId"`
}

const (
	// HashBuildConfigs is the hash table name for BuildConfig entries.
	HashBuildConfigs = "buildConfigs"
	// HashPeriodicBuildConfigs is the hash table name for PeriodicConfig entries.
	HashPeriodicBuildConfigs = "periodicBuildConfigs"
	// HashFrozenBuildConfigs is the hash table name for FrozenConfig entries.
	HashFrozenBuildConfigs = "frozenBuildConfigs"
	// HashTimeoutConfigs is the hash table name for TimeoutEntry entries.
	HashTimeoutConfigs = "timeoutConfigs"

	// QueueBuilds is the ready queue for immediate start/stop commands.
	QueueBuilds = "builds"
	// QueuePeriodicBuilds is the delayed queue for periodic re-enqueues.
	QueuePeriodicBuilds = "periodicBuilds"
	// QueueFrozenBuilds is the delayed queue for frozen re-enqueues.
	QueueFrozenBuilds = "frozenBuilds"

	// JobNameStart starts a build immediately.
	JobNameStart = "start"
	// JobNameStop stops or cancels a build.
	JobNameStop = "stop"
	// JobNameStartDelayed fires a matured periodic build.
	JobNameStartDelayed = "startDelayed"
	// JobNameStartFrozen fires a matured frozen build.
	JobNameStartFrozen = "startFrozen"

	// JobStateDisabled marks a job as disabled; no new builds are started.
	JobStateDisabled = "DISABLED"
	// JobStateEnabled marks a job as enabled.
	JobStateEnabled = "ENABLED"

	// DefaultTimeoutMinutes is used when no screwdriver.cd/timeout annotation is set.
	DefaultTimeoutMinutes = 90

	// AnnotationTimeout is the job annotation key StartTimer reads its
	// declared max runtime from.
	AnnotationTimeout = "screwdriver.cd/timeout"

	// AbortMarkerTTL is how long a deleted_{jobId}_{buildId} marker survives.
	AbortMarkerTTL = 1800 * time.Second
)

// TimeoutMinutesFromAnnotations extracts the screwdriver.cd/timeout
// annotation, falling back to DefaultTimeoutMinutes when it is absent or
// not a recognizable number, per spec.md §4.7 StartTimer.
func TimeoutMinutesFromAnnotations(annotations map[string]any) int {
	raw, ok := annotations[AnnotationTimeout]
	if !ok {
		return DefaultTimeoutMinutes
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return DefaultTimeoutMinutes
		}
		return int(n)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return DefaultTimeoutMinutes
		}
		return n
	default:
		return DefaultTimeoutMinutes
	}
}
