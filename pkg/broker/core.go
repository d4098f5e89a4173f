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

package broker

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/screwdriver-cd/buildqueue/pkg/apiclient"
	"github.com/screwdriver-cd/buildqueue/pkg/breaker"
	"github.com/screwdriver-cd/buildqueue/pkg/cronhash"
	"github.com/screwdriver-cd/buildqueue/pkg/errkind"
	"github.com/screwdriver-cd/buildqueue/pkg/freeze"
	"github.com/screwdriver-cd/buildqueue/pkg/kv"
	"github.com/screwdriver-cd/buildqueue/pkg/queue"
)

var forceStartPattern = regexp.MustCompile(`\[force start\]`)

// Core implements the externally visible command contract described in
// spec.md §4.7. All operations are idempotent on their declared keys and
// connect lazily.
type Core struct {
	kv    kv.Client
	q     queue.Client
	api   *apiclient.Client
	cron  *cronhash.Hasher
	frz   *freeze.Evaluator
	kvBrk *breaker.Breaker
	qBrk  *breaker.Breaker

	log *logrus.Entry

	mu           sync.Mutex
	userTokenGen string // captured on first StartPeriodic call, per Design Note
}

// New builds a Core from its collaborators. kvBrk and qBrk are the
// circuit breakers wrapping kv.Client and queue.Client respectively, per
// spec.md §2's "one instance wraps KVClient, one wraps QueueClient".
func New(kvc kv.Client, qc queue.Client, api *apiclient.Client, kvBrk, qBrk *breaker.Breaker, log *logrus.Entry) *Core {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Core{
		kv:    kvc,
		q:     qc,
		api:   api,
		cron:  cronhash.New(),
		frz:   freeze.New(),
		kvBrk: kvBrk,
		qBrk:  qBrk,
		log:   log.WithField("component", "broker"),
	}
}

func (c *Core) connect(ctx context.Context) error {
	if !c.kv.Connected() {
		if err := c.kv.Connect(ctx); err != nil {
			return err
		}
	}
	if !c.q.Connected() {
		if err := c.q.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

func csv(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

// Start enqueues an immediate build, rerouting to the frozen path when the
// job is inside a freeze window, per spec.md §4.7 Start.
func (c *Core) Start(ctx context.Context, cfg BuildConfig) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	log := c.log.WithField("buildId", cfg.BuildID).WithField("jobId", cfg.JobID)

	if err := c.StopFrozen(ctx, cfg.JobID); err != nil {
		log.WithError(err).Warn("failed to clear stale frozen entry")
	}

	if cfg.JobState == JobStateDisabled || cfg.JobArchived {
		return nil
	}

	now := time.Now().UTC()
	wake, err := c.frz.TimeOutOfWindows(cfg.FreezeWindows, now)
	if err != nil {
		return errkind.New(errkind.Config, err)
	}
	forceStart := forceStartPattern.MatchString(cfg.CauseMessage)

	if wake.After(now) && !forceStart {
		return c.startFrozenPath(ctx, cfg, wake, log)
	}
	return c.startReadyPath(ctx, cfg, now, log)
}

func (c *Core) startFrozenPath(ctx context.Context, cfg BuildConfig, wake time.Time, log *logrus.Entry) error {
	message := "Blocked by freeze window, re-enqueued to " + wake.Format(time.RFC3339)
	if err := c.api.UpdateBuildStatus(ctx, cfg.APIUri, cfg.BuildID, cfg.Token, "FROZEN", message); err != nil {
		log.WithError(err).Warn("failed to update build status to FROZEN")
	}

	if _, err := breaker.Run(ctx, c.qBrk, func(ctx context.Context) (int, error) {
		return c.q.DeleteDelayed(ctx, QueueFrozenBuilds, JobNameStartFrozen, JobIDArgs{JobID: cfg.JobID})
	}); err != nil {
		return errkind.New(errkind.Queue, err)
	}

	frozen := FrozenConfig{JobID: cfg.JobID, Build: cfg, WakeAt: wake}
	if _, err := breaker.Run(ctx, c.kvBrk, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.kv.HSet(ctx, HashFrozenBuildConfigs, strconv.FormatInt(cfg.JobID, 10), frozen)
	}); err != nil {
		return errkind.New(errkind.Store, err)
	}

	_, err := breaker.Run(ctx, c.qBrk, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.q.EnqueueAt(ctx, wake, QueueFrozenBuilds, JobNameStartFrozen, JobIDArgs{JobID: cfg.JobID})
	})
	if err != nil && !errkind.Is(err, errkind.DuplicateScheduled) {
		return errkind.New(errkind.Queue, err)
	}
	return nil
}

func (c *Core) startReadyPath(ctx context.Context, cfg BuildConfig, now time.Time, log *logrus.Entry) error {
	cfg.EnqueueTime = now

	if _, err := breaker.Run(ctx, c.kvBrk, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.kv.HSet(ctx, HashBuildConfigs, strconv.FormatInt(cfg.BuildID, 10), cfg)
	}); err != nil {
		return errkind.New(errkind.Store, err)
	}

	args := StartArgs{BuildID: cfg.BuildID, JobID: cfg.JobID, BlockedBy: csv(cfg.BlockedBy)}
	if _, err := breaker.Run(ctx, c.qBrk, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.q.Enqueue(ctx, QueueBuilds, JobNameStart, args)
	}); err != nil {
		return errkind.New(errkind.Queue, err)
	}

	// A passthrough "build" value is only logged: no queueEnterTime is
	// merged into it and no build record is updated.
	if stats, ok := cfg.Passthrough["build"]; ok {
		log.WithField("build.stats", stats).Debug("build stats passed through unchanged")
	}
	return nil
}

// Stop cancels a queued build, or requests a stop of one already running,
// per spec.md §4.7 Stop.
func (c *Core) Stop(ctx context.Context, buildID, jobID int64, blockedBy []int64) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	args := StartArgs{BuildID: buildID, JobID: jobID, BlockedBy: csv(blockedBy)}

	numDeleted, err := breaker.Run(ctx, c.qBrk, func(ctx context.Context) (int, error) {
		return c.q.Delete(ctx, QueueBuilds, JobNameStart, args)
	})
	if err != nil {
		return errkind.New(errkind.Queue, err)
	}

	markerKey := fmt.Sprintf("deleted_%d_%d", jobID, buildID)
	if _, err := breaker.Run(ctx, c.kvBrk, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.kv.Set(ctx, markerKey, "")
	}); err != nil {
		return errkind.New(errkind.Store, err)
	}
	if _, err := breaker.Run(ctx, c.kvBrk, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.kv.Expire(ctx, markerKey, AbortMarkerTTL)
	}); err != nil {
		return errkind.New(errkind.Store, err)
	}

	stopArgs := StopArgs{BuildID: buildID, JobID: jobID, BlockedBy: csv(blockedBy), Started: numDeleted == 0}
	if _, err := breaker.Run(ctx, c.qBrk, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.q.Enqueue(ctx, QueueBuilds, JobNameStop, stopArgs)
	}); err != nil {
		return errkind.New(errkind.Queue, err)
	}
	return nil
}

// StartPeriodic schedules the next firing of a periodic build and,
// when triggerBuild is set, also posts an event for the current firing,
// per spec.md §4.7 StartPeriodic.
func (c *Core) StartPeriodic(ctx context.Context, cfg PeriodicConfig) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	log := c.log.WithField("jobId", cfg.JobID)

	c.mu.Lock()
	if c.userTokenGen == "" && cfg.Token != "" {
		c.userTokenGen = cfg.Token
	}
	c.mu.Unlock()

	if cfg.IsUpdate {
		if err := c.StopPeriodic(ctx, cfg.JobID); err != nil {
			return err
		}
	}

	if cfg.TriggerBuild {
		event := apiclient.EventBody{PipelineID: cfg.PipelineID, StartFrom: cfg.JobName, CauseMessage: "Started by periodic build scheduler"}
		if err := c.api.PostEvent(ctx, cfg.APIUri, cfg.Token, event); err != nil {
			log.WithError(err).Warn("failed to post periodic trigger event")
		}
	}

	if cfg.BuildCron == "" || cfg.JobState != JobStateEnabled || cfg.JobArchived {
		return nil
	}

	next, err := c.cron.Next(cfg.BuildCron, strconv.FormatInt(cfg.JobID, 10), time.Now().UTC())
	if err != nil {
		return errkind.New(errkind.MalformedCron, err)
	}

	stored := cfg
	stored.IsUpdate = false
	stored.TriggerBuild = false
	if _, err := breaker.Run(ctx, c.kvBrk, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.kv.HSet(ctx, HashPeriodicBuildConfigs, strconv.FormatInt(cfg.JobID, 10), stored)
	}); err != nil {
		return errkind.New(errkind.Store, err)
	}

	return c.enqueuePeriodicNext(ctx, cfg.JobID, next, log)
}

// enqueuePeriodicNext implements the Open Question resolution: a
// DuplicateScheduled result is success; any other EnqueueAt failure gets
// exactly one breaker-wrapped retry, after which it is logged and
// swallowed so the caller still sees success (spec.md §4.7 step 4).
func (c *Core) enqueuePeriodicNext(ctx context.Context, jobID int64, next time.Time, log *logrus.Entry) error {
	args := JobIDArgs{JobID: jobID}
	enqueue := func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.q.EnqueueAt(ctx, next, QueuePeriodicBuilds, JobNameStartDelayed, args)
	}

	_, err := breaker.Run(ctx, c.qBrk, enqueue)
	if err == nil || errkind.Is(err, errkind.DuplicateScheduled) {
		return nil
	}

	_, retryErr := breaker.Run(ctx, c.qBrk, enqueue)
	if retryErr == nil || errkind.Is(retryErr, errkind.DuplicateScheduled) {
		return nil
	}
	log.WithError(retryErr).Error("failed to schedule next periodic firing after retry")
	return nil
}

// StopPeriodic removes the delayed entry and config hash for jobID, per
// spec.md §4.7 StopPeriodic.
func (c *Core) StopPeriodic(ctx context.Context, jobID int64) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	if _, err := breaker.Run(ctx, c.qBrk, func(ctx context.Context) (int, error) {
		return c.q.DeleteDelayed(ctx, QueuePeriodicBuilds, JobNameStartDelayed, JobIDArgs{JobID: jobID})
	}); err != nil {
		return errkind.New(errkind.Queue, err)
	}
	if _, err := breaker.Run(ctx, c.kvBrk, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.kv.HDel(ctx, HashPeriodicBuildConfigs, strconv.FormatInt(jobID, 10))
	}); err != nil {
		return errkind.New(errkind.Store, err)
	}
	return nil
}

// StartFrozen is invoked by the scheduler when a frozen entry matures.
// It posts the trigger event unless the job is disabled or archived, per
// spec.md §4.7 StartFrozen.
func (c *Core) StartFrozen(ctx context.Context, cfg BuildConfig) error {
	if cfg.JobState == JobStateDisabled || cfg.JobArchived {
		return nil
	}
	event := apiclient.EventBody{PipelineID: cfg.PipelineID, StartFrom: cfg.JobName, CauseMessage: "Started by freeze window scheduler", BuildID: cfg.BuildID}
	if err := c.api.PostEvent(ctx, cfg.APIUri, cfg.Token, event); err != nil {
		c.log.WithField("jobId", cfg.JobID).WithError(err).Warn("failed to post freeze-window trigger event")
	}
	return nil
}

// StopFrozen removes the delayed entry and config hash for jobID, per
// spec.md §4.7 StopFrozen.
func (c *Core) StopFrozen(ctx context.Context, jobID int64) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	if _, err := breaker.Run(ctx, c.qBrk, func(ctx context.Context) (int, error) {
		return c.q.DeleteDelayed(ctx, QueueFrozenBuilds, JobNameStartFrozen, JobIDArgs{JobID: jobID})
	}); err != nil {
		return errkind.New(errkind.Queue, err)
	}
	if _, err := breaker.Run(ctx, c.kvBrk, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.kv.HDel(ctx, HashFrozenBuildConfigs, strconv.FormatInt(jobID, 10))
	}); err != nil {
		return errkind.New(errkind.Store, err)
	}
	return nil
}

// StartTimer registers the declared max runtime of a running build. It is
// a no-op when the build is not RUNNING or already has an entry, per
// spec.md §4.7 StartTimer. annotations is the job's raw annotation map;
// the screwdriver.cd/timeout key is extracted here (falling back to
// DefaultTimeoutMinutes), matching the spec's "timeout =
// annotations.'screwdriver.cd/timeout' or default 90". All errors are
// logged and swallowed.
func (c *Core) StartTimer(ctx context.Context, buildID, jobID int64, buildStatus string, startTime time.Time, annotations map[string]any) error {
	if buildStatus != "RUNNING" {
		return nil
	}
	if err := c.connect(ctx); err != nil {
		c.log.WithError(err).Warn("StartTimer: connect failed")
		return nil
	}
	key := strconv.FormatInt(buildID, 10)

	existing, err := breaker.Run(ctx, c.kvBrk, func(ctx context.Context) (bool, error) {
		return c.kv.HGet(ctx, HashTimeoutConfigs, key, nil)
	})
	if err != nil {
		c.log.WithField("buildId", buildID).WithError(err).Warn("StartTimer: HGet failed")
		return nil
	}
	if existing {
		return nil
	}

	timeoutMinutes := TimeoutMinutesFromAnnotations(annotations)
	entry := TimeoutEntry{JobID: jobID, StartTime: startTime, TimeoutMinutes: timeoutMinutes}
	if _, err := breaker.Run(ctx, c.kvBrk, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.kv.HSet(ctx, HashTimeoutConfigs, key, entry)
	}); err != nil {
		c.log.WithField("buildId", buildID).WithError(err).Warn("StartTimer: HSet failed")
	}
	return nil
}

// StopTimer removes a build's timeout entry, if any. All errors are
// logged and swallowed, per spec.md §4.7 StopTimer.
func (c *Core) StopTimer(ctx context.Context, buildID int64) error {
	if err := c.connect(ctx); err != nil {
		c.log.WithError(err).Warn("StopTimer: connect failed")
		return nil
	}
	key := strconv.FormatInt(buildID, 10)
	existing, err := breaker.Run(ctx, c.kvBrk, func(ctx context.Context) (bool, error) {
		return c.kv.HGet(ctx, HashTimeoutConfigs, key, nil)
	})
	if err != nil {
		c.log.WithField("buildId", buildID).WithError(err).Warn("StopTimer: HGet failed")
		return nil
	}
	if !existing {
		return nil
	}
	if _, err := breaker.Run(ctx, c.kvBrk, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.kv.HDel(ctx, HashTimeoutConfigs, key)
	}); err != nil {
		c.log.WithField("buildId", buildID).WithError(err).Warn("StopTimer: HDel failed")
	}
	return nil
}

// Stats returns the QueueBreaker's Stats snapshot, per spec.md §4.7 Stats.
func (c *Core) Stats() breaker.Stats {
	return c.qBrk.Stats()
}

// StartPeriodicByJobID implements scheduler.PeriodicRunner: the scheduler
// handler reads PeriodicConfig by jobID and re-invokes StartPeriodic with
// triggerBuild=true, per spec.md §4.6.
func (c *Core) StartPeriodicByJobID(ctx context.Context, jobID int64) error {
	var cfg PeriodicConfig
	found, err := c.kv.HGet(ctx, HashPeriodicBuildConfigs, strconv.FormatInt(jobID, 10), &cfg)
	if err != nil {
		return errkind.New(errkind.Store, err)
	}
	if !found {
		return nil
	}
	cfg.TriggerBuild = true
	return c.StartPeriodic(ctx, cfg)
}

// StartFrozenByJobID implements scheduler.FrozenRunner: the scheduler
// handler reads FrozenConfig by jobID and calls StartFrozen, per
// spec.md §4.6.
func (c *Core) StartFrozenByJobID(ctx context.Context, jobID int64) error {
	var cfg FrozenConfig
	found, err := c.kv.HGet(ctx, HashFrozenBuildConfigs, strconv.FormatInt(jobID, 10), &cfg)
	if err != nil {
		return errkind.New(errkind.Store, err)
	}
	if !found {
		return nil
	}
	return c.StartFrozen(ctx, cfg.Build)
}
