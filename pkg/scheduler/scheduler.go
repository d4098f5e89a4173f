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

// Package scheduler runs the two long-lived workers that poll the
// periodicBuilds and frozenBuilds delay queues and fire matured jobs,
// per spec.md §4.6.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/screwdriver-cd/buildqueue/pkg/broker"
	"github.com/screwdriver-cd/buildqueue/pkg/queue"
)

// Config mirrors spec.md §4.6's shared worker configuration.
type Config struct {
	MinTaskProcessors int
	MaxTaskProcessors int
	CheckTimeout      time.Duration
	MaxEventLoopDelay time.Duration
}

// DefaultConfig matches the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		MinTaskProcessors: 1,
		MaxTaskProcessors: 10,
		CheckTimeout:      time.Second,
		MaxEventLoopDelay: 10 * time.Millisecond,
	}
}

// PeriodicRunner is the capability the periodicBuilds handler needs from
// BrokerCore. Expressed as a small interface (Design Note "Cyclic
// collaborator reference") to avoid an import cycle between pkg/broker
// and pkg/scheduler.
type PeriodicRunner interface {
	StartPeriodicByJobID(ctx context.Context, jobID int64) error
}

// FrozenRunner is the capability the frozenBuilds handler needs from
// BrokerCore.
type FrozenRunner interface {
	StartFrozenByJobID(ctx context.Context, jobID int64) error
}

// Scheduler owns the two delay-queue workers.
type Scheduler struct {
	cfg      Config
	q        queue.Client
	periodic PeriodicRunner
	frozen   FrozenRunner
	log      *logrus.Entry

	master bool // single-process master election: this process always self-elects
}

// New builds a Scheduler. master is true when this process should be the
// one moving matured delayed jobs into ready queues (spec.md §4.6's
// "single master" rule for wall-clock timestamp transfer).
func New(cfg Config, q queue.Client, periodic PeriodicRunner, frozen FrozenRunner, log *logrus.Entry) *Scheduler {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Scheduler{cfg: cfg, q: q, periodic: periodic, frozen: frozen, log: log.WithField("component", "scheduler"), master: true}
}

// Run blocks, polling both delay queues until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info("start")
	defer s.log.Info("end")

	ticker := time.NewTicker(s.cfg.CheckTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("cleaning_worker")
			return
		case <-ticker.C:
			if !s.master {
				continue
			}
			s.pollOnce(ctx, broker.QueuePeriodicBuilds, s.handlePeriodic)
			s.pollOnce(ctx, broker.QueueFrozenBuilds, s.handleFrozen)
		}
	}
}

type handler func(ctx context.Context, jobID int64) error

func (s *Scheduler) pollOnce(ctx context.Context, queueName string, h handler) {
	items, err := s.q.Poll(ctx, queueName, time.Now(), s.cfg.MaxTaskProcessors)
	if err != nil {
		s.log.WithError(err).WithField("queue", queueName).Error("internalError")
		return
	}
	for _, item := range items {
		s.runOne(ctx, queueName, item, h)
	}
}

func (s *Scheduler) runOne(ctx context.Context, queueName string, item queue.Item, h handler) {
	entry := s.log.WithField("queue", queueName).WithField("job", item.JobName)
	var args broker.JobIDArgs
	if err := json.Unmarshal(item.Args, &args); err != nil {
		entry.WithError(err).Error("error")
		return
	}
	entry = entry.WithField("jobId", args.JobID)
	entry.Info("job")
	if err := h(ctx, args.JobID); err != nil {
		entry.WithError(err).Error("failure")
		return
	}
	entry.Info("success")
}

func (s *Scheduler) handlePeriodic(ctx context.Context, jobID int64) error {
	s.log.WithField("jobId", jobID).Info("reEnqueue")
	return s.periodic.StartPeriodicByJobID(ctx, jobID)
}

func (s *Scheduler) handleFrozen(ctx context.Context, jobID int64) error {
	return s.frozen.StartFrozenByJobID(ctx, jobID)
}
