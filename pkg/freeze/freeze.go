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

// Package freeze implements the freeze-window gate: given a set of cron
// windows and a reference instant, it returns the first instant at or
// after the reference that lies outside every window, per spec.md §4.4.
package freeze

import (
	"time"

	cron "gopkg.in/robfig/cron.v2"

	"github.com/screwdriver-cd/buildqueue/pkg/errkind"
)

// maxLookahead bounds the minute-walk. A freeze configuration that blocks
// every minute for longer than this is a configuration error rather than
// a legitimate freeze window (spec.md §12 Non-goals).
const maxLookahead = 7 * 24 * time.Hour

// Evaluator computes TimeOutOfWindows deterministically from the clock
// value it is given — it never reads the system clock itself.
type Evaluator struct{}

// New returns an Evaluator.
func New() *Evaluator { return &Evaluator{} }

// TimeOutOfWindows returns the first instant >= t that is not contained
// in any of windows. If t is already outside every window, t is returned
// unchanged.
func (Evaluator) TimeOutOfWindows(windows []string, t time.Time) (time.Time, error) {
	if len(windows) == 0 {
		return t, nil
	}
	schedules := make([]cron.Schedule, 0, len(windows))
	for _, w := range windows {
		// cron.v2 reads a leading seconds field; pin it to 0 so the
		// window's five fields keep their minute-first meaning.
		s, err := cron.Parse("0 " + w)
		if err != nil {
			return time.Time{}, errkind.New(errkind.MalformedCron, err)
		}
		schedules = append(schedules, s)
	}

	cursor := t.Truncate(time.Minute)
	deadline := t.Add(maxLookahead)
	for !cursor.After(deadline) {
		if !inAnyWindow(schedules, cursor) {
			if cursor.Before(t) {
				return t, nil
			}
			return cursor, nil
		}
		cursor = cursor.Add(time.Minute)
	}
	return time.Time{}, errkind.New(errkind.Config, errFreezeNeverClears(windows))
}

func errFreezeNeverClears(windows []string) error {
	return &lookaheadExceeded{windows: windows}
}

type lookaheadExceeded struct{ windows []string }

func (e *lookaheadExceeded) Error() string {
	return "freeze windows cover every minute within the lookahead horizon: " + joinWindows(e.windows)
}

func joinWindows(windows []string) string {
	out := ""
	for i, w := range windows {
		if i > 0 {
			out += ", "
		}
		out += w
	}
	return out
}

// inAnyWindow reports whether t's minute is contained in any of the
// window schedules. A cron schedule "contains" a minute when the
// schedule's previous-or-equal fire time equals that minute — robfig's
// Schedule only exposes Next, so we probe the minute immediately before
// t and check whether its Next() lands exactly on t.
func inAnyWindow(schedules []cron.Schedule, t time.Time) bool {
	probe := t.Add(-time.Minute)
	for _, s := range schedules {
		if s.Next(probe).Equal(t) {
			return true
		}
	}
	return false
}
