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

// Package cronhash transforms cron expressions containing the hash
// placeholder H into deterministic integers derived from a job
// identifier, then computes the next firing timestamp, per spec.md §4.3.
package cronhash

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"time"

	cron "gopkg.in/robfig/cron.v2"

	"github.com/screwdriver-cd/buildqueue/pkg/errkind"
)

// fieldRange is the default [lo, hi] range for one of the five cron
// fields, in position order: minute, hour, day-of-month, month,
// day-of-week.
type fieldRange struct{ lo, hi int }

var defaultRanges = [5]fieldRange{
	{0, 59}, // minute
	{0, 23}, // hour
	{1, 28}, // day of month
	{1, 12}, // month
	{0, 6},  // day of week
}

var hToken = regexp.MustCompile(`^H(?:/(\d+)|\(([0-9]+)-([0-9]+)\))?$`)

// Hasher parses 5-field cron expressions, substituting the H placeholder
// in each field.
type Hasher struct{}

// New returns a Hasher. It carries no state; job-scoped hashing is a pure
// function of (expr, jobID).
func New() *Hasher { return &Hasher{} }

// Transform replaces every H token in expr with a deterministic value
// derived from jobID, honoring an optional step (H/N) or explicit range
// (H(lo-hi)).
func (Hasher) Transform(expr, jobID string) (string, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return "", errkind.New(errkind.MalformedCron, fmt.Errorf("expected 5 fields, got %d: %q", len(fields), expr))
	}

	h := stableHash(jobID)
	out := make([]string, 5)
	for i, field := range fields {
		transformed, err := transformField(field, defaultRanges[i], h)
		if err != nil {
			return "", err
		}
		out[i] = transformed
	}
	return strings.Join(out, " "), nil
}

// Next parses the transformed expression and returns the earliest UTC
// instant strictly after now at which it fires.
func (h Hasher) Next(expr, jobID string, now time.Time) (time.Time, error) {
	transformed, err := h.Transform(expr, jobID)
	if err != nil {
		return time.Time{}, err
	}
	// cron.v2 reads a leading seconds field; pin it to 0 so the five
	// fields keep their minute-first meaning.
	schedule, err := cron.Parse("0 " + transformed)
	if err != nil {
		return time.Time{}, errkind.New(errkind.MalformedCron, err)
	}
	return schedule.Next(now).UTC(), nil
}

func transformField(field string, rng fieldRange, jobHash uint64) (string, error) {
	if !strings.Contains(field, "H") {
		return field, nil
	}
	m := hToken.FindStringSubmatch(field)
	if m == nil {
		return "", errkind.New(errkind.MalformedCron, fmt.Errorf("unsupported H expression %q", field))
	}

	lo, hi := rng.lo, rng.hi
	switch {
	case m[1] != "": // H/N — step: hash picks the phase within [lo, lo+N-1]
		step, err := strconv.Atoi(m[1])
		if err != nil || step <= 0 {
			return "", errkind.New(errkind.InvalidRange, fmt.Errorf("invalid step in %q", field))
		}
		phase := int(jobHash%uint64(step)) + lo
		return fmt.Sprintf("%d/%d", phase, step), nil
	case m[2] != "": // H(lo-hi) — explicit range, must lie within the default
		explicitLo, _ := strconv.Atoi(m[2])
		explicitHi, _ := strconv.Atoi(m[3])
		if explicitLo < rng.lo || explicitHi > rng.hi || explicitLo > explicitHi {
			return "", errkind.New(errkind.InvalidRange, fmt.Errorf("range (%d-%d) outside default [%d,%d]", explicitLo, explicitHi, rng.lo, rng.hi))
		}
		lo, hi = explicitLo, explicitHi
	}
	value := int(jobHash%uint64(hi-lo+1)) + lo
	return strconv.Itoa(value), nil
}

// stableHash is a stable string hash (FNV-1a), used so the same jobID
// always maps to the same field values, independent of process restarts.
func stableHash(jobID string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(jobID))
	return hasher.Sum64()
}
