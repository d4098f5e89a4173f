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

// Package errkind is the shared error-classification leaf package: every
// other package in this module (pkg/broker included) imports it, and it
// imports nothing from this module, per SPEC_FULL.md §2's "leaves first"
// dependency order.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies a BrokerError so callers can branch on behavior
// without string matching.
type Kind string

const (
	// Config marks a missing or invalid required construction input. Fatal at init.
	Config Kind = "ConfigError"
	// Connect marks a failure to connect to the KV store or queue.
	Connect Kind = "ConnectError"
	// Store marks a KV store operation failure.
	Store Kind = "StoreError"
	// Queue marks a queue operation failure.
	Queue Kind = "QueueError"
	// API marks a control-plane API call failure.
	API Kind = "APIError"
	// BreakerOpen marks a fast-failed call because the circuit breaker has tripped.
	BreakerOpen Kind = "BreakerOpen"
	// MalformedCron marks a cron expression that does not have exactly 5 fields.
	MalformedCron Kind = "MalformedCron"
	// InvalidRange marks an explicit H(lo-hi) range outside the field's default range.
	InvalidRange Kind = "InvalidRange"
	// DuplicateScheduled marks an EnqueueAt call that matched an already-scheduled item.
	// This is never surfaced as a user-visible failure; it is the de-duplication signal.
	DuplicateScheduled Kind = "DuplicateScheduled"
)

// BrokerError is the error type returned by every package in this module.
type BrokerError struct {
	Kind Kind
	Err  error
}

func (e *BrokerError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

// New wraps err with the given kind.
func New(kind Kind, err error) *BrokerError {
	return &BrokerError{Kind: kind, Err: err}
}

// Is reports whether kind matches the BrokerError wrapped anywhere in err's chain.
func Is(err error, kind Kind) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}
