// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session holds the connection discipline shared by every listener:
// lifetime and request budgets, close reasons, counters and exchange taps.
package session

import "time"

// Default limits for a protocol connection.
const (
	DefaultMaxRequests       = 1000
	DefaultConnectionTimeout = 300 * time.Second
	DefaultReadTimeout       = 10 * time.Second
)

// Limits bound the lifetime of a single connection.
// A zero value for any field disables that bound.
type Limits struct {
	MaxRequests       int
	ConnectionTimeout time.Duration
	ReadTimeout       time.Duration
}

// DefaultLimits returns the limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{
		MaxRequests:       DefaultMaxRequests,
		ConnectionTimeout: DefaultConnectionTimeout,
		ReadTimeout:       DefaultReadTimeout,
	}
}

// Budget tracks elapsed time and processed requests for one connection.
// It is not safe for concurrent use; each connection owns its own Budget.
type Budget struct {
	limits   Limits
	start    time.Time
	requests int
	now      func() time.Time
}

// NewBudget starts a budget at the current time.
func NewBudget(limits Limits) *Budget {
	return newBudget(limits, time.Now)
}

func newBudget(limits Limits, now func() time.Time) *Budget {
	return &Budget{
		limits: limits,
		start:  now(),
		now:    now,
	}
}

// Check reports whether the connection may begin another iteration.
// The lifetime is checked before the request cap.
func (b *Budget) Check() (Reason, bool) {
	if b.limits.ConnectionTimeout > 0 && b.now().Sub(b.start) > b.limits.ConnectionTimeout {
		return ReasonLifetime, false
	}
	if b.limits.MaxRequests > 0 && b.requests >= b.limits.MaxRequests {
		return ReasonRequestLimit, false
	}
	return ReasonNone, true
}

// Count records one request and returns the running total.
func (b *Budget) Count() int {
	b.requests++
	return b.requests
}

// Requests returns the number of requests counted so far.
func (b *Budget) Requests() int {
	return b.requests
}

// Elapsed returns the time since the budget started.
func (b *Budget) Elapsed() time.Duration {
	return b.now().Sub(b.start)
}

// ReadDeadline returns the deadline for the next read, or the zero time
// when reads never time out.
func (b *Budget) ReadDeadline() time.Time {
	if b.limits.ReadTimeout <= 0 {
		return time.Time{}
	}
	return b.now().Add(b.limits.ReadTimeout)
}
