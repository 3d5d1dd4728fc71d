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

package session

import (
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time { return c.t }

func TestBudget_RequestLimit(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newBudget(Limits{MaxRequests: 3, ConnectionTimeout: time.Minute}, clock.now)

	for i := 0; i < 3; i++ {
		if reason, ok := b.Check(); !ok {
			t.Fatalf("iteration %d: unexpected stop (%s)", i, reason)
		}
		b.Count()
	}

	reason, ok := b.Check()
	if ok {
		t.Fatal("expected budget to be exhausted after 3 requests")
	}
	if reason != ReasonRequestLimit {
		t.Errorf("Reason: expected %s, got %s", ReasonRequestLimit, reason)
	}
	if b.Requests() != 3 {
		t.Errorf("Requests: expected 3, got %d", b.Requests())
	}
}

func TestBudget_Lifetime(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newBudget(Limits{MaxRequests: 10, ConnectionTimeout: 5 * time.Second}, clock.now)

	clock.t = clock.t.Add(5 * time.Second)
	if _, ok := b.Check(); !ok {
		t.Fatal("lifetime equal to the budget should still be allowed")
	}

	clock.t = clock.t.Add(time.Millisecond)
	reason, ok := b.Check()
	if ok || reason != ReasonLifetime {
		t.Errorf("expected %s, got %s (ok=%v)", ReasonLifetime, reason, ok)
	}
	if b.Elapsed() != 5*time.Second+time.Millisecond {
		t.Errorf("Elapsed: got %v", b.Elapsed())
	}
}

func TestBudget_ZeroLimitsDisableChecks(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newBudget(Limits{}, clock.now)

	for i := 0; i < 10000; i++ {
		b.Count()
	}
	clock.t = clock.t.Add(24 * time.Hour)

	if _, ok := b.Check(); !ok {
		t.Error("zero limits should never exhaust the budget")
	}
	if !b.ReadDeadline().IsZero() {
		t.Error("zero read timeout should yield a zero deadline")
	}
}

func TestBudget_ReadDeadline(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	b := newBudget(Limits{ReadTimeout: 10 * time.Second}, clock.now)

	want := time.Unix(1010, 0)
	if got := b.ReadDeadline(); !got.Equal(want) {
		t.Errorf("ReadDeadline: expected %v, got %v", want, got)
	}
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.Error = timeoutError{}

func TestClassify(t *testing.T) {
	if r := Classify(io.EOF, false); r != ReasonPeerClosed {
		t.Errorf("EOF: expected %s, got %s", ReasonPeerClosed, r)
	}
	if r := Classify(fmt.Errorf("read header: %w", io.ErrUnexpectedEOF), false); r != ReasonPeerClosed {
		t.Errorf("wrapped ErrUnexpectedEOF: expected %s, got %s", ReasonPeerClosed, r)
	}
	if r := Classify(timeoutError{}, false); r != ReasonReadTimeout {
		t.Errorf("timeout: expected %s, got %s", ReasonReadTimeout, r)
	}
	if r := Classify(net.ErrClosed, false); r != ReasonShutdown {
		t.Errorf("ErrClosed: expected %s, got %s", ReasonShutdown, r)
	}
	if r := Classify(errors.New("boom"), false); r != ReasonTransportError {
		t.Errorf("other: expected %s, got %s", ReasonTransportError, r)
	}
	if r := Classify(io.EOF, true); r != ReasonShutdown {
		t.Errorf("closing: expected %s, got %s", ReasonShutdown, r)
	}
}

func TestStats_Collect(t *testing.T) {
	var s Stats
	s.TotalConns.Add(2)
	s.ActiveConns.Add(1)
	s.Requests.Add(7)
	s.Replies.Add(6)
	s.Dropped.Add(1)

	m := s.Collect()
	if m["total_conns"] != int64(2) {
		t.Errorf("total_conns: expected 2, got %v", m["total_conns"])
	}
	if m["replies"] != int64(6) {
		t.Errorf("replies: expected 6, got %v", m["replies"])
	}
	if m["dropped"] != int64(1) {
		t.Errorf("dropped: expected 1, got %v", m["dropped"])
	}
}

func TestCounter(t *testing.T) {
	var c Counter

	c.Add(5)
	c.Add(-2)
	if c.Value() != 3 {
		t.Errorf("expected 3, got %d", c.Value())
	}

	c.Reset()
	if c.Value() != 0 {
		t.Errorf("After Reset: expected 0, got %d", c.Value())
	}
}
