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

import "sync/atomic"

// Counter is a simple atomic counter.
type Counter struct {
	value int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	atomic.AddInt64(&c.value, delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return atomic.LoadInt64(&c.value)
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	atomic.StoreInt64(&c.value, 0)
}

// Stats holds the counters every listener maintains.
type Stats struct {
	TotalConns  Counter
	ActiveConns Counter
	Requests    Counter
	Replies     Counter
	Dropped     Counter
}

// Collect returns the counters as a map.
func (s *Stats) Collect() map[string]interface{} {
	return map[string]interface{}{
		"total_conns":  s.TotalConns.Value(),
		"active_conns": s.ActiveConns.Value(),
		"requests":     s.Requests.Value(),
		"replies":      s.Replies.Value(),
		"dropped":      s.Dropped.Value(),
	}
}
