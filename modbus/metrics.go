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

package modbus

import (
	"sync"
	"time"

	"github.com/edgeo-scada/icsnpp-listeners/session"
)

// Counter is the atomic counter shared with the session package.
type Counter = session.Counter

var latencyLabels = []string{"1ms", "5ms", "10ms", "25ms", "50ms", "100ms", "250ms", "500ms", "1s", "5s+"}

// LatencyHistogram tracks latency distribution.
type LatencyHistogram struct {
	mu      sync.Mutex
	buckets []int64   // count per bucket
	bounds  []float64 // upper bounds in ms
	sum     float64
	count   int64
	min     float64
	max     float64
}

// NewLatencyHistogram creates a new latency histogram with default buckets.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		buckets: make([]int64, len(latencyLabels)),
		bounds:  []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		min:     -1,
		max:     -1,
	}
}

// Observe records a latency observation.
func (h *LatencyHistogram) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += ms
	h.count++
	if h.min < 0 || ms < h.min {
		h.min = ms
	}
	if ms > h.max {
		h.max = ms
	}

	idx := len(h.buckets) - 1
	for i, bound := range h.bounds {
		if ms <= bound {
			idx = i
			break
		}
	}
	h.buckets[idx]++
}

// Stats returns histogram statistics.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		Sum:     h.sum,
		Buckets: make(map[string]int64, len(h.buckets)),
	}
	if h.count > 0 {
		stats.Avg = h.sum / float64(h.count)
		stats.Min = h.min
		stats.Max = h.max
	}
	for i, n := range h.buckets {
		stats.Buckets[latencyLabels[i]] = n
	}
	return stats
}

// Reset resets the histogram.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range h.buckets {
		h.buckets[i] = 0
	}
	h.sum = 0
	h.count = 0
	h.min = -1
	h.max = -1
}

// LatencyStats holds latency statistics in milliseconds.
type LatencyStats struct {
	Count   int64
	Sum     float64
	Avg     float64
	Min     float64
	Max     float64
	Buckets map[string]int64
}

// FunctionMetrics counts requests and exceptions for one function code.
type FunctionMetrics struct {
	Requests   Counter
	Exceptions Counter
}

// ServerMetrics holds server-side metrics.
type ServerMetrics struct {
	session.Stats
	Exceptions Counter
	Latency    *LatencyHistogram

	functions sync.Map // FunctionCode -> *FunctionMetrics
}

// NewServerMetrics creates an empty metrics set.
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{Latency: NewLatencyHistogram()}
}

// ForFunction returns the metrics of fc, creating them on first use.
func (m *ServerMetrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	if v, ok := m.functions.Load(fc); ok {
		return v.(*FunctionMetrics)
	}
	v, _ := m.functions.LoadOrStore(fc, &FunctionMetrics{})
	return v.(*FunctionMetrics)
}

// observe records one dispatched request and its reply body.
func (m *ServerMetrics) observe(fc FunctionCode, reply []byte, d time.Duration) {
	fm := m.ForFunction(fc)
	fm.Requests.Add(1)
	if IsExceptionResponse(reply) {
		fm.Exceptions.Add(1)
		m.Exceptions.Add(1)
	}
	m.Latency.Observe(d)
}

// Collect returns all metrics as a map.
func (m *ServerMetrics) Collect() map[string]interface{} {
	result := m.Stats.Collect()
	result["exceptions"] = m.Exceptions.Value()
	result["latency"] = m.Latency.Stats()

	functions := make(map[string]interface{})
	m.functions.Range(func(key, value interface{}) bool {
		fc := key.(FunctionCode)
		fm := value.(*FunctionMetrics)
		functions[fc.String()] = map[string]int64{
			"requests":   fm.Requests.Value(),
			"exceptions": fm.Exceptions.Value(),
		}
		return true
	})
	result["functions"] = functions
	return result
}

// ClientMetrics holds client-side metrics.
type ClientMetrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	Latency         *LatencyHistogram
}

// NewClientMetrics creates an empty client metrics set.
func NewClientMetrics() *ClientMetrics {
	return &ClientMetrics{Latency: NewLatencyHistogram()}
}

// Collect returns all metrics as a map.
func (m *ClientMetrics) Collect() map[string]interface{} {
	return map[string]interface{}{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"latency":          m.Latency.Stats(),
	}
}
