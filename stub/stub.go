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

// Package stub serves the canned-reply protocol listeners. Each protocol is a
// Handler that maps one request chunk to one reply; the StreamServer and
// DatagramServer own sockets, budgets and teardown.
package stub

import (
	"io"
	"log/slog"

	"github.com/edgeo-scada/icsnpp-listeners/session"
)

// Handler produces the reply to one request. A nil reply sends nothing.
// req is only valid for the duration of the call.
type Handler interface {
	Handle(req []byte) []byte
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(req []byte) []byte

// Handle calls f(req).
func (f HandlerFunc) Handle(req []byte) []byte {
	return f(req)
}

// Network is the transport a protocol is served over.
type Network string

const (
	TCP Network = "tcp"
	UDP Network = "udp"
)

// Protocol describes one canned-reply listener.
type Protocol struct {
	Name     string
	Network  Network
	Port     int
	ReadSize int
	Limits   session.Limits

	// NewHandler returns the handler for one TCP connection, or for the
	// whole socket of a UDP listener. A handler that implements io.Closer
	// is closed when its connection ends.
	NewHandler func() Handler
}

func closeHandler(h Handler) {
	if c, ok := h.(io.Closer); ok {
		c.Close()
	}
}

// Option is a functional option for configuring a stub server.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	tap          session.Tap
	connLogLevel slog.Level
	limits       *session.Limits
}

func defaultOptions() *options {
	return &options{
		logger:       slog.Default(),
		connLogLevel: slog.LevelDebug,
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithTap registers an observer of every request/reply exchange.
func WithTap(tap session.Tap) Option {
	return func(o *options) {
		o.tap = tap
	}
}

// WithConnectionLogLevel sets the level of connection open/close logs.
func WithConnectionLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.connLogLevel = level
	}
}

// WithLimits overrides the protocol's per-connection limits.
func WithLimits(l session.Limits) Option {
	return func(o *options) {
		o.limits = &l
	}
}

func defaultLimits(maxRequests int) session.Limits {
	l := session.DefaultLimits()
	l.MaxRequests = maxRequests
	return l
}
