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
	"log/slog"
	"time"

	"github.com/edgeo-scada/icsnpp-listeners/session"
)

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	logger       *slog.Logger
	maxConns     int
	limits       session.Limits
	tap          session.Tap
	connLogLevel slog.Level
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		logger:       slog.Default(),
		limits:       session.DefaultLimits(),
		connLogLevel: slog.LevelDebug,
	}
}

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxConnections sets the maximum number of concurrent connections.
// Zero means unlimited.
func WithMaxConnections(n int) ServerOption {
	return func(o *serverOptions) {
		o.maxConns = n
	}
}

// WithReadTimeout sets the deadline applied to each header and body read.
func WithReadTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.limits.ReadTimeout = d
	}
}

// WithConnectionTimeout sets the lifetime budget of a connection.
func WithConnectionTimeout(d time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.limits.ConnectionTimeout = d
	}
}

// WithMaxRequests sets the number of requests served per connection.
func WithMaxRequests(n int) ServerOption {
	return func(o *serverOptions) {
		o.limits.MaxRequests = n
	}
}

// WithLimits replaces all per-connection limits at once.
func WithLimits(l session.Limits) ServerOption {
	return func(o *serverOptions) {
		o.limits = l
	}
}

// WithTap registers an observer of every request/reply exchange.
func WithTap(tap session.Tap) ServerOption {
	return func(o *serverOptions) {
		o.tap = tap
	}
}

// WithConnectionLogLevel sets the level of connection open/close logs.
func WithConnectionLogLevel(level slog.Level) ServerOption {
	return func(o *serverOptions) {
		o.connLogLevel = level
	}
}

// ClientOption is a functional option for configuring the client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	unitID       UnitID
	timeout      time.Duration
	logger       *slog.Logger
	onConnect    func()
	onDisconnect func(error)
}

func defaultClientOptions() *clientOptions {
	return &clientOptions{
		unitID:  1,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
}

// WithUnitID sets the default unit ID for requests.
func WithUnitID(id UnitID) ClientOption {
	return func(o *clientOptions) {
		o.unitID = id
	}
}

// WithTimeout sets the dial and request timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithOnConnect sets a callback invoked after a successful connect.
func WithOnConnect(fn func()) ClientOption {
	return func(o *clientOptions) {
		o.onConnect = fn
	}
}

// WithOnDisconnect sets a callback invoked when a transport error drops
// the connection.
func WithOnDisconnect(fn func(error)) ClientOption {
	return func(o *clientOptions) {
		o.onDisconnect = fn
	}
}
