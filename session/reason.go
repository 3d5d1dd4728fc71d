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
	"io"
	"net"
	"syscall"
)

// Reason describes why a connection loop ended.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonLifetime
	ReasonRequestLimit
	ReasonReadTimeout
	ReasonPeerClosed
	ReasonTransportError
	ReasonShutdown
)

// String returns the string representation of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonLifetime:
		return "connection timeout"
	case ReasonRequestLimit:
		return "request limit"
	case ReasonReadTimeout:
		return "read timeout"
	case ReasonPeerClosed:
		return "peer closed"
	case ReasonTransportError:
		return "transport error"
	case ReasonShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Classify maps an I/O error from a connection to a close reason.
// closing reports whether the owning server is shutting down, in which case
// every error is attributed to the shutdown.
func Classify(err error, closing bool) Reason {
	if closing || errors.Is(err, net.ErrClosed) {
		return ReasonShutdown
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ReasonPeerClosed
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonReadTimeout
	}
	return ReasonTransportError
}
