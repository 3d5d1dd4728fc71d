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

// Package transport carries MBAP frames over a TCP connection for the client.
package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const headerSize = 7

// ErrNotConnected is returned by Send before Connect succeeds.
var ErrNotConnected = errors.New("transport: not connected")

// TCPTransport serializes request/reply round trips over one TCP connection.
type TCPTransport struct {
	addr    string
	timeout time.Duration

	mu   sync.Mutex
	conn net.Conn
}

// NewTCPTransport creates a new TCP transport.
func NewTCPTransport(addr string, timeout time.Duration) *TCPTransport {
	return &TCPTransport{
		addr:    addr,
		timeout: timeout,
	}
}

// Connect dials the server. It is a no-op when already connected.
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn != nil {
		return nil
	}

	dialer := &net.Dialer{
		Timeout:   t.timeout,
		KeepAlive: 30 * time.Second,
	}
	conn, err := dialer.DialContext(ctx, "tcp", t.addr)
	if err != nil {
		return fmt.Errorf("tcp connect: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	t.conn = conn
	return nil
}

// Close closes the TCP connection.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// IsConnected returns true if the transport is connected.
func (t *TCPTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// LocalAddr returns the local address, or nil when not connected.
func (t *TCPTransport) LocalAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}

// Send writes one request frame and reads one reply frame. The deadline is
// taken from ctx, or the transport timeout when ctx has none. Any I/O
// failure drops the connection.
func (t *TCPTransport) Send(ctx context.Context, data []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.conn == nil {
		return nil, ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(t.timeout)
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	if _, err := t.conn.Write(data); err != nil {
		t.dropLocked()
		return nil, fmt.Errorf("write: %w", err)
	}

	header := make([]byte, headerSize)
	if _, err := io.ReadFull(t.conn, header); err != nil {
		t.dropLocked()
		return nil, fmt.Errorf("read header: %w", err)
	}
	if proto := binary.BigEndian.Uint16(header[2:4]); proto != 0 {
		t.dropLocked()
		return nil, fmt.Errorf("invalid protocol ID: %d", proto)
	}
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length > 254 {
		t.dropLocked()
		return nil, fmt.Errorf("invalid length: %d", length)
	}

	frame := make([]byte, headerSize+length-1)
	copy(frame, header)
	if _, err := io.ReadFull(t.conn, frame[headerSize:]); err != nil {
		t.dropLocked()
		return nil, fmt.Errorf("read pdu: %w", err)
	}
	return frame, nil
}

func (t *TCPTransport) dropLocked() {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
}
