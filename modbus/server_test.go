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
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/edgeo-scada/icsnpp-listeners/session"
)

func startServer(t *testing.T, opts ...ServerOption) *Server {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	opts = append([]ServerOption{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	server := NewServer(nil, opts...)

	done := make(chan error, 1)
	go func() { done <- server.Serve(listener) }()
	t.Cleanup(func() {
		server.Close()
		if err := <-done; err != nil {
			t.Errorf("Serve returned %v", err)
		}
	})

	for server.Addr() == nil {
		time.Sleep(time.Millisecond)
	}
	return server
}

func dialServer(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func rawFrame(txID, proto uint16, unit byte, pdu []byte) []byte {
	length := len(pdu) + 1
	frame := []byte{byte(txID >> 8), byte(txID), byte(proto >> 8), byte(proto), byte(length >> 8), byte(length), unit}
	return append(frame, pdu...)
}

func readReply(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	header := make([]byte, MBAPHeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("read header failed: %v", err)
	}
	length := int(header[4])<<8 | int(header[5])
	body := make([]byte, length-1)
	if _, err := io.ReadFull(conn, body); err != nil {
		t.Fatalf("read body failed: %v", err)
	}
	return append(header, body...)
}

func TestServer_RawRoundTrip(t *testing.T) {
	s := startServer(t)
	conn := dialServer(t, s)

	conn.Write(rawFrame(0x0102, 0, 0x11, []byte{0x03, 0x00, 0x00, 0x00, 0x0A}))
	reply := readReply(t, conn)

	if !bytes.Equal(reply[:7], []byte{0x01, 0x02, 0x00, 0x00, 0x00, 0x17, 0x11}) {
		t.Errorf("header: got %x", reply[:7])
	}
	if reply[7] != 0x03 || reply[8] != 20 {
		t.Fatalf("body: got %x", reply[7:])
	}
	for i := 0; i < 10; i++ {
		v := int(reply[9+2*i])<<8 | int(reply[10+2*i])
		if v != i {
			t.Errorf("register %d: expected %d, got %d", i, i, v)
		}
	}
}

func TestServer_UnknownFunction(t *testing.T) {
	s := startServer(t)
	conn := dialServer(t, s)

	conn.Write(rawFrame(7, 0, 1, []byte{0x63, 0x00}))
	reply := readReply(t, conn)
	if !bytes.Equal(reply[7:], []byte{0xE3, 0x01}) {
		t.Errorf("expected e301, got %x", reply[7:])
	}
}

func TestServer_InvalidProtocolKeepsConnection(t *testing.T) {
	s := startServer(t)
	conn := dialServer(t, s)

	conn.Write(rawFrame(1, 1, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01}))
	conn.Write(rawFrame(2, 0, 1, []byte{0x03, 0x00, 0x05, 0x00, 0x01}))

	reply := readReply(t, conn)
	if reply[0] != 0x00 || reply[1] != 0x02 {
		t.Fatalf("expected reply to transaction 2, got %x", reply)
	}
	if !bytes.Equal(reply[7:], []byte{0x03, 0x02, 0x00, 0x05}) {
		t.Errorf("body: got %x", reply[7:])
	}
	if got := s.Metrics().Dropped.Value(); got != 1 {
		t.Errorf("Dropped: expected 1, got %d", got)
	}
}

func TestServer_BadLengthDropsHeader(t *testing.T) {
	s := startServer(t)
	conn := dialServer(t, s)

	// Length 0 drops only the 7 header bytes.
	conn.Write([]byte{0x00, 0x09, 0x00, 0x00, 0x00, 0x00, 0x01})
	conn.Write(rawFrame(3, 0, 1, []byte{0x07}))

	reply := readReply(t, conn)
	if !bytes.Equal(reply, []byte{0x00, 0x03, 0x00, 0x00, 0x00, 0x03, 0x01, 0x07, 0x00}) {
		t.Errorf("got %x", reply)
	}
}

func TestServer_RequestLimit(t *testing.T) {
	s := startServer(t, WithMaxRequests(3))
	conn := dialServer(t, s)

	for i := 1; i <= 3; i++ {
		conn.Write(rawFrame(uint16(i), 0, 1, []byte{0x07}))
		reply := readReply(t, conn)
		if int(reply[1]) != i {
			t.Errorf("reply %d: unexpected transaction %d", i, reply[1])
		}
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if n, err := conn.Read(make([]byte, 16)); err != io.EOF {
		t.Errorf("expected EOF after limit, got n=%d err=%v", n, err)
	}
}

func TestServer_ReadTimeout(t *testing.T) {
	s := startServer(t, WithReadTimeout(100*time.Millisecond))
	conn := dialServer(t, s)

	start := time.Now()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF, got %v", err)
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("connection closed after %v", d)
	}
}

func TestServer_Tap(t *testing.T) {
	var mu sync.Mutex
	var exchanges []session.Exchange
	tap := session.TapFunc(func(e session.Exchange) {
		mu.Lock()
		exchanges = append(exchanges, e)
		mu.Unlock()
	})

	s := startServer(t, WithTap(tap))
	conn := dialServer(t, s)

	bad := rawFrame(1, 5, 1, []byte{0x07})
	good := rawFrame(2, 0, 1, []byte{0x07})
	conn.Write(bad)
	conn.Write(good)
	readReply(t, conn)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(exchanges)
		mu.Unlock()
		if n >= 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(exchanges) != 2 {
		t.Fatalf("expected 2 exchanges, got %d", len(exchanges))
	}
	if !bytes.Equal(exchanges[0].Request, bad) || exchanges[0].Reply != nil {
		t.Errorf("dropped exchange: %+v", exchanges[0])
	}
	if !bytes.Equal(exchanges[1].Request, good) || len(exchanges[1].Reply) != 9 {
		t.Errorf("served exchange: %+v", exchanges[1])
	}
	if exchanges[1].Network != "tcp" {
		t.Errorf("Network: expected tcp, got %q", exchanges[1].Network)
	}
}

func TestServer_MaxConnections(t *testing.T) {
	s := startServer(t, WithMaxConnections(1))
	first := dialServer(t, s)
	first.Write(rawFrame(1, 0, 1, []byte{0x07}))
	readReply(t, first)

	second := dialServer(t, s)
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := second.Read(make([]byte, 1)); err == nil {
		t.Error("expected second connection to be rejected")
	}
	if got := s.ActiveConnections(); got != 1 {
		t.Errorf("ActiveConnections: expected 1, got %d", got)
	}
}

func TestServer_CloseEndsSessions(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}
	s := NewServer(nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	done := make(chan error, 1)
	go func() { done <- s.Serve(listener) }()

	conn, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer conn.Close()
	conn.Write(rawFrame(1, 0, 1, []byte{0x07}))
	readReply(t, conn)

	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := <-done; err != nil {
		t.Errorf("Serve: expected nil after Close, got %v", err)
	}
	if got := s.ActiveConnections(); got != 0 {
		t.Errorf("ActiveConnections after Close: %d", got)
	}
	if got := s.Metrics().ActiveConns.Value(); got != 0 {
		t.Errorf("ActiveConns metric after Close: %d", got)
	}
}

func TestServer_ListenAndServeContext(t *testing.T) {
	s := NewServer(nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.ListenAndServeContext(ctx, "127.0.0.1:0") }()
	for s.Addr() == nil {
		time.Sleep(time.Millisecond)
	}

	conn := dialServer(t, s)
	conn.Write(rawFrame(1, 0, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01}))
	readReply(t, conn)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop after cancel")
	}

	// Every session has finished its teardown by the time the call returns.
	if n := s.Metrics().ActiveConns.Value(); n != 0 {
		t.Errorf("ActiveConns = %d after return, want 0", n)
	}
	if n := s.ActiveConnections(); n != 0 {
		t.Errorf("ActiveConnections = %d after return, want 0", n)
	}
}

// gatedListener hands out connections only when the test sends them,
// regardless of whether it has been closed.
type gatedListener struct {
	conns chan net.Conn
}

func (l *gatedListener) Accept() (net.Conn, error) { return <-l.conns, nil }
func (l *gatedListener) Close() error              { return nil }
func (l *gatedListener) Addr() net.Addr            { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

func TestServer_AcceptAfterClose(t *testing.T) {
	s := NewServer(nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	l := &gatedListener{conns: make(chan net.Conn)}

	done := make(chan error, 1)
	go func() { done <- s.Serve(l) }()
	for s.Addr() == nil {
		time.Sleep(time.Millisecond)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()
	l.conns <- server

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve kept accepting after Close")
	}

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected late connection to be closed, got %v", err)
	}
	if n := s.Metrics().TotalConns.Value(); n != 0 {
		t.Errorf("TotalConns = %d, want 0", n)
	}
}

func TestConnSession_StopState(t *testing.T) {
	tests := []struct {
		name   string
		send   []byte
		reply  bool
		reason session.Reason
		state  SessionState
	}{
		{"between requests", rawFrame(1, 0, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01}), true, session.ReasonPeerClosed, StateAwaitingHeader},
		{"truncated body", rawFrame(1, 0, 1, []byte{0x03, 0x00, 0x00, 0x00, 0x01})[:9], false, session.ReasonPeerClosed, StateAwaitingBody},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(nil, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
			client, server := net.Pipe()
			cs := newConnSession(s, server)

			done := make(chan session.Reason, 1)
			go func() {
				reason, _ := cs.run(context.Background())
				done <- reason
			}()

			go func() {
				client.Write(tt.send)
				if tt.reply {
					io.ReadFull(client, make([]byte, 11))
				}
				client.Close()
			}()

			select {
			case reason := <-done:
				if reason != tt.reason {
					t.Errorf("reason = %v, want %v", reason, tt.reason)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("session did not end")
			}
			if got := cs.State(); got != tt.state {
				t.Errorf("state = %v, want %v", got, tt.state)
			}
			server.Close()
		})
	}
}

func TestServer_ClientEndToEnd(t *testing.T) {
	s := startServer(t)
	ctx := context.Background()

	client, err := NewClient(s.Addr().String(), WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	if err := client.WriteMultipleRegisters(ctx, 200, []uint16{1111, 2222, 3333}); err != nil {
		t.Fatalf("WriteMultipleRegisters failed: %v", err)
	}
	regs, err := client.ReadHoldingRegisters(ctx, 200, 3)
	if err != nil {
		t.Fatalf("ReadHoldingRegisters failed: %v", err)
	}
	if regs[0] != 1111 || regs[1] != 2222 || regs[2] != 3333 {
		t.Errorf("unexpected registers %v", regs)
	}

	if err := client.WriteMultipleCoils(ctx, 0, []bool{true, false, true}); err != nil {
		t.Fatalf("WriteMultipleCoils failed: %v", err)
	}
	coils, err := client.ReadCoils(ctx, 0, 3)
	if err != nil {
		t.Fatalf("ReadCoils failed: %v", err)
	}
	if !coils[0] || coils[1] || !coils[2] {
		t.Errorf("unexpected coils %v", coils)
	}

	inputs, err := client.ReadInputRegisters(ctx, 0, 2)
	if err != nil {
		t.Fatalf("ReadInputRegisters failed: %v", err)
	}
	if inputs[0] != 1 || inputs[1] != 4 {
		t.Errorf("unexpected input registers %v", inputs)
	}

	_, err = client.ReadHoldingRegisters(ctx, 19999, 2)
	if !IsIllegalDataValue(err) {
		t.Errorf("expected illegal data value, got %v", err)
	}
	var mbErr *ModbusError
	if !errors.As(err, &mbErr) || mbErr.FunctionCode != FuncReadHoldingRegisters {
		t.Errorf("expected *ModbusError for FC03, got %v", err)
	}

	if err := client.MaskWriteRegister(ctx, 20000, 0, 0); !IsIllegalDataAddress(err) {
		t.Errorf("expected illegal data address, got %v", err)
	}

	id, err := client.ReadDeviceIdentification(ctx, 0x01, 0x00)
	if err != nil {
		t.Fatalf("ReadDeviceIdentification failed: %v", err)
	}
	if id.Objects[0x00] != "Edgeo SCADA" || len(id.Objects) != 3 {
		t.Errorf("unexpected identification %+v", id)
	}

	serverID, err := client.ReportServerID(ctx)
	if err != nil {
		t.Fatalf("ReportServerID failed: %v", err)
	}
	if string(serverID[:len(serverID)-1]) != "ICSNPP Trainer" {
		t.Errorf("unexpected server id %q", serverID)
	}

	if got := s.Metrics().ForFunction(FuncReadHoldingRegisters).Exceptions.Value(); got != 1 {
		t.Errorf("FC03 exceptions: expected 1, got %d", got)
	}
}
