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
	"testing"
	"time"
)

func connectClient(t *testing.T, s *Server, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{WithTimeout(2 * time.Second)}, opts...)
	client, err := NewClient(s.Addr().String(), opts...)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestNewClient_EmptyAddress(t *testing.T) {
	if _, err := NewClient(""); err == nil {
		t.Error("expected error for empty address")
	}
}

func TestClient_NotConnected(t *testing.T) {
	client, err := NewClient("127.0.0.1:1")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := client.ReadCoils(context.Background(), 0, 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}

	client.Close()
	if err := client.Connect(context.Background()); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("expected ErrConnectionClosed after Close, got %v", err)
	}
}

func TestClient_InvalidQuantity(t *testing.T) {
	s := startServer(t)
	client := connectClient(t, s)
	ctx := context.Background()

	if _, err := client.ReadHoldingRegisters(ctx, 0, 126); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
	if err := client.WriteMultipleRegisters(ctx, 0, nil); !errors.Is(err, ErrInvalidQuantity) {
		t.Errorf("expected ErrInvalidQuantity, got %v", err)
	}
	if got := client.Metrics().RequestsTotal.Value(); got != 0 {
		t.Errorf("requests sent for invalid quantities: %d", got)
	}
}

func TestClient_Operations(t *testing.T) {
	s := startServer(t)
	client := connectClient(t, s, WithUnitID(9))
	ctx := context.Background()

	if err := client.WriteSingleCoil(ctx, 12, true); err != nil {
		t.Fatalf("WriteSingleCoil failed: %v", err)
	}
	if err := client.WriteSingleRegister(ctx, 12, 0xBEEF); err != nil {
		t.Fatalf("WriteSingleRegister failed: %v", err)
	}
	coils, _ := s.Store().Bits(Coils, 12, 1)
	regs, _ := s.Store().Words(HoldingRegisters, 12, 1)
	if !coils[0] || regs[0] != 0xBEEF {
		t.Errorf("store not updated: coil=%v reg=0x%04X", coils[0], regs[0])
	}

	inputs, err := client.ReadDiscreteInputs(ctx, 0, 8)
	if err != nil {
		t.Fatalf("ReadDiscreteInputs failed: %v", err)
	}
	if !inputs[0] || inputs[1] || !inputs[7] {
		t.Errorf("unexpected discrete inputs %v", inputs)
	}

	status, err := client.ReadExceptionStatus(ctx)
	if err != nil || status != 0 {
		t.Errorf("ReadExceptionStatus: status=%d err=%v", status, err)
	}

	echo, err := client.Diagnostics(ctx, 0x0000, []byte{0xA5, 0x37})
	if err != nil {
		t.Fatalf("Diagnostics failed: %v", err)
	}
	if !bytes.Equal(echo, []byte{0xA5, 0x37}) {
		t.Errorf("Diagnostics echo: got %x", echo)
	}

	got, err := client.ReadWriteMultipleRegisters(ctx, 5, 2, 5, []uint16{0x1111, 0x2222})
	if err != nil {
		t.Fatalf("ReadWriteMultipleRegisters failed: %v", err)
	}
	if got[0] != 0x1111 || got[1] != 0x2222 {
		t.Errorf("unexpected registers %04X", got)
	}

	s.Store().WriteWord(HoldingRegisters, 4, 0x00F0)
	if err := client.MaskWriteRegister(ctx, 4, 0x00FF, 0x0300); err != nil {
		t.Fatalf("MaskWriteRegister failed: %v", err)
	}
	regs, _ = s.Store().Words(HoldingRegisters, 4, 1)
	if regs[0] != 0x03F0 {
		t.Errorf("mask write: expected 0x03F0, got 0x%04X", regs[0])
	}

	if _, err := client.Send(ctx, []byte{0x63}); !IsIllegalFunction(err) {
		t.Errorf("expected illegal function, got %v", err)
	}

	m := client.Metrics()
	if m.RequestsTotal.Value() != m.RequestsSuccess.Value()+m.RequestsErrors.Value() {
		t.Errorf("metrics do not add up: %v", m.Collect())
	}
}
