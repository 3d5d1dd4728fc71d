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
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/edgeo-scada/icsnpp-listeners/modbus/internal/transport"
)

// DeviceIdentification is the decoded reply of a read device identification
// request (FC43 / MEI 0x0E).
type DeviceIdentification struct {
	ReadCode    byte
	Conformity  byte
	MoreFollows bool
	NextObject  byte
	Objects     map[byte]string
}

// Client is a minimal Modbus TCP client. Requests on one client are
// serialized; the client does not reconnect on its own.
type Client struct {
	addr   string
	unitID UnitID
	opts   *clientOptions

	transport *transport.TCPTransport
	txIDGen   TransactionIDGenerator

	mu      sync.Mutex
	closed  bool
	metrics *ClientMetrics
	logger  *slog.Logger
}

// NewClient creates a new Modbus TCP client.
func NewClient(addr string, opts ...ClientOption) (*Client, error) {
	if addr == "" {
		return nil, errors.New("modbus: address cannot be empty")
	}

	options := defaultClientOptions()
	for _, opt := range opts {
		opt(options)
	}

	return &Client{
		addr:      addr,
		unitID:    options.unitID,
		opts:      options,
		transport: transport.NewTCPTransport(addr, options.timeout),
		metrics:   NewClientMetrics(),
		logger:    options.logger,
	}, nil
}

// Connect establishes a connection to the server.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrConnectionClosed
	}

	if err := c.transport.Connect(ctx); err != nil {
		return err
	}
	c.logger.Debug("connected", slog.String("addr", c.addr))
	if c.opts.onConnect != nil {
		c.opts.onConnect()
	}
	return nil
}

// Close closes the client connection. The client cannot be reused.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	return c.transport.Close()
}

// IsConnected returns true if the client is connected.
func (c *Client) IsConnected() bool {
	return c.transport.IsConnected()
}

// LocalAddr returns the local address of the connection, if any.
func (c *Client) LocalAddr() net.Addr {
	return c.transport.LocalAddr()
}

// Metrics returns the client metrics.
func (c *Client) Metrics() *ClientMetrics {
	return c.metrics
}

// SetUnitID sets the default unit ID for subsequent requests.
func (c *Client) SetUnitID(id UnitID) {
	c.mu.Lock()
	c.unitID = id
	c.mu.Unlock()
}

// UnitID returns the current default unit ID.
func (c *Client) UnitID() UnitID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unitID
}

// Send sends a raw PDU with the default unit ID and returns the reply PDU.
// An exception reply is returned as a *ModbusError.
func (c *Client) Send(ctx context.Context, pdu []byte) ([]byte, error) {
	return c.SendWithUnit(ctx, c.UnitID(), pdu)
}

// SendWithUnit sends a raw PDU to a specific unit ID.
func (c *Client) SendWithUnit(ctx context.Context, unitID UnitID, pdu []byte) ([]byte, error) {
	if len(pdu) == 0 {
		return nil, errors.New("modbus: empty PDU")
	}
	if !c.transport.IsConnected() {
		return nil, ErrNotConnected
	}

	start := time.Now()
	c.metrics.RequestsTotal.Add(1)

	txID := c.txIDGen.Next()
	frame := Frame{
		Header: MBAPHeader{TransactionID: txID, ProtocolID: ProtocolID, UnitID: unitID},
		PDU:    pdu,
	}
	expectedFC := FunctionCode(pdu[0])

	resp, err := c.roundTrip(ctx, &frame)
	if err != nil {
		c.metrics.RequestsErrors.Add(1)
		if c.opts.onDisconnect != nil && !c.transport.IsConnected() {
			c.opts.onDisconnect(err)
		}
		return nil, err
	}

	if resp.Header.TransactionID != txID {
		c.metrics.RequestsErrors.Add(1)
		return nil, fmt.Errorf("%w: transaction ID mismatch (expected %d, got %d)",
			ErrInvalidResponse, txID, resp.Header.TransactionID)
	}
	if resp.Header.UnitID != unitID {
		c.metrics.RequestsErrors.Add(1)
		return nil, fmt.Errorf("%w: unit ID mismatch (expected %d, got %d)",
			ErrInvalidResponse, unitID, resp.Header.UnitID)
	}
	if IsExceptionResponse(resp.PDU) {
		c.metrics.RequestsErrors.Add(1)
		return nil, ParseExceptionResponse(resp.PDU)
	}
	if FunctionCode(resp.PDU[0]) != expectedFC {
		c.metrics.RequestsErrors.Add(1)
		return nil, fmt.Errorf("%w: function code mismatch (expected %02X, got %02X)",
			ErrInvalidResponse, byte(expectedFC), resp.PDU[0])
	}

	d := time.Since(start)
	c.metrics.RequestsSuccess.Add(1)
	c.metrics.Latency.Observe(d)
	c.logger.Debug("received response",
		slog.Uint64("tx_id", uint64(txID)),
		slog.String("func", expectedFC.String()),
		slog.Duration("duration", d))

	return resp.PDU, nil
}

func (c *Client) roundTrip(ctx context.Context, req *Frame) (*Frame, error) {
	data, err := c.transport.Send(ctx, req.Encode())
	if err != nil {
		return nil, err
	}
	var resp Frame
	if err := resp.Decode(data); err != nil {
		return nil, err
	}
	return &resp, nil
}

// buildPDU encodes a function code followed by big-endian 16-bit fields.
func buildPDU(fc FunctionCode, fields ...uint16) []byte {
	pdu := make([]byte, 1+2*len(fields))
	pdu[0] = byte(fc)
	for i, f := range fields {
		binary.BigEndian.PutUint16(pdu[1+2*i:], f)
	}
	return pdu
}

func checkQuantity(qty, max int) error {
	if qty < 1 || qty > max {
		return fmt.Errorf("%w: quantity must be 1-%d", ErrInvalidQuantity, max)
	}
	return nil
}

// byteCounted returns the data following the byte count of a read reply.
func byteCounted(pdu []byte, want int) ([]byte, error) {
	if len(pdu) < 2 {
		return nil, fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	n := int(pdu[1])
	if n != want || len(pdu) < 2+n {
		return nil, fmt.Errorf("%w: invalid byte count", ErrInvalidResponse)
	}
	return pdu[2 : 2+n], nil
}

func expectEcho(pdu []byte, want []byte) error {
	if len(pdu) < len(want) {
		return fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	for i := range want {
		if pdu[i] != want[i] {
			return fmt.Errorf("%w: echo mismatch at byte %d", ErrInvalidResponse, i)
		}
	}
	return nil
}

func (c *Client) readBits(ctx context.Context, fc FunctionCode, addr, qty uint16) ([]bool, error) {
	if err := checkQuantity(int(qty), MaxQuantityBits); err != nil {
		return nil, err
	}
	resp, err := c.Send(ctx, buildPDU(fc, addr, qty))
	if err != nil {
		return nil, err
	}
	data, err := byteCounted(resp, (int(qty)+7)/8)
	if err != nil {
		return nil, err
	}
	return UnpackBits(data, int(qty)), nil
}

func (c *Client) readWords(ctx context.Context, fc FunctionCode, addr, qty uint16) ([]uint16, error) {
	if err := checkQuantity(int(qty), MaxQuantityRegisters); err != nil {
		return nil, err
	}
	resp, err := c.Send(ctx, buildPDU(fc, addr, qty))
	if err != nil {
		return nil, err
	}
	data, err := byteCounted(resp, 2*int(qty))
	if err != nil {
		return nil, err
	}
	return decodeWords(data, int(qty)), nil
}

// ReadCoils reads coils from the server (FC01).
func (c *Client) ReadCoils(ctx context.Context, addr, qty uint16) ([]bool, error) {
	return c.readBits(ctx, FuncReadCoils, addr, qty)
}

// ReadDiscreteInputs reads discrete inputs from the server (FC02).
func (c *Client) ReadDiscreteInputs(ctx context.Context, addr, qty uint16) ([]bool, error) {
	return c.readBits(ctx, FuncReadDiscreteInputs, addr, qty)
}

// ReadHoldingRegisters reads holding registers from the server (FC03).
func (c *Client) ReadHoldingRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	return c.readWords(ctx, FuncReadHoldingRegisters, addr, qty)
}

// ReadInputRegisters reads input registers from the server (FC04).
func (c *Client) ReadInputRegisters(ctx context.Context, addr, qty uint16) ([]uint16, error) {
	return c.readWords(ctx, FuncReadInputRegisters, addr, qty)
}

// WriteSingleCoil writes a single coil (FC05).
func (c *Client) WriteSingleCoil(ctx context.Context, addr uint16, value bool) error {
	v := CoilOff
	if value {
		v = CoilOn
	}
	pdu := buildPDU(FuncWriteSingleCoil, addr, v)
	resp, err := c.Send(ctx, pdu)
	if err != nil {
		return err
	}
	return expectEcho(resp, pdu)
}

// WriteSingleRegister writes a single register (FC06).
func (c *Client) WriteSingleRegister(ctx context.Context, addr, value uint16) error {
	pdu := buildPDU(FuncWriteSingleRegister, addr, value)
	resp, err := c.Send(ctx, pdu)
	if err != nil {
		return err
	}
	return expectEcho(resp, pdu)
}

// ReadExceptionStatus reads the exception status (FC07).
func (c *Client) ReadExceptionStatus(ctx context.Context) (uint8, error) {
	resp, err := c.Send(ctx, buildPDU(FuncReadExceptionStatus))
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	return resp[1], nil
}

// Diagnostics performs a diagnostic operation (FC08) and returns the
// echoed data.
func (c *Client) Diagnostics(ctx context.Context, subFunc uint16, data []byte) ([]byte, error) {
	pdu := append(buildPDU(FuncDiagnostics, subFunc), data...)
	resp, err := c.Send(ctx, pdu)
	if err != nil {
		return nil, err
	}
	if err := expectEcho(resp, pdu[:3]); err != nil {
		return nil, err
	}
	return resp[3:], nil
}

// WriteMultipleCoils writes multiple coils (FC15).
func (c *Client) WriteMultipleCoils(ctx context.Context, addr uint16, values []bool) error {
	if err := checkQuantity(len(values), 1968); err != nil {
		return err
	}
	packed := PackBits(values)
	pdu := buildPDU(FuncWriteMultipleCoils, addr, uint16(len(values)))
	pdu = append(pdu, byte(len(packed)))
	pdu = append(pdu, packed...)
	resp, err := c.Send(ctx, pdu)
	if err != nil {
		return err
	}
	return expectEcho(resp, pdu[:5])
}

// WriteMultipleRegisters writes multiple registers (FC16).
func (c *Client) WriteMultipleRegisters(ctx context.Context, addr uint16, values []uint16) error {
	if err := checkQuantity(len(values), MaxQuantityWriteRegisters); err != nil {
		return err
	}
	pdu := buildPDU(FuncWriteMultipleRegisters, addr, uint16(len(values)))
	pdu = append(pdu, byte(2*len(values)))
	pdu = append(pdu, encodeWords(values)...)
	resp, err := c.Send(ctx, pdu)
	if err != nil {
		return err
	}
	return expectEcho(resp, pdu[:5])
}

// ReportServerID requests the server ID (FC17). The returned data includes
// the trailing run indicator byte.
func (c *Client) ReportServerID(ctx context.Context) ([]byte, error) {
	resp, err := c.Send(ctx, buildPDU(FuncReportServerID))
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("%w: response too short", ErrInvalidResponse)
	}
	data, err := byteCounted(resp, int(resp[1]))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// MaskWriteRegister applies an AND/OR mask to a holding register (FC22).
func (c *Client) MaskWriteRegister(ctx context.Context, addr, andMask, orMask uint16) error {
	pdu := buildPDU(FuncMaskWriteRegister, addr, andMask, orMask)
	resp, err := c.Send(ctx, pdu)
	if err != nil {
		return err
	}
	return expectEcho(resp, pdu)
}

// ReadWriteMultipleRegisters writes values at writeAddr, then reads readQty
// holding registers at readAddr (FC23).
func (c *Client) ReadWriteMultipleRegisters(ctx context.Context, readAddr, readQty, writeAddr uint16, values []uint16) ([]uint16, error) {
	if err := checkQuantity(int(readQty), MaxQuantityRegisters); err != nil {
		return nil, err
	}
	if err := checkQuantity(len(values), MaxQuantityReadWriteRegisters); err != nil {
		return nil, err
	}
	pdu := buildPDU(FuncReadWriteMultipleRegisters, readAddr, readQty, writeAddr, uint16(len(values)))
	pdu = append(pdu, byte(2*len(values)))
	pdu = append(pdu, encodeWords(values)...)
	resp, err := c.Send(ctx, pdu)
	if err != nil {
		return nil, err
	}
	data, err := byteCounted(resp, 2*int(readQty))
	if err != nil {
		return nil, err
	}
	return decodeWords(data, int(readQty)), nil
}

// ReadDeviceIdentification reads device identification objects (FC43,
// MEI type 0x0E) starting at objectID.
func (c *Client) ReadDeviceIdentification(ctx context.Context, readCode, objectID byte) (*DeviceIdentification, error) {
	resp, err := c.Send(ctx, []byte{byte(FuncEncapsulatedInterface), MEITypeReadDeviceID, readCode, objectID})
	if err != nil {
		return nil, err
	}
	if len(resp) < 7 || resp[1] != MEITypeReadDeviceID {
		return nil, fmt.Errorf("%w: malformed device identification", ErrInvalidResponse)
	}

	id := &DeviceIdentification{
		ReadCode:    resp[2],
		Conformity:  resp[3],
		MoreFollows: resp[4] != 0,
		NextObject:  resp[5],
		Objects:     make(map[byte]string, int(resp[6])),
	}
	rest := resp[7:]
	for i := 0; i < int(resp[6]); i++ {
		if len(rest) < 2 || len(rest) < 2+int(rest[1]) {
			return nil, fmt.Errorf("%w: truncated object %d", ErrInvalidResponse, i)
		}
		n := int(rest[1])
		id.Objects[rest[0]] = string(rest[2 : 2+n])
		rest = rest[2+n:]
	}
	return id, nil
}
