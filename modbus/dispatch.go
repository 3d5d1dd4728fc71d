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

import "encoding/binary"

// noException marks a handler result that should be encoded as a success.
const noException ExceptionCode = 0

// handlerFunc serves one function code. payload is the PDU without the
// function code byte, already checked against the operation's minimum length.
type handlerFunc func(payload []byte) ([]byte, ExceptionCode)

type operation struct {
	minPayload int
	shortCode  ExceptionCode
	handle     handlerFunc
}

// DeviceIdentity holds the strings reported by FC17 and FC43.
type DeviceIdentity struct {
	VendorName  string
	ProductCode string
	Revision    string
	ServerID    string
}

// DefaultDeviceIdentity returns the identity reported when none is configured.
func DefaultDeviceIdentity() DeviceIdentity {
	return DeviceIdentity{
		VendorName:  "Edgeo SCADA",
		ProductCode: "ICSNPP-MB",
		Revision:    "1.0",
		ServerID:    "ICSNPP Trainer",
	}
}

// Fixed replies for the function codes the emulator only acknowledges.
var (
	fileRecordReply = []byte{0x06, 0x05, 0x06, 0x00, 0x01, 0x00, 0x02}
	fifoQueueValues = []uint16{0x01B8, 0x1284}
)

// DispatchOption configures a Dispatcher.
type DispatchOption func(*Dispatcher)

// WithWriteRegisterLimit bounds the quantity accepted by write multiple
// registers. Zero removes the bound; the body length still caps it at 123.
func WithWriteRegisterLimit(n int) DispatchOption {
	return func(d *Dispatcher) {
		d.writeRegisterLimit = n
	}
}

// WithDeviceIdentity sets the identity strings reported by FC17 and FC43.
func WithDeviceIdentity(id DeviceIdentity) DispatchOption {
	return func(d *Dispatcher) {
		d.identity = id
	}
}

// WithServerID overrides only the FC17 server identifier.
func WithServerID(id string) DispatchOption {
	return func(d *Dispatcher) {
		d.identity.ServerID = id
	}
}

// Dispatcher maps a function code and payload to a reply body over a
// RegisterStore. It never fails: every request yields either a success
// body or a two-byte exception body.
type Dispatcher struct {
	store              *RegisterStore
	writeRegisterLimit int
	identity           DeviceIdentity
	ops                map[FunctionCode]operation
}

// NewDispatcher creates a dispatcher over store.
func NewDispatcher(store *RegisterStore, opts ...DispatchOption) *Dispatcher {
	d := &Dispatcher{
		store:              store,
		writeRegisterLimit: MaxQuantityWriteRegisters,
		identity:           DefaultDeviceIdentity(),
	}
	for _, opt := range opts {
		opt(d)
	}

	d.ops = make(map[FunctionCode]operation)

	// Bit access
	d.add(FuncReadCoils, 4, d.readBits(Coils))
	d.add(FuncReadDiscreteInputs, 4, d.readBits(DiscreteInputs))
	d.add(FuncWriteSingleCoil, 4, d.writeSingleCoil)
	d.add(FuncWriteMultipleCoils, 5, d.writeMultipleCoils)

	// Register access
	d.add(FuncReadHoldingRegisters, 4, d.readWords(HoldingRegisters))
	d.add(FuncReadInputRegisters, 4, d.readWords(InputRegisters))
	d.add(FuncWriteSingleRegister, 4, d.writeSingleRegister)
	d.add(FuncWriteMultipleRegisters, 5, d.writeMultipleRegisters)
	d.add(FuncReadWriteMultipleRegisters, 9, d.readWriteMultipleRegisters)
	d.add(FuncReadFIFOQueue, 2, d.readFIFOQueue)
	d.ops[FuncMaskWriteRegister] = operation{
		minPayload: 6,
		shortCode:  ExceptionIllegalDataAddress,
		handle:     d.maskWriteRegister,
	}

	// Diagnostics and identification
	d.add(FuncReadExceptionStatus, 0, d.readExceptionStatus)
	d.add(FuncDiagnostics, 4, echo)
	d.add(FuncReportServerID, 0, d.reportServerID)
	d.add(FuncEncapsulatedInterface, 3, d.readDeviceIdentification)

	// File records
	d.add(FuncReadFileRecord, 1, d.readFileRecord)
	d.add(FuncWriteFileRecord, 9, echo)

	return d
}

func (d *Dispatcher) add(fc FunctionCode, minPayload int, h handlerFunc) {
	d.ops[fc] = operation{
		minPayload: minPayload,
		shortCode:  ExceptionIllegalDataValue,
		handle:     h,
	}
}

// Store returns the register store the dispatcher operates on.
func (d *Dispatcher) Store() *RegisterStore {
	return d.store
}

// Supported reports whether fc has a handler.
func (d *Dispatcher) Supported(fc FunctionCode) bool {
	_, ok := d.ops[fc]
	return ok
}

// Dispatch serves one request. The returned body starts with the function
// code, with the high bit set on exceptions.
func (d *Dispatcher) Dispatch(fc FunctionCode, payload []byte) []byte {
	op, ok := d.ops[fc]
	if !ok {
		return EncodeException(fc, ExceptionIllegalFunction)
	}
	if len(payload) < op.minPayload {
		return EncodeException(fc, op.shortCode)
	}
	reply, ec := op.handle(payload)
	if ec != noException {
		return EncodeException(fc, ec)
	}
	return EncodeSuccess(fc, reply)
}

// DispatchPDU serves a full PDU (function code followed by payload).
func (d *Dispatcher) DispatchPDU(pdu []byte) []byte {
	if len(pdu) == 0 {
		return EncodeException(0, ExceptionIllegalFunction)
	}
	fc, payload := DecodeBody(pdu)
	return d.Dispatch(fc, payload)
}

func u16(b []byte, off int) int {
	return int(binary.BigEndian.Uint16(b[off:]))
}

func echo(p []byte) ([]byte, ExceptionCode) {
	out := make([]byte, len(p))
	copy(out, p)
	return out, noException
}

func (d *Dispatcher) readBits(r Region) handlerFunc {
	return func(p []byte) ([]byte, ExceptionCode) {
		addr, qty := u16(p, 0), u16(p, 2)
		if qty < 1 || qty > MaxQuantityBits {
			return nil, ExceptionIllegalDataValue
		}
		data, err := d.store.ReadBits(r, addr, qty)
		if err != nil {
			return nil, ExceptionIllegalDataValue
		}
		return append([]byte{byte(len(data))}, data...), noException
	}
}

func (d *Dispatcher) readWords(r Region) handlerFunc {
	return func(p []byte) ([]byte, ExceptionCode) {
		addr, qty := u16(p, 0), u16(p, 2)
		if qty < 1 || qty > MaxQuantityRegisters {
			return nil, ExceptionIllegalDataValue
		}
		data, err := d.store.ReadWords(r, addr, qty)
		if err != nil {
			return nil, ExceptionIllegalDataValue
		}
		return append([]byte{byte(len(data))}, data...), noException
	}
}

func (d *Dispatcher) writeSingleCoil(p []byte) ([]byte, ExceptionCode) {
	addr, value := u16(p, 0), uint16(u16(p, 2))
	if value != CoilOn && value != CoilOff {
		return nil, ExceptionIllegalDataValue
	}
	if err := d.store.WriteBit(Coils, addr, value == CoilOn); err != nil {
		return nil, ExceptionIllegalDataValue
	}
	return echo(p[:4])
}

func (d *Dispatcher) writeSingleRegister(p []byte) ([]byte, ExceptionCode) {
	addr, value := u16(p, 0), uint16(u16(p, 2))
	if err := d.store.WriteWord(HoldingRegisters, addr, value); err != nil {
		return nil, ExceptionIllegalDataValue
	}
	return echo(p[:4])
}

func (d *Dispatcher) writeMultipleCoils(p []byte) ([]byte, ExceptionCode) {
	addr, qty, byteCount := u16(p, 0), u16(p, 2), int(p[4])
	if qty < 1 || byteCount != (qty+7)/8 || len(p) != 5+byteCount {
		return nil, ExceptionIllegalDataValue
	}
	if err := d.store.WriteBits(Coils, addr, UnpackBits(p[5:], qty)); err != nil {
		return nil, ExceptionIllegalDataValue
	}
	return echo(p[:4])
}

func (d *Dispatcher) writeMultipleRegisters(p []byte) ([]byte, ExceptionCode) {
	addr, qty, byteCount := u16(p, 0), u16(p, 2), int(p[4])
	if qty < 1 || (d.writeRegisterLimit > 0 && qty > d.writeRegisterLimit) {
		return nil, ExceptionIllegalDataValue
	}
	if byteCount != 2*qty || len(p) != 5+byteCount {
		return nil, ExceptionIllegalDataValue
	}
	if err := d.store.WriteWords(HoldingRegisters, addr, decodeWords(p[5:], qty)); err != nil {
		return nil, ExceptionIllegalDataValue
	}
	return echo(p[:4])
}

func (d *Dispatcher) maskWriteRegister(p []byte) ([]byte, ExceptionCode) {
	addr := u16(p, 0)
	andMask, orMask := uint16(u16(p, 2)), uint16(u16(p, 4))
	if _, err := d.store.MaskWrite(addr, andMask, orMask); err != nil {
		return nil, ExceptionIllegalDataAddress
	}
	return echo(p[:6])
}

func (d *Dispatcher) readWriteMultipleRegisters(p []byte) ([]byte, ExceptionCode) {
	readAddr, readQty := u16(p, 0), u16(p, 2)
	writeAddr, writeQty := u16(p, 4), u16(p, 6)
	byteCount := int(p[8])

	if readQty < 1 || readQty > MaxQuantityRegisters {
		return nil, ExceptionIllegalDataValue
	}
	if writeQty < 1 || writeQty > MaxQuantityReadWriteRegisters {
		return nil, ExceptionIllegalDataValue
	}
	if byteCount != 2*writeQty || len(p) != 9+byteCount {
		return nil, ExceptionIllegalDataValue
	}

	data, err := d.store.ReadWriteWords(writeAddr, decodeWords(p[9:], writeQty), readAddr, readQty)
	if err != nil {
		return nil, ExceptionIllegalDataValue
	}
	return append([]byte{byte(len(data))}, data...), noException
}

func (d *Dispatcher) readFIFOQueue(p []byte) ([]byte, ExceptionCode) {
	if u16(p, 0) >= d.store.Size() {
		return nil, ExceptionIllegalDataValue
	}
	n := len(fifoQueueValues)
	out := make([]byte, 4+2*n)
	binary.BigEndian.PutUint16(out[0:2], uint16(2+2*n))
	binary.BigEndian.PutUint16(out[2:4], uint16(n))
	copy(out[4:], encodeWords(fifoQueueValues))
	return out, noException
}

func (d *Dispatcher) readExceptionStatus(p []byte) ([]byte, ExceptionCode) {
	return []byte{0x00}, noException
}

func (d *Dispatcher) reportServerID(p []byte) ([]byte, ExceptionCode) {
	id := []byte(d.identity.ServerID)
	out := make([]byte, 0, len(id)+2)
	out = append(out, byte(len(id)+1))
	out = append(out, id...)
	out = append(out, 0xFF) // run indicator: on
	return out, noException
}

func (d *Dispatcher) readFileRecord(p []byte) ([]byte, ExceptionCode) {
	out := make([]byte, len(fileRecordReply))
	copy(out, fileRecordReply)
	return out, noException
}

func (d *Dispatcher) readDeviceIdentification(p []byte) ([]byte, ExceptionCode) {
	if p[0] != MEITypeReadDeviceID {
		return nil, ExceptionIllegalFunction
	}
	objects := []string{d.identity.VendorName, d.identity.ProductCode, d.identity.Revision}

	out := []byte{
		MEITypeReadDeviceID,
		p[1], // read device id code
		0x01, // conformity level: basic, stream access
		0x00, // more follows
		0x00, // next object id
		byte(len(objects)),
	}
	for i, obj := range objects {
		out = append(out, byte(i), byte(len(obj)))
		out = append(out, obj...)
	}
	return out, noException
}

func decodeWords(data []byte, qty int) []uint16 {
	out := make([]uint16, qty)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out
}
