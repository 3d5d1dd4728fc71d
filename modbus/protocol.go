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
	"encoding/binary"
	"fmt"
	"sync/atomic"
)

// MBAPHeader represents the Modbus Application Protocol header for TCP.
type MBAPHeader struct {
	TransactionID uint16 // Transaction identifier
	ProtocolID    uint16 // Protocol identifier (always 0 for Modbus)
	Length        uint16 // Number of following bytes (Unit ID + PDU)
	UnitID        UnitID // Unit identifier
}

// DecodeHeader splits the fixed 7-byte header into its fields. It never
// fails; Valid reports whether the fields describe an acceptable request.
func DecodeHeader(b [MBAPHeaderSize]byte) MBAPHeader {
	return MBAPHeader{
		TransactionID: binary.BigEndian.Uint16(b[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(b[2:4]),
		Length:        binary.BigEndian.Uint16(b[4:6]),
		UnitID:        UnitID(b[6]),
	}
}

// Valid reports whether the header carries the Modbus protocol identifier
// and a length field within [MinBodyLength, MaxBodyLength].
func (h MBAPHeader) Valid() bool {
	return h.ProtocolID == ProtocolID && h.LengthInRange()
}

// LengthInRange reports whether the length field is within bounds,
// regardless of the protocol identifier.
func (h MBAPHeader) LengthInRange() bool {
	return h.Length >= MinBodyLength && h.Length <= MaxBodyLength
}

// PDULength returns the number of PDU bytes that follow the header.
func (h MBAPHeader) PDULength() int {
	return int(h.Length) - 1
}

// Encode encodes the MBAP header to bytes.
func (h *MBAPHeader) Encode() []byte {
	buf := make([]byte, MBAPHeaderSize)
	binary.BigEndian.PutUint16(buf[0:2], h.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], h.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], h.Length)
	buf[6] = byte(h.UnitID)
	return buf
}

// Decode decodes the MBAP header from bytes.
func (h *MBAPHeader) Decode(data []byte) error {
	if len(data) < MBAPHeaderSize {
		return fmt.Errorf("%w: MBAP header too short", ErrInvalidFrame)
	}
	var b [MBAPHeaderSize]byte
	copy(b[:], data)
	*h = DecodeHeader(b)
	return nil
}

// DecodeBody splits a PDU into its function code and payload.
// The PDU must not be empty.
func DecodeBody(pdu []byte) (FunctionCode, []byte) {
	return FunctionCode(pdu[0]), pdu[1:]
}

// EncodeSuccess prefixes the function code to the reply payload.
func EncodeSuccess(fc FunctionCode, payload []byte) []byte {
	body := make([]byte, 1+len(payload))
	body[0] = byte(fc)
	copy(body[1:], payload)
	return body
}

// EncodeException builds the two-byte exception body.
func EncodeException(fc FunctionCode, ec ExceptionCode) []byte {
	return []byte{byte(fc) | 0x80, byte(ec)}
}

// EncodeReply rebuilds the MBAP header around body, echoing the
// transaction and unit identifiers.
func EncodeReply(txID uint16, unitID UnitID, body []byte) []byte {
	f := Frame{
		Header: MBAPHeader{
			TransactionID: txID,
			ProtocolID:    ProtocolID,
			UnitID:        unitID,
		},
		PDU: body,
	}
	return f.Encode()
}

// TransactionIDGenerator generates unique transaction IDs.
type TransactionIDGenerator struct {
	counter uint32
}

// Next returns the next transaction ID.
func (g *TransactionIDGenerator) Next() uint16 {
	return uint16(atomic.AddUint32(&g.counter, 1))
}

// Frame represents a complete Modbus TCP frame (MBAP header + PDU).
type Frame struct {
	Header MBAPHeader
	PDU    []byte
}

// Encode encodes the frame to bytes.
func (f *Frame) Encode() []byte {
	f.Header.Length = uint16(len(f.PDU) + 1) // PDU length + Unit ID
	buf := make([]byte, MBAPHeaderSize+len(f.PDU))
	copy(buf, f.Header.Encode())
	copy(buf[MBAPHeaderSize:], f.PDU)
	return buf
}

// Decode decodes a frame from bytes.
func (f *Frame) Decode(data []byte) error {
	if err := f.Header.Decode(data); err != nil {
		return err
	}
	pduLen := f.Header.PDULength()
	if pduLen < 0 {
		return fmt.Errorf("%w: invalid length field", ErrInvalidFrame)
	}
	if len(data) < MBAPHeaderSize+pduLen {
		return fmt.Errorf("%w: incomplete frame", ErrInvalidFrame)
	}
	f.PDU = make([]byte, pduLen)
	copy(f.PDU, data[MBAPHeaderSize:MBAPHeaderSize+pduLen])
	return nil
}

// PackBits packs values LSB-first into bytes, padding the last byte with zeros.
func PackBits(values []bool) []byte {
	out := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		if v {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

// UnpackBits expands the first qty bits of data, LSB-first.
func UnpackBits(data []byte, qty int) []bool {
	out := make([]bool, qty)
	for i := 0; i < qty && i/8 < len(data); i++ {
		out[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return out
}

// IsExceptionResponse checks if the PDU is an exception response.
func IsExceptionResponse(pdu []byte) bool {
	return len(pdu) >= 2 && pdu[0]&0x80 != 0
}

// ParseExceptionResponse parses an exception response.
func ParseExceptionResponse(pdu []byte) *ModbusError {
	if len(pdu) < 2 {
		return nil
	}
	return NewModbusError(FunctionCode(pdu[0]&0x7F), ExceptionCode(pdu[1]))
}
