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

// Package modbus implements the register-store device emulated over Modbus TCP:
// a shared register map, the MBAP frame codec, the function-code dispatcher,
// the per-connection session loop and a small client used to probe it.
package modbus

import (
	"fmt"
	"time"
)

// UnitID represents the Modbus unit identifier.
type UnitID uint8

// FunctionCode represents a Modbus function code.
type FunctionCode uint8

// Function codes served by the emulator.
const (
	FuncReadCoils                  FunctionCode = 0x01
	FuncReadDiscreteInputs         FunctionCode = 0x02
	FuncReadHoldingRegisters       FunctionCode = 0x03
	FuncReadInputRegisters         FunctionCode = 0x04
	FuncWriteSingleCoil            FunctionCode = 0x05
	FuncWriteSingleRegister        FunctionCode = 0x06
	FuncReadExceptionStatus        FunctionCode = 0x07
	FuncDiagnostics                FunctionCode = 0x08
	FuncWriteMultipleCoils         FunctionCode = 0x0F
	FuncWriteMultipleRegisters     FunctionCode = 0x10
	FuncReportServerID             FunctionCode = 0x11
	FuncReadFileRecord             FunctionCode = 0x14
	FuncWriteFileRecord            FunctionCode = 0x15
	FuncMaskWriteRegister          FunctionCode = 0x16
	FuncReadWriteMultipleRegisters FunctionCode = 0x17
	FuncReadFIFOQueue              FunctionCode = 0x18
	FuncEncapsulatedInterface      FunctionCode = 0x2B
)

// MEITypeReadDeviceID is the only encapsulated interface type served (FC43).
const MEITypeReadDeviceID = 0x0E

// Protocol constants.
const (
	// DefaultRegisterSpace is the length of each register region.
	DefaultRegisterSpace = 20000

	// MaxQuantityBits is the maximum number of coils or discrete inputs per read.
	MaxQuantityBits = 2000

	// MaxQuantityRegisters is the maximum number of registers per read.
	MaxQuantityRegisters = 125

	// MaxQuantityWriteRegisters is the default write-multiple-registers bound.
	MaxQuantityWriteRegisters = 123

	// MaxQuantityReadWriteRegisters is the maximum write quantity for FC23.
	MaxQuantityReadWriteRegisters = 121

	// MBAPHeaderSize is the size of the MBAP header in bytes.
	MBAPHeaderSize = 7

	// ProtocolID is the Modbus protocol identifier (always 0 for Modbus TCP).
	ProtocolID = 0

	// MinBodyLength and MaxBodyLength bound the header length field
	// (unit id plus PDU) of an accepted request.
	MinBodyLength = 2
	MaxBodyLength = 253

	// DefaultPort is the default Modbus TCP port.
	DefaultPort = 502

	// DefaultTimeout is the default client timeout.
	DefaultTimeout = 5 * time.Second
)

// Coil values for write operations.
const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Region selects one of the four register regions.
type Region uint8

const (
	Coils Region = iota
	DiscreteInputs
	HoldingRegisters
	InputRegisters
)

// String returns the string representation of the region.
func (r Region) String() string {
	switch r {
	case Coils:
		return "coils"
	case DiscreteInputs:
		return "discrete inputs"
	case HoldingRegisters:
		return "holding registers"
	case InputRegisters:
		return "input registers"
	default:
		return "unknown"
	}
}

// Writable reports whether the protocol may write the region.
func (r Region) Writable() bool {
	return r == Coils || r == HoldingRegisters
}

// String returns a string representation of FunctionCode.
func (fc FunctionCode) String() string {
	switch fc {
	case FuncReadCoils:
		return "ReadCoils"
	case FuncReadDiscreteInputs:
		return "ReadDiscreteInputs"
	case FuncReadHoldingRegisters:
		return "ReadHoldingRegisters"
	case FuncReadInputRegisters:
		return "ReadInputRegisters"
	case FuncWriteSingleCoil:
		return "WriteSingleCoil"
	case FuncWriteSingleRegister:
		return "WriteSingleRegister"
	case FuncReadExceptionStatus:
		return "ReadExceptionStatus"
	case FuncDiagnostics:
		return "Diagnostics"
	case FuncWriteMultipleCoils:
		return "WriteMultipleCoils"
	case FuncWriteMultipleRegisters:
		return "WriteMultipleRegisters"
	case FuncReportServerID:
		return "ReportServerID"
	case FuncReadFileRecord:
		return "ReadFileRecord"
	case FuncWriteFileRecord:
		return "WriteFileRecord"
	case FuncMaskWriteRegister:
		return "MaskWriteRegister"
	case FuncReadWriteMultipleRegisters:
		return "ReadWriteMultipleRegisters"
	case FuncReadFIFOQueue:
		return "ReadFIFOQueue"
	case FuncEncapsulatedInterface:
		return "EncapsulatedInterface"
	default:
		return fmt.Sprintf("Unknown(0x%02X)", uint8(fc))
	}
}

// SessionState is the position of a connection session in its loop.
type SessionState int

const (
	StateAwaitingHeader SessionState = iota
	StateAwaitingBody
	StateDispatching
	StateReplying
	StateClosed
)

// String returns the string representation of the session state.
func (s SessionState) String() string {
	switch s {
	case StateAwaitingHeader:
		return "awaiting header"
	case StateAwaitingBody:
		return "awaiting body"
	case StateDispatching:
		return "dispatching"
	case StateReplying:
		return "replying"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
