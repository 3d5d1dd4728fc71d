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
	"sync"
)

// RegisterStore holds the four fixed-size regions of the emulated device.
// One store is shared by every session. Access is serialized by a single
// RWMutex, so each bulk write is validated and applied as one unit.
type RegisterStore struct {
	mu             sync.RWMutex
	size           int
	coils          []bool
	discreteInputs []bool
	holdingRegs    []uint16
	inputRegs      []uint16
}

// NewRegisterStore creates a store with size elements per region and the
// deterministic seed values: coils false, discrete input i set when i%7 == 0,
// holding register i = i, input register i = 3i+1 (all mod 65536).
// A non-positive size selects DefaultRegisterSpace.
func NewRegisterStore(size int) *RegisterStore {
	if size <= 0 {
		size = DefaultRegisterSpace
	}
	s := &RegisterStore{
		size:           size,
		coils:          make([]bool, size),
		discreteInputs: make([]bool, size),
		holdingRegs:    make([]uint16, size),
		inputRegs:      make([]uint16, size),
	}
	for i := 0; i < size; i++ {
		s.discreteInputs[i] = i%7 == 0
		s.holdingRegs[i] = uint16(i % 65536)
		s.inputRegs[i] = uint16((3*i + 1) % 65536)
	}
	return s
}

// Size returns the number of elements in each region.
func (s *RegisterStore) Size() int {
	return s.size
}

func (s *RegisterStore) checkRange(addr, qty int) error {
	if addr < 0 || qty < 0 || addr+qty > s.size {
		return fmt.Errorf("%w: address %d quantity %d exceeds %d", ErrOutOfRange, addr, qty, s.size)
	}
	return nil
}

func (s *RegisterStore) bitRegion(r Region) ([]bool, error) {
	switch r {
	case Coils:
		return s.coils, nil
	case DiscreteInputs:
		return s.discreteInputs, nil
	default:
		return nil, fmt.Errorf("%w: %s is not a bit region", ErrRegionKind, r)
	}
}

func (s *RegisterStore) wordRegion(r Region) ([]uint16, error) {
	switch r {
	case HoldingRegisters:
		return s.holdingRegs, nil
	case InputRegisters:
		return s.inputRegs, nil
	default:
		return nil, fmt.Errorf("%w: %s is not a word region", ErrRegionKind, r)
	}
}

// ReadBits returns qty bits starting at addr, packed LSB-first and padded
// with zero bits to a byte boundary.
func (s *RegisterStore) ReadBits(r Region, addr, qty int) ([]byte, error) {
	values, err := s.Bits(r, addr, qty)
	if err != nil {
		return nil, err
	}
	return PackBits(values), nil
}

// Bits returns a copy of qty bits starting at addr.
func (s *RegisterStore) Bits(r Region, addr, qty int) ([]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	region, err := s.bitRegion(r)
	if err != nil {
		return nil, err
	}
	if err := s.checkRange(addr, qty); err != nil {
		return nil, err
	}
	out := make([]bool, qty)
	copy(out, region[addr:addr+qty])
	return out, nil
}

// ReadWords returns qty registers starting at addr as concatenated
// big-endian 16-bit values.
func (s *RegisterStore) ReadWords(r Region, addr, qty int) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	region, err := s.wordRegion(r)
	if err != nil {
		return nil, err
	}
	if err := s.checkRange(addr, qty); err != nil {
		return nil, err
	}
	return encodeWords(region[addr : addr+qty]), nil
}

// Words returns a copy of qty registers starting at addr.
func (s *RegisterStore) Words(r Region, addr, qty int) ([]uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	region, err := s.wordRegion(r)
	if err != nil {
		return nil, err
	}
	if err := s.checkRange(addr, qty); err != nil {
		return nil, err
	}
	out := make([]uint16, qty)
	copy(out, region[addr:addr+qty])
	return out, nil
}

// WriteBit sets a single bit.
func (s *RegisterStore) WriteBit(r Region, addr int, value bool) error {
	return s.WriteBits(r, addr, []bool{value})
}

// WriteWord sets a single register.
func (s *RegisterStore) WriteWord(r Region, addr int, value uint16) error {
	return s.WriteWords(r, addr, []uint16{value})
}

// WriteBits writes a contiguous run of bits. The whole run is validated
// before any element is written.
func (s *RegisterStore) WriteBits(r Region, addr int, values []bool) error {
	if !r.Writable() {
		return fmt.Errorf("%w: %s", ErrReadOnlyRegion, r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	region, err := s.bitRegion(r)
	if err != nil {
		return err
	}
	if err := s.checkRange(addr, len(values)); err != nil {
		return err
	}
	copy(region[addr:], values)
	return nil
}

// WriteWords writes a contiguous run of registers. The whole run is
// validated before any element is written.
func (s *RegisterStore) WriteWords(r Region, addr int, values []uint16) error {
	if !r.Writable() {
		return fmt.Errorf("%w: %s", ErrReadOnlyRegion, r)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	region, err := s.wordRegion(r)
	if err != nil {
		return err
	}
	if err := s.checkRange(addr, len(values)); err != nil {
		return err
	}
	copy(region[addr:], values)
	return nil
}

// MaskWrite applies (current & andMask) | (orMask & ^andMask) to a holding
// register and returns the new value.
func (s *RegisterStore) MaskWrite(addr int, andMask, orMask uint16) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRange(addr, 1); err != nil {
		return 0, err
	}
	current := s.holdingRegs[addr]
	next := (current & andMask) | (orMask &^ andMask)
	s.holdingRegs[addr] = next
	return next, nil
}

// ReadWriteWords writes values to the holding registers at writeAddr and
// then reads readQty holding registers at readAddr, both under one lock.
// Both ranges are validated before anything is written.
func (s *RegisterStore) ReadWriteWords(writeAddr int, values []uint16, readAddr, readQty int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkRange(writeAddr, len(values)); err != nil {
		return nil, err
	}
	if err := s.checkRange(readAddr, readQty); err != nil {
		return nil, err
	}
	copy(s.holdingRegs[writeAddr:], values)
	return encodeWords(s.holdingRegs[readAddr : readAddr+readQty]), nil
}

func encodeWords(values []uint16) []byte {
	out := make([]byte, 2*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(out[2*i:], v)
	}
	return out
}
