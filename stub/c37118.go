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

package stub

import (
	"encoding/binary"
	"time"
)

const (
	c37Sync        = 0xAA
	c37HeaderFrame = 0x11 // frame type 1 (header), version 1
	c37DefaultID   = 1
)

var c37HeaderText = []byte("ICSNPP PMU")

// CRCCCITT computes the CRC-CCITT (polynomial 0x1021, initial value 0xFFFF)
// used as the C37.118 frame check.
func CRCCCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// C37118 answers any request with a synchrophasor header frame. The
// IDCODE of a well-formed request is echoed.
type C37118 struct {
	// Now supplies the frame timestamp. Defaults to time.Now.
	Now func() time.Time
}

// Handle implements Handler.
func (c C37118) Handle(req []byte) []byte {
	id := uint16(c37DefaultID)
	if len(req) >= 6 && req[0] == c37Sync {
		id = binary.BigEndian.Uint16(req[4:6])
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return c37Frame(c37HeaderFrame, id, now(), c37HeaderText)
}

func c37Frame(frameType byte, id uint16, ts time.Time, data []byte) []byte {
	size := 14 + len(data) + 2
	out := make([]byte, 14, size)
	out[0] = c37Sync
	out[1] = frameType
	binary.BigEndian.PutUint16(out[2:4], uint16(size))
	binary.BigEndian.PutUint16(out[4:6], id)
	binary.BigEndian.PutUint32(out[6:10], uint32(ts.Unix()))
	// time quality 0, fraction of second in microseconds (TIME_BASE 1e6)
	binary.BigEndian.PutUint32(out[10:14], uint32(ts.Nanosecond()/1000)&0x00FFFFFF)
	out = append(out, data...)
	return binary.BigEndian.AppendUint16(out, CRCCCITT(out))
}

// SynchrophasorTCPProtocol returns the C37.118 listener on TCP.
func SynchrophasorTCPProtocol() Protocol {
	return Protocol{
		Name:       "synchrotcp",
		Network:    TCP,
		Port:       4712,
		ReadSize:   256,
		Limits:     defaultLimits(500),
		NewHandler: func() Handler { return C37118{} },
	}
}

// SynchrophasorUDPProtocol returns the C37.118 listener on UDP.
func SynchrophasorUDPProtocol() Protocol {
	return Protocol{
		Name:       "synchroudp",
		Network:    UDP,
		Port:       4713,
		ReadSize:   256,
		Limits:     defaultLimits(500),
		NewHandler: func() Handler { return C37118{} },
	}
}
