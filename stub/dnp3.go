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

import "encoding/binary"

// DNP3 link layer constants.
const (
	dnp3Start0 = 0x05
	dnp3Start1 = 0x64

	dnp3HeaderLen = 10 // start, length, control, dest, src, crc
	dnp3BlockLen  = 16

	dnp3CtrlAck         = 0x00 // secondary, ACK
	dnp3CtrlUnconfirmed = 0x44 // primary, unconfirmed user data

	dnp3TransportFirFin = 0xC0
	dnp3AppFirFin       = 0xC0
	dnp3FuncResponse    = 0x81

	dnp3FuncRead          = 0x01
	dnp3FuncSelect        = 0x03
	dnp3FuncOperate       = 0x04
	dnp3FuncDirectOperate = 0x05

	// Addresses used when the request carries none.
	dnp3DefaultMaster     = 1
	dnp3DefaultOutstation = 1024
)

var dnp3CRCTable = func() [256]uint16 {
	var table [256]uint16
	for i := range table {
		crc := uint16(i)
		for j := 0; j < 8; j++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA6BC
			} else {
				crc >>= 1
			}
		}
		table[i] = crc
	}
	return table
}()

// DNP3CRC computes the DNP3 link-layer CRC of data.
func DNP3CRC(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc>>8 ^ dnp3CRCTable[byte(crc)^b]
	}
	return ^crc
}

// dnp3Frame builds a link frame carrying userData, with a CRC after the
// header and after every 16-byte data block.
func dnp3Frame(control byte, dest, src uint16, userData []byte) []byte {
	header := []byte{dnp3Start0, dnp3Start1, byte(5 + len(userData)), control, 0, 0, 0, 0}
	binary.LittleEndian.PutUint16(header[4:6], dest)
	binary.LittleEndian.PutUint16(header[6:8], src)

	out := make([]byte, 0, dnp3HeaderLen+len(userData)+2*(len(userData)/dnp3BlockLen+1))
	out = appendDNP3Block(out, header)
	for len(userData) > 0 {
		n := len(userData)
		if n > dnp3BlockLen {
			n = dnp3BlockLen
		}
		out = appendDNP3Block(out, userData[:n])
		userData = userData[n:]
	}
	return out
}

func appendDNP3Block(out, block []byte) []byte {
	out = append(out, block...)
	return binary.LittleEndian.AppendUint16(out, DNP3CRC(block))
}

// DNP3 answers master requests as an outstation: READ gets binary and
// analog inputs, control functions get a CROB status, other functions get a
// null response, and anything that is not a full request gets a link ACK.
type DNP3 struct{}

// Handle implements Handler.
func (DNP3) Handle(req []byte) []byte {
	if len(req) < 8 || req[0] != dnp3Start0 || req[1] != dnp3Start1 {
		return dnp3Frame(dnp3CtrlAck, dnp3DefaultMaster, dnp3DefaultOutstation, nil)
	}
	dest := binary.LittleEndian.Uint16(req[4:6])
	src := binary.LittleEndian.Uint16(req[6:8])

	// transport byte at 10, application control at 11, function at 12
	if len(req) < 13 {
		return dnp3Frame(dnp3CtrlAck, src, dest, nil)
	}
	seq := req[11] & 0x0F

	app := []byte{dnp3TransportFirFin, dnp3AppFirFin | seq, dnp3FuncResponse, 0x00, 0x00}
	switch req[12] {
	case dnp3FuncRead:
		app = append(app, dnp3ReadObjects()...)
	case dnp3FuncSelect, dnp3FuncOperate, dnp3FuncDirectOperate:
		app = append(app, dnp3CROBStatus()...)
	}
	return dnp3Frame(dnp3CtrlUnconfirmed, src, dest, app)
}

// dnp3ReadObjects returns g1v2 points 0-7 followed by g30v1 points 0-3.
func dnp3ReadObjects() []byte {
	objs := []byte{0x01, 0x02, 0x00, 0x00, 0x07}
	for i := 0; i < 8; i++ {
		flags := byte(0x01) // online
		if i%2 == 0 {
			flags |= 0x80 // state
		}
		objs = append(objs, flags)
	}

	objs = append(objs, 0x1E, 0x01, 0x00, 0x00, 0x03)
	for i := 1; i <= 4; i++ {
		objs = append(objs, 0x01)
		objs = binary.LittleEndian.AppendUint32(objs, uint32(100*i))
	}
	return objs
}

// dnp3CROBStatus returns a g12v1 object at index 0 with a success status.
func dnp3CROBStatus() []byte {
	objs := []byte{0x0C, 0x01, 0x17, 0x01, 0x00}
	objs = append(objs, 0x41, 0x01) // latch on, count 1
	objs = binary.LittleEndian.AppendUint32(objs, 100)
	objs = binary.LittleEndian.AppendUint32(objs, 100)
	return append(objs, 0x00)
}

// DNP3Protocol returns the DNP3 outstation listener.
func DNP3Protocol() Protocol {
	return Protocol{
		Name:     "dnp3",
		Network:  TCP,
		Port:     20000,
		ReadSize: 1024,
		Limits:   defaultLimits(500),
		NewHandler: func() Handler {
			return DNP3{}
		},
	}
}
