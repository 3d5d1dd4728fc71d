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

const (
	tpktVersion = 0x03

	cotpCR = 0xE0
	cotpCC = 0xD0
	cotpDT = 0xF0

	cotpParamTPDUSize = 0xC0
	cotpParamSrcTSAP  = 0xC1
	cotpParamDstTSAP  = 0xC2

	s7ProtocolID         = 0x32
	s7AckData            = 0x03
	s7SetupCommunication = 0xF0
	s7PDUSize            = 480
)

// S7 is the per-connection S7comm state. The first frame of a connection is
// answered with a COTP connection confirm, everything after it with an S7
// Ack_Data.
type S7 struct {
	connected bool
}

// Handle implements Handler.
func (s *S7) Handle(req []byte) []byte {
	if !s.connected {
		s.connected = true
		return cotpConnectionConfirm(req)
	}
	return s7AckDataReply(req)
}

func tpkt(payload []byte) []byte {
	out := make([]byte, 4, 4+len(payload))
	out[0] = tpktVersion
	binary.BigEndian.PutUint16(out[2:4], uint16(4+len(payload)))
	return append(out, payload...)
}

// cotpConnectionConfirm answers a connection request, echoing its source
// reference as our destination reference and its TSAP parameters.
func cotpConnectionConfirm(req []byte) []byte {
	cc := []byte{0, cotpCC, 0x00, 0x00, 0x00, 0x01, 0x00, cotpParamTPDUSize, 0x01, 0x0A}

	if len(req) >= 11 && req[0] == tpktVersion && req[5] == cotpCR {
		copy(cc[2:4], req[8:10])
		end := 5 + int(req[4])
		if end > len(req) {
			end = len(req)
		}
		for p := 11; p+2 <= end; {
			code, n := req[p], int(req[p+1])
			if p+2+n > end {
				break
			}
			if code == cotpParamSrcTSAP || code == cotpParamDstTSAP {
				cc = append(cc, req[p:p+2+n]...)
			}
			p += 2 + n
		}
	}
	cc[0] = byte(len(cc) - 1)
	return tpkt(cc)
}

// s7AckDataReply acknowledges an S7 job. The PDU reference and function are
// echoed from the request when it carries an S7 header.
func s7AckDataReply(req []byte) []byte {
	var pduRef []byte
	params := []byte{0x00, 0x00}

	if len(req) >= 18 && req[0] == tpktVersion && req[7] == s7ProtocolID {
		pduRef = req[11:13]
		fn := req[17]
		if fn == s7SetupCommunication {
			params = []byte{s7SetupCommunication, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00}
			binary.BigEndian.PutUint16(params[6:8], s7PDUSize)
		} else {
			params[0] = fn
		}
	}

	out := []byte{0x02, cotpDT, 0x80, s7ProtocolID, s7AckData, 0x00, 0x00, 0x00, 0x00}
	if pduRef != nil {
		copy(out[7:9], pduRef)
	}
	out = binary.BigEndian.AppendUint16(out, uint16(len(params)))
	out = binary.BigEndian.AppendUint16(out, 0) // data length
	out = append(out, 0x00, 0x00)              // error class, error code
	return tpkt(append(out, params...))
}

// S7Protocol returns the ISO-on-TCP S7comm listener.
func S7Protocol() Protocol {
	return Protocol{
		Name:       "s7",
		Network:    TCP,
		Port:       102,
		ReadSize:   512,
		Limits:     defaultLimits(500),
		NewHandler: func() Handler { return &S7{} },
	}
}
