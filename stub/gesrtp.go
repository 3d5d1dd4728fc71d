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

const (
	srtpHeaderLen = 56

	srtpInitRequest = 0x00
	srtpInitReply   = 0x01
	srtpRequest     = 0x02
	srtpReply       = 0x03
)

// GESRTP echoes a 56-byte SRTP header back with its message type turned
// into the matching reply. Shorter frames get the first four bytes echoed
// with an OK status.
func GESRTP(req []byte) []byte {
	if len(req) >= srtpHeaderLen {
		reply := append([]byte(nil), req[:srtpHeaderLen]...)
		switch reply[0] {
		case srtpInitRequest:
			reply[0] = srtpInitReply
		case srtpRequest:
			reply[0] = srtpReply
		}
		return reply
	}
	if len(req) < 4 {
		return []byte("SRTP\x00\x00")
	}
	return append(append([]byte(nil), req[:4]...), 0x00, 0x00)
}

// GESRTPProtocol returns the GE SRTP listener.
func GESRTPProtocol() Protocol {
	return Protocol{
		Name:       "gesrtp",
		Network:    TCP,
		Port:       18245,
		ReadSize:   512,
		Limits:     defaultLimits(500),
		NewHandler: func() Handler { return HandlerFunc(GESRTP) },
	}
}
