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

// c1222Response is an ACSE PDU carrying the C12.22 application context
// (2.16.124.113620.1.22) and an EPSEM response with code OK.
var c1222Response = []byte{
	0x60, 0x14,
	0xA1, 0x09, 0x06, 0x07, 0x60, 0x7C, 0x86, 0xF7, 0x54, 0x01, 0x16,
	0xBE, 0x07, 0x28, 0x05, 0x81, 0x03, 0x80, 0x01, 0x00,
}

// C1222 replies to every request with the same association response.
func C1222([]byte) []byte {
	return append([]byte(nil), c1222Response...)
}

// C1222TCPProtocol returns the C12.22 listener on TCP.
func C1222TCPProtocol() Protocol {
	return Protocol{
		Name:       "c1222tcp",
		Network:    TCP,
		Port:       1153,
		ReadSize:   256,
		Limits:     defaultLimits(500),
		NewHandler: func() Handler { return HandlerFunc(C1222) },
	}
}

// C1222UDPProtocol returns the C12.22 listener on UDP.
func C1222UDPProtocol() Protocol {
	return Protocol{
		Name:       "c1222udp",
		Network:    UDP,
		Port:       1153,
		ReadSize:   256,
		Limits:     defaultLimits(500),
		NewHandler: func() Handler { return HandlerFunc(C1222) },
	}
}
