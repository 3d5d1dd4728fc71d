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
	bvlcType = 0x81

	bvlcForwardedNPDU       = 0x04
	bvlcDistributeBroadcast = 0x09
	bvlcOriginalUnicastNPDU = 0x0A
)

// bvlcResultOK is a BVLC-Result with result code 0x0000.
var bvlcResultOK = []byte{bvlcType, 0x00, 0x00, 0x06, 0x00, 0x00}

// BACnet answers NPDU-carrying BVLC frames with a successful BVLC-Result and
// ignores everything else.
func BACnet(req []byte) []byte {
	if len(req) < 4 || req[0] != bvlcType {
		return nil
	}
	switch req[1] {
	case bvlcForwardedNPDU, bvlcDistributeBroadcast, bvlcOriginalUnicastNPDU:
		return append([]byte(nil), bvlcResultOK...)
	}
	return nil
}

// BACnetProtocol returns the BACnet/IP listener.
func BACnetProtocol() Protocol {
	return Protocol{
		Name:       "bacnet",
		Network:    UDP,
		Port:       47808,
		ReadSize:   1500,
		Limits:     defaultLimits(500),
		NewHandler: func() Handler { return HandlerFunc(BACnet) },
	}
}
