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

var genisysSignature = []byte("\x00\x01GENISYS\x00\x00")

// Genisys replies to every request with the same signature frame.
func Genisys([]byte) []byte {
	return append([]byte(nil), genisysSignature...)
}

// GenisysProtocol returns the Genisys listener.
func GenisysProtocol() Protocol {
	return Protocol{
		Name:       "genisys",
		Network:    TCP,
		Port:       10001,
		ReadSize:   256,
		Limits:     defaultLimits(500),
		NewHandler: func() Handler { return HandlerFunc(Genisys) },
	}
}
