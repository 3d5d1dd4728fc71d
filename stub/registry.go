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

// Protocols returns every canned-reply listener with its default port, in
// startup order. Each call builds fresh per-listener state.
func Protocols() []Protocol {
	return []Protocol{
		DNP3Protocol(),
		ENIPProtocol(),
		S7Protocol(),
		BACnetProtocol(),
		GESRTPProtocol(),
		GenisysProtocol(),
		SynchrophasorTCPProtocol(),
		SynchrophasorUDPProtocol(),
		C1222TCPProtocol(),
		C1222UDPProtocol(),
	}
}

// Names returns the names of all listeners returned by Protocols.
func Names() []string {
	ps := Protocols()
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.Name
	}
	return names
}

// Lookup returns the listener called name.
func Lookup(name string) (Protocol, bool) {
	for _, p := range Protocols() {
		if p.Name == name {
			return p, true
		}
	}
	return Protocol{}, false
}
