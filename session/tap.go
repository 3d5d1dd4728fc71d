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

package session

import (
	"net"
	"time"
)

// Exchange is one request observed by a listener together with the reply it
// produced. Reply is nil when the request was dropped without an answer.
type Exchange struct {
	Network string // "tcp" or "udp"
	Local   net.Addr
	Remote  net.Addr
	Request []byte
	Reply   []byte
	Time    time.Time
}

// Tap observes exchanges. Implementations must be safe for concurrent use,
// since every connection of every listener reports to the same Tap.
type Tap interface {
	Record(Exchange)
}

// TapFunc adapts a function to the Tap interface.
type TapFunc func(Exchange)

// Record calls f(e).
func (f TapFunc) Record(e Exchange) {
	f(e)
}
