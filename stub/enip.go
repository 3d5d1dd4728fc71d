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
	"sync"
)

// EtherNet/IP encapsulation commands.
const (
	ENIPListServices      uint16 = 0x0004
	ENIPListIdentity      uint16 = 0x0063
	ENIPListInterfaces    uint16 = 0x0064
	ENIPRegisterSession   uint16 = 0x0065
	ENIPUnregisterSession uint16 = 0x0066
	ENIPSendRRData        uint16 = 0x006F
	ENIPSendUnitData      uint16 = 0x0070
)

// Encapsulation status codes.
const (
	ENIPStatusSuccess        uint32 = 0x0000
	ENIPStatusInvalidCommand uint32 = 0x0001
	ENIPStatusInvalidSession uint32 = 0x0064
)

const (
	enipHeaderLen = 24

	cpfNullAddress      = 0x0000
	cpfConnectedAddress = 0x00A1
	cpfConnectedData    = 0x00B1
	cpfUnconnectedData  = 0x00B2
	cpfIdentity         = 0x000C
	cpfServices         = 0x0100

	cipGetAttributesAll   = 0x01
	cipGetAttributeSingle = 0x0E
	cipSetAttributeSingle = 0x10

	cipStatusSuccess      = 0x00
	cipStatusNotSupported = 0x08

	enipProductName = "ICSNPP Trainer"
	enipVendorID    = 0x0001
	enipDeviceType  = 0x000E // programmable logic controller
	enipProductCode = 0x0001
	enipSerial      = 0x00001234
)

// ENIPSessions allocates session handles shared by every connection of one
// listener.
type ENIPSessions struct {
	mu     sync.Mutex
	next   uint32
	active map[uint32]struct{}
}

// NewENIPSessions creates an empty registry. Handles start at 1.
func NewENIPSessions() *ENIPSessions {
	return &ENIPSessions{next: 1, active: make(map[uint32]struct{})}
}

// Register allocates a new handle.
func (r *ENIPSessions) Register() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.next
	r.next++
	if r.next == 0 {
		r.next = 1
	}
	r.active[h] = struct{}{}
	return h
}

// Unregister frees h. Unknown handles are ignored.
func (r *ENIPSessions) Unregister(h uint32) {
	r.mu.Lock()
	delete(r.active, h)
	r.mu.Unlock()
}

// Valid reports whether h is registered.
func (r *ENIPSessions) Valid(h uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[h]
	return ok
}

// Active returns the number of registered sessions.
func (r *ENIPSessions) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

type enipHeader struct {
	command uint16
	length  uint16
	session uint32
	status  uint32
	context [8]byte
}

func decodeENIPHeader(b []byte) enipHeader {
	h := enipHeader{
		command: binary.LittleEndian.Uint16(b[0:2]),
		length:  binary.LittleEndian.Uint16(b[2:4]),
		session: binary.LittleEndian.Uint32(b[4:8]),
		status:  binary.LittleEndian.Uint32(b[8:12]),
	}
	copy(h.context[:], b[12:20])
	return h
}

func encodeENIP(command uint16, session, status uint32, context [8]byte, data []byte) []byte {
	out := make([]byte, enipHeaderLen, enipHeaderLen+len(data))
	binary.LittleEndian.PutUint16(out[0:2], command)
	binary.LittleEndian.PutUint16(out[2:4], uint16(len(data)))
	binary.LittleEndian.PutUint32(out[4:8], session)
	binary.LittleEndian.PutUint32(out[8:12], status)
	copy(out[12:20], context[:])
	return append(out, data...)
}

type cpfItem struct {
	typeID uint16
	data   []byte
}

// parseCPF decodes the common packet format that follows the interface
// handle and timeout of SendRRData and SendUnitData.
func parseCPF(b []byte) []cpfItem {
	if len(b) < 8 {
		return nil
	}
	count := int(binary.LittleEndian.Uint16(b[6:8]))
	b = b[8:]
	var items []cpfItem
	for i := 0; i < count && len(b) >= 4; i++ {
		typeID := binary.LittleEndian.Uint16(b[0:2])
		n := int(binary.LittleEndian.Uint16(b[2:4]))
		if len(b) < 4+n {
			break
		}
		items = append(items, cpfItem{typeID: typeID, data: b[4 : 4+n]})
		b = b[4+n:]
	}
	return items
}

func encodeCPF(items ...cpfItem) []byte {
	out := make([]byte, 8) // interface handle, timeout, item count
	binary.LittleEndian.PutUint16(out[6:8], uint16(len(items)))
	for _, it := range items {
		out = binary.LittleEndian.AppendUint16(out, it.typeID)
		out = binary.LittleEndian.AppendUint16(out, uint16(len(it.data)))
		out = append(out, it.data...)
	}
	return out
}

func findCPF(items []cpfItem, typeID uint16) ([]byte, bool) {
	for _, it := range items {
		if it.typeID == typeID {
			return it.data, true
		}
	}
	return nil, false
}

// enipConn is the per-connection EtherNet/IP state: at most one registered
// session, released when the connection closes.
type enipConn struct {
	sessions *ENIPSessions
	handle   uint32
}

// Handle implements Handler.
func (c *enipConn) Handle(req []byte) []byte {
	if len(req) < enipHeaderLen {
		return nil
	}
	h := decodeENIPHeader(req)
	body := req[enipHeaderLen:]
	if int(h.length) < len(body) {
		body = body[:h.length]
	}

	switch h.command {
	case ENIPRegisterSession:
		if c.handle == 0 {
			c.handle = c.sessions.Register()
		}
		return encodeENIP(h.command, c.handle, ENIPStatusSuccess, h.context, []byte{0x01, 0x00, 0x00, 0x00})

	case ENIPUnregisterSession:
		if c.handle != 0 {
			c.sessions.Unregister(c.handle)
			c.handle = 0
		}
		return encodeENIP(h.command, h.session, ENIPStatusSuccess, h.context, nil)

	case ENIPListServices:
		return encodeENIP(h.command, h.session, ENIPStatusSuccess, h.context, enipServices())

	case ENIPListIdentity:
		return encodeENIP(h.command, h.session, ENIPStatusSuccess, h.context, enipIdentity())

	case ENIPListInterfaces:
		return encodeENIP(h.command, h.session, ENIPStatusSuccess, h.context, []byte{0x00, 0x00})

	case ENIPSendRRData, ENIPSendUnitData:
		if c.handle == 0 || h.session != c.handle || !c.sessions.Valid(h.session) {
			return encodeENIP(h.command, h.session, ENIPStatusInvalidSession, h.context, nil)
		}
		items := parseCPF(body)
		if h.command == ENIPSendRRData {
			cip, _ := findCPF(items, cpfUnconnectedData)
			return encodeENIP(h.command, c.handle, ENIPStatusSuccess, h.context,
				encodeCPF(cpfItem{typeID: cpfNullAddress}, cpfItem{typeID: cpfUnconnectedData, data: cipReply(cip)}))
		}
		return encodeENIP(h.command, c.handle, ENIPStatusSuccess, h.context, unitDataReply(items))

	default:
		return encodeENIP(h.command, h.session, ENIPStatusInvalidCommand, h.context, nil)
	}
}

// Close releases the connection's session.
func (c *enipConn) Close() error {
	if c.handle != 0 {
		c.sessions.Unregister(c.handle)
		c.handle = 0
	}
	return nil
}

func enipServices() []byte {
	name := make([]byte, 16)
	copy(name, "Communications")

	// protocol version 1; capability flags: CIP over TCP, class 0/1 over UDP
	item := []byte{0x01, 0x00}
	item = binary.LittleEndian.AppendUint16(item, 0x0120)
	item = append(item, name...)

	out := binary.LittleEndian.AppendUint16(nil, 1)
	out = binary.LittleEndian.AppendUint16(out, cpfServices)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(item)))
	return append(out, item...)
}

func enipIdentity() []byte {
	item := []byte{0x01, 0x00} // encapsulation version
	// socket address, big-endian unlike the rest of the frame
	item = binary.BigEndian.AppendUint16(item, 2) // AF_INET
	item = binary.BigEndian.AppendUint16(item, 44818)
	item = append(item, make([]byte, 12)...) // sin_addr, sin_zero
	item = append(item, identityAttributes()...)
	item = append(item, 0x03) // state: operational

	out := binary.LittleEndian.AppendUint16(nil, 1)
	out = binary.LittleEndian.AppendUint16(out, cpfIdentity)
	out = binary.LittleEndian.AppendUint16(out, uint16(len(item)))
	return append(out, item...)
}

// identityAttributes encodes the identity object instance attributes 1-7.
func identityAttributes() []byte {
	out := binary.LittleEndian.AppendUint16(nil, enipVendorID)
	out = binary.LittleEndian.AppendUint16(out, enipDeviceType)
	out = binary.LittleEndian.AppendUint16(out, enipProductCode)
	out = append(out, 0x01, 0x01) // revision 1.1
	out = binary.LittleEndian.AppendUint16(out, 0x0000)
	out = binary.LittleEndian.AppendUint32(out, enipSerial)
	out = append(out, byte(len(enipProductName)))
	return append(out, enipProductName...)
}

// cipReply answers an unconnected CIP request.
func cipReply(req []byte) []byte {
	if len(req) == 0 {
		return []byte{0x80, 0x00, cipStatusNotSupported, 0x00}
	}
	service := req[0] & 0x7F
	reply := []byte{service | 0x80, 0x00, cipStatusSuccess, 0x00}

	switch service {
	case cipGetAttributesAll:
		return append(reply, identityAttributes()...)
	case cipGetAttributeSingle:
		return binary.LittleEndian.AppendUint16(reply, enipVendorID)
	case cipSetAttributeSingle:
		return reply
	default:
		reply[2] = cipStatusNotSupported
		return reply
	}
}

// unitDataReply echoes the connection id and sequence count of a connected
// request and answers its CIP service.
func unitDataReply(items []cpfItem) []byte {
	connID := []byte{0, 0, 0, 0}
	if addr, ok := findCPF(items, cpfConnectedAddress); ok && len(addr) >= 4 {
		connID = addr[:4]
	}
	data := []byte{0, 0}
	if d, ok := findCPF(items, cpfConnectedData); ok && len(d) >= 2 {
		data = append([]byte{d[0], d[1]}, cipReply(d[2:])...)
	}
	return encodeCPF(
		cpfItem{typeID: cpfConnectedAddress, data: connID},
		cpfItem{typeID: cpfConnectedData, data: data},
	)
}

// ENIPProtocol returns the EtherNet/IP listener. Session handles are unique
// across all of its connections.
func ENIPProtocol() Protocol {
	sessions := NewENIPSessions()
	return Protocol{
		Name:     "enip",
		Network:  TCP,
		Port:     44818,
		ReadSize: 512,
		Limits:   defaultLimits(1000),
		NewHandler: func() Handler {
			return &enipConn{sessions: sessions}
		},
	}
}
