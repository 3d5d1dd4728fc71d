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

// Package probe sends one well-formed request to each listener and checks
// that the reply looks like the protocol it claims to be.
package probe

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/edgeo-scada/icsnpp-listeners/modbus"
	"github.com/edgeo-scada/icsnpp-listeners/stub"
)

// DefaultTimeout bounds one probe, from dial to reply.
const DefaultTimeout = 3 * time.Second

// ErrUnexpectedReply is wrapped when a reply fails verification.
var ErrUnexpectedReply = errors.New("probe: unexpected reply")

// Check probes one listener.
type Check struct {
	Name    string
	Network string
	Run     func(ctx context.Context, addr string) (string, error)
}

// Target is one listener to probe.
type Target struct {
	Name string
	Port int
}

// Result is the outcome of one probe.
type Result struct {
	Name    string
	Network string
	Addr    string
	Detail  string
	Err     error
	Latency time.Duration
}

// OK reports whether the probe passed.
func (r Result) OK() bool {
	return r.Err == nil
}

var checks = map[string]Check{
	"modbus":     {Name: "modbus", Network: "tcp", Run: probeModbus},
	"dnp3":       {Name: "dnp3", Network: "tcp", Run: exchange("tcp", dnp3Request, verifyDNP3)},
	"enip":       {Name: "enip", Network: "tcp", Run: exchange("tcp", enipRequest, verifyENIP)},
	"s7":         {Name: "s7", Network: "tcp", Run: exchange("tcp", s7Request, verifyS7)},
	"bacnet":     {Name: "bacnet", Network: "udp", Run: exchange("udp", bacnetRequest, verifyBACnet)},
	"gesrtp":     {Name: "gesrtp", Network: "tcp", Run: exchange("tcp", gesrtpRequest, verifyGESRTP)},
	"genisys":    {Name: "genisys", Network: "tcp", Run: exchange("tcp", genisysRequest, verifyGenisys)},
	"synchrotcp": {Name: "synchrotcp", Network: "tcp", Run: exchange("tcp", c37Request, verifyC37)},
	"synchroudp": {Name: "synchroudp", Network: "udp", Run: exchange("udp", c37Request, verifyC37)},
	"c1222tcp":   {Name: "c1222tcp", Network: "tcp", Run: exchange("tcp", c1222Request, verifyC1222)},
	"c1222udp":   {Name: "c1222udp", Network: "udp", Run: exchange("udp", c1222Request, verifyC1222)},
}

// Lookup returns the check for a listener name.
func Lookup(name string) (Check, bool) {
	c, ok := checks[name]
	return c, ok
}

// Run probes every target on host concurrently. Results keep the order of
// targets. timeout applies to each probe separately.
func Run(ctx context.Context, host string, targets []Target, timeout time.Duration) []Result {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	results := make([]Result, len(targets))

	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t Target) {
			defer wg.Done()
			results[i] = runOne(ctx, host, t, timeout)
		}(i, t)
	}
	wg.Wait()
	return results
}

func runOne(ctx context.Context, host string, t Target, timeout time.Duration) Result {
	addr := net.JoinHostPort(host, strconv.Itoa(t.Port))
	res := Result{Name: t.Name, Addr: addr}

	c, ok := checks[t.Name]
	if !ok {
		res.Err = fmt.Errorf("probe: no check for %q", t.Name)
		return res
	}
	res.Network = c.Network

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	res.Detail, res.Err = c.Run(ctx, addr)
	res.Latency = time.Since(start)
	return res
}

// exchange sends one request and verifies the first reply chunk.
func exchange(network string, request func() []byte, verify func([]byte) (string, error)) func(context.Context, string) (string, error) {
	return func(ctx context.Context, addr string) (string, error) {
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return "", err
		}
		defer conn.Close()
		if deadline, ok := ctx.Deadline(); ok {
			conn.SetDeadline(deadline)
		}

		if _, err := conn.Write(request()); err != nil {
			return "", err
		}
		buf := make([]byte, 2048)
		n, err := conn.Read(buf)
		if err != nil {
			return "", err
		}
		return verify(buf[:n])
	}
}

func unexpected(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrUnexpectedReply, fmt.Sprintf(format, args...))
}

func probeModbus(ctx context.Context, addr string) (string, error) {
	client, err := modbus.NewClient(addr)
	if err != nil {
		return "", err
	}
	defer client.Close()
	if err := client.Connect(ctx); err != nil {
		return "", err
	}

	regs, err := client.ReadInputRegisters(ctx, 0, 4)
	if err != nil {
		return "", err
	}
	id, err := client.ReadDeviceIdentification(ctx, 0x01, 0x00)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("input registers %v, vendor %q", regs, id.Objects[0x00]), nil
}

// dnp3Request is a class 0 poll from master 1 to outstation 1024.
func dnp3Request() []byte {
	header := []byte{0x05, 0x64, 0x0B, 0xC4, 0x00, 0x04, 0x01, 0x00}
	data := []byte{0xC0, 0xC1, 0x01, 0x3C, 0x01, 0x06}
	out := binary.LittleEndian.AppendUint16(header, stub.DNP3CRC(header))
	out = append(out, data...)
	return binary.LittleEndian.AppendUint16(out, stub.DNP3CRC(data))
}

func verifyDNP3(reply []byte) (string, error) {
	if len(reply) < 10 || reply[0] != 0x05 || reply[1] != 0x64 {
		return "", unexpected("no DNP3 start bytes")
	}
	if binary.LittleEndian.Uint16(reply[8:10]) != stub.DNP3CRC(reply[:8]) {
		return "", unexpected("bad DNP3 header CRC")
	}
	return fmt.Sprintf("link frame, control 0x%02X, %d bytes", reply[3], len(reply)), nil
}

// enipRequest is a ListIdentity, which needs no session.
func enipRequest() []byte {
	req := make([]byte, 24)
	binary.LittleEndian.PutUint16(req[0:2], stub.ENIPListIdentity)
	copy(req[12:20], "icsprobe")
	return req
}

func verifyENIP(reply []byte) (string, error) {
	if len(reply) < 24 {
		return "", unexpected("short encapsulation header")
	}
	if cmd := binary.LittleEndian.Uint16(reply[0:2]); cmd != stub.ENIPListIdentity {
		return "", unexpected("command 0x%04X", cmd)
	}
	if status := binary.LittleEndian.Uint32(reply[8:12]); status != stub.ENIPStatusSuccess {
		return "", unexpected("status 0x%X", status)
	}
	if !bytes.Equal(reply[12:20], []byte("icsprobe")) {
		return "", unexpected("sender context not echoed")
	}
	return fmt.Sprintf("ListIdentity, %d bytes", len(reply)), nil
}

// s7Request is a COTP connection request with rack 0 slot 2 TSAPs.
func s7Request() []byte {
	return []byte{
		0x03, 0x00, 0x00, 0x16, 0x11, 0xE0, 0x00, 0x00, 0x00, 0x01, 0x00,
		0xC0, 0x01, 0x0A, 0xC1, 0x02, 0x01, 0x00, 0xC2, 0x02, 0x01, 0x02,
	}
}

func verifyS7(reply []byte) (string, error) {
	if len(reply) < 7 || reply[0] != 0x03 || int(binary.BigEndian.Uint16(reply[2:4])) != len(reply) {
		return "", unexpected("bad TPKT")
	}
	if reply[5] != 0xD0 {
		return "", unexpected("COTP type 0x%02X, want CC", reply[5])
	}
	return "COTP connection confirm", nil
}

// bacnetRequest is a unicast Who-Is.
func bacnetRequest() []byte {
	return []byte{0x81, 0x0A, 0x00, 0x08, 0x01, 0x00, 0x10, 0x08}
}

func verifyBACnet(reply []byte) (string, error) {
	if len(reply) < 6 || reply[0] != 0x81 || reply[1] != 0x00 {
		return "", unexpected("not a BVLC-Result")
	}
	return fmt.Sprintf("BVLC-Result 0x%04X", binary.BigEndian.Uint16(reply[4:6])), nil
}

// gesrtpRequest is an SRTP initialization header.
func gesrtpRequest() []byte {
	return make([]byte, 56)
}

func verifyGESRTP(reply []byte) (string, error) {
	if len(reply) != 56 {
		return "", unexpected("%d bytes, want 56", len(reply))
	}
	if reply[0] != 0x01 {
		return "", unexpected("type 0x%02X, want 0x01", reply[0])
	}
	return "initialization acknowledged", nil
}

func genisysRequest() []byte {
	return []byte{0xFB, 0x01, 0xE0, 0xF6}
}

func verifyGenisys(reply []byte) (string, error) {
	if !bytes.Contains(reply, []byte("GENISYS")) {
		return "", unexpected("no signature")
	}
	return "signature frame", nil
}

// c37Request asks PMU 7 for its header frame.
func c37Request() []byte {
	req := []byte{0xAA, 0x41, 0x00, 0x12, 0x00, 0x07, 0, 0, 0, 0, 0, 0, 0, 0, 0x00, 0x03}
	return binary.BigEndian.AppendUint16(req, stub.CRCCCITT(req))
}

func verifyC37(reply []byte) (string, error) {
	if len(reply) < 16 || reply[0] != 0xAA {
		return "", unexpected("no C37.118 sync")
	}
	n := len(reply)
	if binary.BigEndian.Uint16(reply[n-2:]) != stub.CRCCCITT(reply[:n-2]) {
		return "", unexpected("bad CHK")
	}
	if id := binary.BigEndian.Uint16(reply[4:6]); id != 7 {
		return "", unexpected("IDCODE %d", id)
	}
	return fmt.Sprintf("frame type 0x%02X, %d bytes", reply[1], n), nil
}

// c1222Request is a minimal ACSE association request carrying the C12.22
// application context.
func c1222Request() []byte {
	return []byte{0x60, 0x0B, 0xA1, 0x09, 0x06, 0x07, 0x60, 0x7C, 0x86, 0xF7, 0x54, 0x01, 0x16}
}

func verifyC1222(reply []byte) (string, error) {
	if len(reply) < 2 || reply[0] != 0x60 || int(reply[1]) != len(reply)-2 {
		return "", unexpected("not an ACSE PDU")
	}
	return "ACSE response", nil
}
