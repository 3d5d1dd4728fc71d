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

package capture

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/edgeo-scada/icsnpp-listeners/session"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func readPackets(t *testing.T, r io.Reader) []gopacket.Packet {
	t.Helper()
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		t.Fatalf("pcap reader: %v", err)
	}
	if pr.LinkType() != layers.LinkTypeEthernet {
		t.Fatalf("link type = %v", pr.LinkType())
	}

	var packets []gopacket.Packet
	for {
		data, ci, err := pr.ReadPacketData()
		if err == io.EOF {
			return packets
		}
		if err != nil {
			t.Fatalf("read packet: %v", err)
		}
		p := gopacket.NewPacket(data, layers.LayerTypeEthernet, gopacket.Default)
		p.Metadata().CaptureInfo = ci
		packets = append(packets, p)
	}
}

func tcpOf(t *testing.T, p gopacket.Packet) *layers.TCP {
	t.Helper()
	tcp, ok := p.Layer(layers.LayerTypeTCP).(*layers.TCP)
	if !ok {
		t.Fatalf("no TCP layer in %v", p)
	}
	return tcp
}

func TestRecorder_TCPFlow(t *testing.T) {
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, WithLogger(discard))
	if err != nil {
		t.Fatal(err)
	}

	local := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 502}
	remote := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 40000}
	now := time.Unix(1700000000, 0)

	rec.Record(session.Exchange{Network: "tcp", Local: local, Remote: remote,
		Request: []byte("req-1"), Reply: []byte("reply-1"), Time: now})
	rec.Record(session.Exchange{Network: "tcp", Local: local, Remote: remote,
		Request: []byte("req-2"), Reply: nil, Time: now})

	if err := rec.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}
	// handshake, request, reply, request
	if n := rec.Packets(); n != 6 {
		t.Fatalf("Packets = %d, want 6", n)
	}

	packets := readPackets(t, &buf)
	if len(packets) != 6 {
		t.Fatalf("read %d packets, want 6", len(packets))
	}

	syn, synAck, ack := tcpOf(t, packets[0]), tcpOf(t, packets[1]), tcpOf(t, packets[2])
	if !syn.SYN || syn.ACK || !synAck.SYN || !synAck.ACK || ack.SYN || !ack.ACK {
		t.Errorf("handshake flags wrong: %v %v %v", syn, synAck, ack)
	}
	if syn.DstPort != 502 || synAck.SrcPort != 502 {
		t.Errorf("ports: syn dst %d, syn-ack src %d", syn.DstPort, synAck.SrcPort)
	}

	req1, rep1, req2 := tcpOf(t, packets[3]), tcpOf(t, packets[4]), tcpOf(t, packets[5])
	if string(req1.Payload) != "req-1" || string(rep1.Payload) != "reply-1" || string(req2.Payload) != "req-2" {
		t.Fatalf("payloads: %q %q %q", req1.Payload, rep1.Payload, req2.Payload)
	}
	if req1.Seq != 1 || rep1.Seq != 1 || rep1.Ack != 1+5 {
		t.Errorf("first exchange seq/ack: req %d, reply %d/%d", req1.Seq, rep1.Seq, rep1.Ack)
	}
	if req2.Seq != 6 || req2.Ack != 1+7 {
		t.Errorf("second request seq/ack = %d/%d, want 6/8", req2.Seq, req2.Ack)
	}

	ip, ok := packets[3].Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok || !ip.SrcIP.Equal(remote.IP) || !ip.DstIP.Equal(local.IP) {
		t.Errorf("request IP layer = %v", ip)
	}
	eth := packets[3].Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if !bytes.Equal(eth.SrcMAC, clientMAC) {
		t.Errorf("request src MAC = %v", eth.SrcMAC)
	}
	if ts := packets[3].Metadata().Timestamp; !ts.Equal(now) {
		t.Errorf("timestamp = %v, want %v", ts, now)
	}
}

func TestRecorder_SeparateFlows(t *testing.T) {
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, WithLogger(discard))
	if err != nil {
		t.Fatal(err)
	}
	local := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 20000}
	for port := 40000; port < 40002; port++ {
		rec.Record(session.Exchange{Network: "tcp", Local: local,
			Remote:  &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port},
			Request: []byte{0x05, 0x64}, Reply: []byte{0x05, 0x64}})
	}
	if n := rec.Packets(); n != 10 {
		t.Errorf("Packets = %d, want 10 (two handshakes)", n)
	}
}

func TestRecorder_UDPAndIPv6(t *testing.T) {
	var buf bytes.Buffer
	rec, err := NewRecorder(&buf, WithLogger(discard))
	if err != nil {
		t.Fatal(err)
	}

	// wildcard IPv6 socket answering an IPv4 peer
	rec.Record(session.Exchange{Network: "udp",
		Local:   &net.UDPAddr{IP: net.IPv6unspecified, Port: 47808},
		Remote:  &net.UDPAddr{IP: net.IPv4(192, 168, 1, 5), Port: 47808},
		Request: []byte{0x81, 0x0A, 0x00, 0x04}, Reply: []byte{0x81, 0x00, 0x00, 0x06, 0x00, 0x00}})
	// dropped datagram, request only
	rec.Record(session.Exchange{Network: "udp",
		Local:   &net.UDPAddr{IP: net.ParseIP("fe80::1"), Port: 4713},
		Remote:  &net.UDPAddr{IP: net.ParseIP("fe80::2"), Port: 5555},
		Request: []byte{0xAA}})
	if err := rec.Err(); err != nil {
		t.Fatalf("Err = %v", err)
	}

	packets := readPackets(t, &buf)
	if len(packets) != 3 {
		t.Fatalf("read %d packets, want 3", len(packets))
	}

	if packets[0].Layer(layers.LayerTypeIPv4) == nil {
		t.Error("IPv4 peer recorded without an IPv4 layer")
	}
	udp, ok := packets[1].Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok || udp.SrcPort != 47808 || len(udp.Payload) != 6 {
		t.Errorf("reply datagram = %v", udp)
	}

	ip6, ok := packets[2].Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	if !ok || !ip6.DstIP.Equal(net.ParseIP("fe80::1")) {
		t.Errorf("IPv6 datagram = %v", ip6)
	}
}

func TestRecorder_UnsupportedAddr(t *testing.T) {
	rec, err := NewRecorder(io.Discard, WithLogger(discard))
	if err != nil {
		t.Fatal(err)
	}
	rec.Record(session.Exchange{Network: "tcp",
		Local: &net.UnixAddr{Name: "/tmp/x", Net: "unix"}, Remote: &net.UnixAddr{Name: "/tmp/y", Net: "unix"}})
	if rec.Err() == nil {
		t.Fatal("expected an error for unix addresses")
	}

	// recording stays stopped
	rec.Record(session.Exchange{Network: "udp",
		Local: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}, Remote: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2}})
	if rec.Packets() != 0 {
		t.Errorf("Packets = %d after failure", rec.Packets())
	}
}

func TestRecorder_ConcurrentCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.pcap")
	rec, err := Create(path, WithLogger(discard))
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				rec.Record(session.Exchange{Network: "udp",
					Local:   &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1153},
					Remote:  &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 30000 + i},
					Request: []byte{byte(j)}, Reply: []byte{byte(j)}})
			}
		}(i)
	}
	wg.Wait()
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if n := len(readPackets(t, f)); n != 160 {
		t.Errorf("read %d packets, want 160", n)
	}
}
