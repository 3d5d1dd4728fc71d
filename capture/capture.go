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

// Package capture writes the exchanges served by the listeners to a pcap
// file, so analyzer runs can be replayed offline without a packet sniffer.
package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/edgeo-scada/icsnpp-listeners/session"
)

// SnapLen is the snapshot length written to the file header.
const SnapLen = 65535

var (
	clientMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	serverMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

// ErrUnsupportedAddr is recorded when an exchange carries an address that is
// not an IP endpoint.
var ErrUnsupportedAddr = errors.New("capture: unsupported address")

type flowKey struct {
	client string
	server string
}

type flow struct {
	clientSeq uint32
	serverSeq uint32
}

// Recorder implements session.Tap by synthesizing Ethernet frames for every
// exchange. TCP exchanges share a flow per connection, opened with a
// three-way handshake the first time the flow is seen.
type Recorder struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	closer  io.Closer
	logger  *slog.Logger
	flows   map[flowKey]*flow
	packets int
	err     error
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the logger used to report the first write failure.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRecorder writes a pcap file header to w and returns a Recorder that
// appends to it.
func NewRecorder(w io.Writer, opts ...Option) (*Recorder, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(SnapLen, layers.LinkTypeEthernet); err != nil {
		return nil, fmt.Errorf("write pcap header: %w", err)
	}
	r := &Recorder{
		w:      pw,
		logger: slog.Default(),
		flows:  make(map[flowKey]*flow),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Create creates path and returns a Recorder writing to it. Close the
// Recorder to close the file.
func Create(path string, opts ...Option) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create pcap: %w", err)
	}
	r, err := NewRecorder(f, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Record implements session.Tap. Failures are kept and reported by Err;
// recording stops after the first one.
func (r *Recorder) Record(e session.Exchange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return
	}

	var err error
	switch e.Network {
	case "tcp":
		err = r.recordTCP(e)
	case "udp":
		err = r.recordUDP(e)
	default:
		err = fmt.Errorf("capture: unsupported network %q", e.Network)
	}
	if err != nil {
		r.err = err
		r.logger.Error("capture stopped", slog.String("error", err.Error()))
	}
}

// Packets returns the number of packets written.
func (r *Recorder) Packets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.packets
}

// Err returns the first error encountered while recording.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close closes the underlying file when the Recorder was made by Create.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	if r.err == nil {
		r.err = errors.New("capture: recorder closed")
	}
	return err
}

type endpoint struct {
	ip   net.IP
	port uint16
}

func toEndpoint(addr net.Addr) (endpoint, error) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return endpoint{ip: a.IP, port: uint16(a.Port)}, nil
	case *net.UDPAddr:
		return endpoint{ip: a.IP, port: uint16(a.Port)}, nil
	}
	return endpoint{}, fmt.Errorf("%w: %v", ErrUnsupportedAddr, addr)
}

// endpoints resolves the client and server of e into the same address
// family. A wildcard server address takes the family of the client.
func endpoints(e session.Exchange) (client, server endpoint, err error) {
	if client, err = toEndpoint(e.Remote); err != nil {
		return
	}
	if server, err = toEndpoint(e.Local); err != nil {
		return
	}

	c4, s4 := client.ip.To4(), server.ip.To4()
	switch {
	case c4 != nil && s4 != nil:
		client.ip, server.ip = c4, s4
	case c4 != nil && (server.ip == nil || server.ip.IsUnspecified()):
		client.ip, server.ip = c4, net.IPv4zero.To4()
	case c4 == nil && s4 != nil && s4.IsUnspecified():
		server.ip = net.IPv6unspecified
	case c4 != nil || s4 != nil:
		// mixed families; map the IPv4 side into IPv6
		client.ip, server.ip = client.ip.To16(), server.ip.To16()
	}
	if client.ip == nil {
		client.ip = net.IPv6unspecified
	}
	if server.ip == nil {
		server.ip = net.IPv6unspecified
	}
	return client, server, nil
}

func (r *Recorder) recordTCP(e session.Exchange) error {
	client, server, err := endpoints(e)
	if err != nil {
		return err
	}

	key := flowKey{client: e.Remote.String(), server: e.Local.String()}
	f, ok := r.flows[key]
	if !ok {
		f = &flow{}
		r.flows[key] = f
		if err := r.handshake(e, client, server, f); err != nil {
			return err
		}
	}

	if len(e.Request) > 0 {
		if err := r.writeTCP(e, client, server, true, &layers.TCP{
			Seq: f.clientSeq, Ack: f.serverSeq, ACK: true, PSH: true,
		}, e.Request); err != nil {
			return err
		}
		f.clientSeq += uint32(len(e.Request))
	}
	if len(e.Reply) > 0 {
		if err := r.writeTCP(e, server, client, false, &layers.TCP{
			Seq: f.serverSeq, Ack: f.clientSeq, ACK: true, PSH: true,
		}, e.Reply); err != nil {
			return err
		}
		f.serverSeq += uint32(len(e.Reply))
	}
	return nil
}

func (r *Recorder) handshake(e session.Exchange, client, server endpoint, f *flow) error {
	if err := r.writeTCP(e, client, server, true, &layers.TCP{SYN: true}, nil); err != nil {
		return err
	}
	if err := r.writeTCP(e, server, client, false, &layers.TCP{Ack: 1, SYN: true, ACK: true}, nil); err != nil {
		return err
	}
	if err := r.writeTCP(e, client, server, true, &layers.TCP{Seq: 1, Ack: 1, ACK: true}, nil); err != nil {
		return err
	}
	f.clientSeq, f.serverSeq = 1, 1
	return nil
}

func (r *Recorder) writeTCP(e session.Exchange, src, dst endpoint, fromClient bool, tcp *layers.TCP, payload []byte) error {
	tcp.SrcPort = layers.TCPPort(src.port)
	tcp.DstPort = layers.TCPPort(dst.port)
	if tcp.Window == 0 {
		tcp.Window = 65535
	}
	ip := ipLayer(src.ip, dst.ip, layers.IPProtocolTCP)
	if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	return r.write(e, fromClient, ip, tcp, payload)
}

func (r *Recorder) recordUDP(e session.Exchange) error {
	client, server, err := endpoints(e)
	if err != nil {
		return err
	}
	if err := r.writeUDP(e, client, server, true, e.Request); err != nil {
		return err
	}
	if e.Reply != nil {
		return r.writeUDP(e, server, client, false, e.Reply)
	}
	return nil
}

func (r *Recorder) writeUDP(e session.Exchange, src, dst endpoint, fromClient bool, payload []byte) error {
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(src.port),
		DstPort: layers.UDPPort(dst.port),
	}
	ip := ipLayer(src.ip, dst.ip, layers.IPProtocolUDP)
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}
	return r.write(e, fromClient, ip, udp, payload)
}

type ipHeader interface {
	gopacket.NetworkLayer
	gopacket.SerializableLayer
}

func ipLayer(src, dst net.IP, proto layers.IPProtocol) ipHeader {
	if src.To4() != nil {
		return &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: proto,
			SrcIP:    src,
			DstIP:    dst,
		}
	}
	return &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: proto,
		SrcIP:      src,
		DstIP:      dst,
	}
}

func (r *Recorder) write(e session.Exchange, fromClient bool, ip ipHeader, transport gopacket.SerializableLayer, payload []byte) error {
	eth := &layers.Ethernet{
		SrcMAC:       serverMAC,
		DstMAC:       clientMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	if fromClient {
		eth.SrcMAC, eth.DstMAC = clientMAC, serverMAC
	}
	if _, ok := ip.(*layers.IPv6); ok {
		eth.EthernetType = layers.EthernetTypeIPv6
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts,
		eth, ip, transport, gopacket.Payload(payload)); err != nil {
		return fmt.Errorf("serialize packet: %w", err)
	}

	data := buf.Bytes()
	if err := r.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     e.Time,
		CaptureLength: len(data),
		Length:        len(data),
	}, data); err != nil {
		return fmt.Errorf("write packet: %w", err)
	}
	r.packets++
	return nil
}
