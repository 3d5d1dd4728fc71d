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
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/icsnpp-listeners/session"
)

// pollInterval bounds how long a blocked read delays shutdown.
const pollInterval = time.Second

// DatagramServer serves a Protocol over UDP. Every datagram is one request
// and gets at most one reply, sent back to its source address.
type DatagramServer struct {
	proto  Protocol
	opts   *options
	logger *slog.Logger

	mu     sync.Mutex
	conn   *net.UDPConn
	closed int32
	wg     sync.WaitGroup
	stats  session.Stats
}

// NewDatagramServer creates a UDP server for p.
func NewDatagramServer(p Protocol, opts ...Option) *DatagramServer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	if p.ReadSize <= 0 {
		p.ReadSize = defaultReadSize
	}
	return &DatagramServer{
		proto:  p,
		opts:   o,
		logger: o.logger.With(slog.String("protocol", p.Name)),
	}
}

// Name returns the protocol name.
func (s *DatagramServer) Name() string {
	return s.proto.Name
}

// Stats returns the server counters. Requests counts datagrams received.
func (s *DatagramServer) Stats() *session.Stats {
	return &s.stats
}

// ListenAndServeContext binds addr and serves until ctx is cancelled or
// Close is called.
func (s *DatagramServer) ListenAndServeContext(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return errors.New("stub: not a UDP socket")
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	return s.Serve(conn)
}

// Serve reads datagrams from conn until Close. It returns nil after Close.
func (s *DatagramServer) Serve(conn *net.UDPConn) error {
	s.mu.Lock()
	if atomic.LoadInt32(&s.closed) == 1 {
		s.mu.Unlock()
		conn.Close()
		return nil
	}
	s.conn = conn
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	handler := s.proto.NewHandler()
	defer closeHandler(handler)

	s.logger.Info("listener started", slog.String("addr", conn.LocalAddr().String()))

	buf := make([]byte, s.proto.ReadSize)
	for {
		if atomic.LoadInt32(&s.closed) == 1 {
			return nil
		}

		conn.SetReadDeadline(time.Now().Add(pollInterval))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			return err
		}
		s.stats.Requests.Add(1)

		req := buf[:n]
		reply := s.handle(handler, req, addr)
		if reply == nil {
			s.stats.Dropped.Add(1)
			s.logger.Debug("datagram ignored", slog.String("remote", addr.String()), slog.Int("bytes", n))
			s.record(addr, req, nil)
			continue
		}

		if _, err := conn.WriteToUDP(reply, addr); err != nil {
			s.logger.Error("write error",
				slog.String("remote", addr.String()),
				slog.String("error", err.Error()))
			continue
		}
		s.stats.Replies.Add(1)
		s.logger.Debug("datagram served",
			slog.String("remote", addr.String()),
			slog.Int("request_bytes", n),
			slog.Int("reply_bytes", len(reply)))
		s.record(addr, req, reply)
	}
}

// handle isolates a handler panic to the datagram that caused it.
func (s *DatagramServer) handle(h Handler, req []byte, addr *net.UDPAddr) (reply []byte) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in datagram handler",
				slog.String("remote", addr.String()),
				slog.Any("panic", r))
			reply = nil
		}
	}()
	return h.Handle(req)
}

// Close closes the socket and waits for Serve to return.
func (s *DatagramServer) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}

	s.mu.Lock()
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("listener stopped")
	return err
}

// Addr returns the bound address, or nil before Serve.
func (s *DatagramServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn.LocalAddr()
	}
	return nil
}

func (s *DatagramServer) record(remote *net.UDPAddr, req, reply []byte) {
	if s.opts.tap == nil {
		return
	}
	s.opts.tap.Record(session.Exchange{
		Network: "udp",
		Local:   s.conn.LocalAddr(),
		Remote:  remote,
		Request: append([]byte(nil), req...),
		Reply:   reply,
		Time:    time.Now(),
	})
}
