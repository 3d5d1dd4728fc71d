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
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/icsnpp-listeners/session"
)

const defaultReadSize = 512

// StreamServer serves a Protocol over TCP. Each successful read is one
// request; the handler's reply, if any, is written back before the next read.
type StreamServer struct {
	proto  Protocol
	limits session.Limits
	opts   *options
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   int32
	wg       sync.WaitGroup
	stats    session.Stats
}

// NewStreamServer creates a TCP server for p.
func NewStreamServer(p Protocol, opts ...Option) *StreamServer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	limits := p.Limits
	if o.limits != nil {
		limits = *o.limits
	}
	if p.ReadSize <= 0 {
		p.ReadSize = defaultReadSize
	}

	return &StreamServer{
		proto:  p,
		limits: limits,
		opts:   o,
		logger: o.logger.With(slog.String("protocol", p.Name)),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Name returns the protocol name.
func (s *StreamServer) Name() string {
	return s.proto.Name
}

// Stats returns the server counters.
func (s *StreamServer) Stats() *session.Stats {
	return &s.stats
}

// ListenAndServeContext listens on addr and serves until ctx is cancelled
// or Close is called.
func (s *StreamServer) ListenAndServeContext(ctx context.Context, addr string) error {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
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

	err = s.Serve(listener)
	if ctx.Err() != nil {
		// Close may still be draining sessions in the watcher; wait for it.
		s.Close()
	}
	return err
}

// Serve accepts connections on listener. It returns nil after Close.
func (s *StreamServer) Serve(listener net.Listener) error {
	s.mu.Lock()
	if atomic.LoadInt32(&s.closed) == 1 {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info("listener started", slog.String("addr", listener.Addr().String()))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accept error", slog.String("error", err.Error()))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.mu.Lock()
		if atomic.LoadInt32(&s.closed) == 1 {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.stats.ActiveConns.Add(1)
		s.stats.TotalConns.Add(1)
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

// Close stops the listener, closes every connection and waits for their
// handlers to return.
func (s *StreamServer) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		s.wg.Wait()
		return nil
	}

	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("listener stopped")
	return err
}

// Addr returns the listening address, or nil before Serve.
func (s *StreamServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *StreamServer) handleConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	budget := session.NewBudget(s.limits)
	handler := s.proto.NewHandler()
	reason := session.ReasonTransportError

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in connection handler",
				slog.String("remote", remote),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		closeHandler(handler)
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.stats.ActiveConns.Add(-1)

		s.logger.Log(context.Background(), s.opts.connLogLevel, "connection closed",
			slog.String("remote", remote),
			slog.String("reason", reason.String()),
			slog.Int("requests", budget.Requests()),
			slog.Duration("elapsed", budget.Elapsed()))
		s.wg.Done()
	}()

	s.logger.Log(context.Background(), s.opts.connLogLevel, "connection accepted",
		slog.String("remote", remote))

	buf := make([]byte, s.proto.ReadSize)
	for {
		var ok bool
		if reason, ok = budget.Check(); !ok {
			return
		}
		if atomic.LoadInt32(&s.closed) == 1 {
			reason = session.ReasonShutdown
			return
		}

		conn.SetReadDeadline(budget.ReadDeadline())
		n, err := conn.Read(buf)
		if err != nil {
			reason = session.Classify(err, atomic.LoadInt32(&s.closed) == 1)
			if reason == session.ReasonTransportError {
				s.logger.Debug("read error", slog.String("remote", remote), slog.String("error", err.Error()))
			}
			return
		}
		budget.Count()
		s.stats.Requests.Add(1)

		req := buf[:n]
		reply := handler.Handle(req)
		if reply == nil {
			s.stats.Dropped.Add(1)
			s.logger.Debug("request ignored", slog.String("remote", remote), slog.Int("bytes", n))
			s.record(conn, req, nil)
			continue
		}

		if t := s.limits.ReadTimeout; t > 0 {
			conn.SetWriteDeadline(time.Now().Add(t))
		}
		if _, err := conn.Write(reply); err != nil {
			reason = session.Classify(err, atomic.LoadInt32(&s.closed) == 1)
			return
		}
		s.stats.Replies.Add(1)
		s.logger.Debug("request served",
			slog.String("remote", remote),
			slog.Int("request_bytes", n),
			slog.Int("reply_bytes", len(reply)))
		s.record(conn, req, reply)
	}
}

func (s *StreamServer) record(conn net.Conn, req, reply []byte) {
	if s.opts.tap == nil {
		return
	}
	s.opts.tap.Record(session.Exchange{
		Network: "tcp",
		Local:   conn.LocalAddr(),
		Remote:  conn.RemoteAddr(),
		Request: append([]byte(nil), req...),
		Reply:   reply,
		Time:    time.Now(),
	})
}
