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

package modbus

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

// Server is a Modbus TCP server backed by a single RegisterStore shared by
// every connection.
type Server struct {
	dispatcher *Dispatcher
	opts       *serverOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	closed   int32
	wg       sync.WaitGroup
	metrics  *ServerMetrics
}

// NewServer creates a new Modbus TCP server. A nil dispatcher serves a
// freshly seeded store of the default size.
func NewServer(dispatcher *Dispatcher, opts ...ServerOption) *Server {
	if dispatcher == nil {
		dispatcher = NewDispatcher(NewRegisterStore(DefaultRegisterSpace))
	}
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		dispatcher: dispatcher,
		opts:       options,
		ctx:        ctx,
		cancel:     cancel,
		conns:      make(map[net.Conn]struct{}),
		metrics:    NewServerMetrics(),
	}
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *ServerMetrics {
	return s.metrics
}

// Store returns the register store served by s.
func (s *Server) Store() *RegisterStore {
	return s.dispatcher.Store()
}

// ListenAndServe starts the server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	return s.ListenAndServeContext(context.Background(), addr)
}

// ListenAndServeContext starts the server on addr and closes it when ctx
// is cancelled.
func (s *Server) ListenAndServeContext(ctx context.Context, addr string) error {
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

// Serve accepts connections on listener until Close is called. It returns
// nil after a clean shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if atomic.LoadInt32(&s.closed) == 1 {
		s.mu.Unlock()
		listener.Close()
		return nil
	}
	s.listener = listener
	s.mu.Unlock()
	s.opts.logger.Info("server started", slog.String("addr", listener.Addr().String()))

	var backoff time.Duration
	for {
		conn, err := listener.Accept()
		if err != nil {
			if atomic.LoadInt32(&s.closed) == 1 {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else {
				backoff *= 2
			}
			if backoff > time.Second {
				backoff = time.Second
			}
			s.opts.logger.Error("accept error",
				slog.String("error", err.Error()),
				slog.Duration("retry_in", backoff))
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		s.mu.Lock()
		if atomic.LoadInt32(&s.closed) == 1 {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		if s.opts.maxConns > 0 && len(s.conns) >= s.opts.maxConns {
			s.mu.Unlock()
			s.opts.logger.Warn("max connections reached, rejecting",
				slog.String("remote", conn.RemoteAddr().String()))
			conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.metrics.ActiveConns.Add(1)
		s.metrics.TotalConns.Add(1)
		s.wg.Add(1)
		s.mu.Unlock()

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(30 * time.Second)
			tcpConn.SetNoDelay(true)
		}

		go s.handleConn(conn)
	}
}

// Close stops accepting connections, closes every open connection and
// waits for their handlers to finish.
func (s *Server) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		s.wg.Wait()
		return nil
	}
	s.cancel()

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
	s.opts.logger.Info("server stopped")
	return err
}

// Addr returns the server's address.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

// ActiveConnections returns the number of active connections.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) isClosing() bool {
	return atomic.LoadInt32(&s.closed) == 1
}

func (s *Server) classify(err error) session.Reason {
	return session.Classify(err, s.isClosing())
}

func (s *Server) handleConn(conn net.Conn) {
	cs := newConnSession(s, conn)
	reason := session.ReasonTransportError

	defer func() {
		if r := recover(); r != nil {
			s.opts.logger.Error("panic in connection handler",
				slog.String("remote", cs.remote),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}

		conn.Close()
		cs.state = StateClosed
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.metrics.ActiveConns.Add(-1)

		s.opts.logger.Log(context.Background(), s.opts.connLogLevel, "connection closed",
			slog.String("remote", cs.remote),
			slog.String("reason", reason.String()),
			slog.Int("requests", cs.budget.Requests()),
			slog.Duration("elapsed", cs.budget.Elapsed()))
		s.wg.Done()
	}()

	s.opts.logger.Log(s.ctx, s.opts.connLogLevel, "connection accepted",
		slog.String("remote", cs.remote))

	var err error
	reason, err = cs.run(s.ctx)
	if reason == session.ReasonTransportError {
		s.opts.logger.Debug("transport error",
			slog.String("remote", cs.remote),
			slog.String("state", cs.State().String()),
			slog.String("error", err.Error()))
	}
}
