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
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/edgeo-scada/icsnpp-listeners/session"
)

// connSession drives the request loop of one accepted connection.
// Requests on a connection are served strictly in order.
type connSession struct {
	srv    *Server
	conn   net.Conn
	remote string
	budget *session.Budget
	state  SessionState

	header [MBAPHeaderSize]byte
	body   [MaxBodyLength]byte
}

func newConnSession(s *Server, conn net.Conn) *connSession {
	return &connSession{
		srv:    s,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		budget: session.NewBudget(s.opts.limits),
		state:  StateAwaitingHeader,
	}
}

// State returns the state the loop was last in.
func (cs *connSession) State() SessionState {
	return cs.state
}

// run serves requests until the connection budget is exhausted, the peer
// goes away or an I/O error occurs. It returns the close reason and the
// error that caused it, if any. State is left where the loop stopped.
func (cs *connSession) run(ctx context.Context) (session.Reason, error) {
	for {
		cs.state = StateAwaitingHeader
		if reason, ok := cs.budget.Check(); !ok {
			return reason, nil
		}
		if ctx.Err() != nil {
			return session.ReasonShutdown, ctx.Err()
		}

		if err := cs.readFull(cs.header[:]); err != nil {
			return cs.srv.classify(err), err
		}
		cs.budget.Count()
		cs.srv.metrics.Requests.Add(1)

		h := DecodeHeader(cs.header)
		if !h.Valid() {
			// A sane length with a foreign protocol id still frames a body;
			// consume it so the next header starts at the right offset.
			var body []byte
			if h.LengthInRange() {
				body = cs.body[:h.PDULength()]
				if err := cs.readFull(body); err != nil {
					return cs.srv.classify(err), err
				}
			}
			cs.srv.metrics.Dropped.Add(1)
			cs.srv.opts.logger.Debug("dropping invalid header",
				slog.String("remote", cs.remote),
				slog.Uint64("proto_id", uint64(h.ProtocolID)),
				slog.Uint64("length", uint64(h.Length)))
			cs.record(body, nil)
			continue
		}

		cs.state = StateAwaitingBody
		pdu := cs.body[:h.PDULength()]
		if err := cs.readFull(pdu); err != nil {
			return cs.srv.classify(err), err
		}

		cs.state = StateDispatching
		start := time.Now()
		fc, payload := DecodeBody(pdu)
		reply := cs.srv.dispatcher.Dispatch(fc, payload)
		cs.srv.metrics.observe(fc, reply, time.Since(start))

		cs.srv.opts.logger.Debug("request served",
			slog.String("remote", cs.remote),
			slog.Uint64("tx_id", uint64(h.TransactionID)),
			slog.Uint64("unit_id", uint64(h.UnitID)),
			slog.String("func", fc.String()),
			slog.Bool("exception", IsExceptionResponse(reply)))

		cs.state = StateReplying
		frame := EncodeReply(h.TransactionID, h.UnitID, reply)
		if err := cs.write(frame); err != nil {
			return cs.srv.classify(err), err
		}
		cs.srv.metrics.Replies.Add(1)
		cs.record(pdu, frame)
	}
}

func (cs *connSession) readFull(buf []byte) error {
	if err := cs.conn.SetReadDeadline(cs.budget.ReadDeadline()); err != nil {
		return err
	}
	_, err := io.ReadFull(cs.conn, buf)
	return err
}

func (cs *connSession) write(frame []byte) error {
	if t := cs.srv.opts.limits.ReadTimeout; t > 0 {
		if err := cs.conn.SetWriteDeadline(time.Now().Add(t)); err != nil {
			return err
		}
	}
	_, err := cs.conn.Write(frame)
	return err
}

// record reports the exchange to the configured tap. body is the PDU that
// followed the header, and reply is nil when nothing was sent.
func (cs *connSession) record(body, reply []byte) {
	tap := cs.srv.opts.tap
	if tap == nil {
		return
	}
	req := make([]byte, 0, MBAPHeaderSize+len(body))
	req = append(req, cs.header[:]...)
	req = append(req, body...)
	tap.Record(session.Exchange{
		Network: "tcp",
		Local:   cs.conn.LocalAddr(),
		Remote:  cs.conn.RemoteAddr(),
		Request: req,
		Reply:   reply,
		Time:    time.Now(),
	})
}
