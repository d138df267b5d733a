// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"net/http"

	"github.com/mattermost/mattermost/server/public/shared/mlog"

	"github.com/evloop/wsd/service/random"
)

// State is the Connection lifecycle stage, per spec.md §3.
type State int

const (
	NotConnected State = iota
	Connecting
	Connected
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "not_connected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is one accepted peer: its transport, its parsing state
// and its outbound queue, per spec.md §3.
type Connection struct {
	id      uint64
	traceID string

	sock  socket
	state State

	handshake *handshakeParser
	message   *messageParser

	sendBuffer [][]byte

	log *mlog.Logger
}

func newConnection(id uint64, sock socket, log *mlog.Logger) *Connection {
	return &Connection{
		id:        id,
		traceID:   random.NewID(),
		sock:      sock,
		state:     Connecting,
		handshake: &handshakeParser{},
		message:   &messageParser{},
		log:       log,
	}
}

func (c *Connection) ID() uint64      { return c.id }
func (c *Connection) TraceID() string { return c.traceID }
func (c *Connection) State() State    { return c.state }
func (c *Connection) PeerAddr() string {
	return c.sock.peerAddr()
}

// bufferBytes reports how many outbound bytes are still queued,
// across both the connection's own send_buffer and (for TLS sockets)
// the socket's internal ciphertext queue. Mirrors the original's
// distinct Connection::buffer_bytes() helper, kept separate from the
// Server-level accessor of the same name.
func (c *Connection) bufferBytes() int {
	n := c.sock.bufferedBytes()
	for _, b := range c.sendBuffer {
		n += len(b)
	}
	return n
}

// clearBuffer discards every queued outbound byte without attempting
// to send it, per spec.md's clear_buffer operation.
func (c *Connection) clearBuffer() {
	c.sendBuffer = nil
	c.sock.clearBuffer()
}

// enqueue appends raw bytes (already serialized) to the send buffer.
// It never blocks and never writes to the socket itself; flushing
// happens only from a writable-readiness callback.
func (c *Connection) enqueue(b []byte) {
	if len(b) == 0 {
		return
	}
	c.sendBuffer = append(c.sendBuffer, b)
}

// dataToSend reports whether the poller needs to arm this
// connection's fd for writable readiness.
func (c *Connection) dataToSend() bool {
	return len(c.sendBuffer) > 0
}

// flush attempts to drain as much of the send buffer as the socket
// will currently accept. A short write leaves the remainder (the
// truncated front chunk, for a plain socket) queued for the next
// writable readiness, per spec.md §4.2.
func (c *Connection) flush() error {
	for len(c.sendBuffer) > 0 {
		front := c.sendBuffer[0]
		n, err := c.sock.write(front)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if n < len(front) {
			c.sendBuffer[0] = front[n:]
			return nil
		}
		c.sendBuffer = c.sendBuffer[1:]
	}
	return nil
}

// readHandshake feeds newly read bytes into the handshake parser and
// reports a completed request, if any, plus whatever response bytes
// should be written back (always non-nil once a request is parsed:
// either a rejection status line or a 101 response).
func (c *Connection) readHandshake(b []byte) (req *http.Request, response []byte, accepted bool, err error) {
	c.handshake.feed(b)
	r, ok, perr := c.handshake.tryParse()
	if perr != nil {
		return nil, buildHandshakeResponse(handshakeResult{status: http.StatusBadRequest}), false, perr
	}
	if !ok {
		return nil, nil, false, nil
	}

	result := validateHandshake(r)
	resp := buildHandshakeResponse(result)
	return r, resp, result.status == 0, nil
}

// readMessages feeds newly read bytes into the message parser and
// drains every complete message currently assembled.
func (c *Connection) readMessages(b []byte) ([]*WSMessage, error) {
	c.message.feed(b)

	var out []*WSMessage
	for {
		msg, err := c.message.next()
		if err != nil {
			return out, err
		}
		if msg == nil {
			return out, nil
		}
		out = append(out, msg)
	}
}
