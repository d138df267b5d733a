// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"crypto/tls"
	"fmt"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
	"golang.org/x/sys/unix"

	"github.com/evloop/wsd/service/perf"
	"github.com/evloop/wsd/service/ws/poller"
)

// OpenCallback, MessageCallback and CloseCallback are invoked
// synchronously from inside LoopOnce, on the same goroutine that
// calls it, per spec.md §5 ("callbacks are invoked synchronously").
// Re-entrant calls into QueueFrame/CloseConnection/ClearBuffer from
// within a callback are safe.
type OpenCallback func(c *Connection)
type MessageCallback func(c *Connection, msg *WSMessage)
type CloseCallback func(c *Connection)

// Server is the single-threaded, non-blocking event loop multiplexing
// every accepted connection across one poller.Poller instance.
type Server struct {
	cfg ServerConfig

	listener *plainSocket
	// listenAddr is the concrete address the listener was first bound
	// to (resolving any ephemeral ":0" port in cfg.ListenAddress), so a
	// later reopenListener re-binds to the same port rather than a
	// fresh ephemeral one.
	listenAddr string
	tlsConf    *tls.Config

	p *poller.Poller

	connections map[uint64]*Connection
	fdToID      map[int]uint64

	// closedConnections defers table removal until right after the
	// current poll() cycle returns, so in-flight Action closures that
	// still reference a just-dropped Connection through this call
	// stay valid for the whole cycle, per spec.md §5/§9.
	closedConnections map[uint64]struct{}

	lastConnectionID uint64

	// active mirrors spec.md §3's Server-level field exactly: whether
	// the listener is currently registered with the poller. It goes
	// false the instant capacity is reached and the listener is closed,
	// independent of whether the server as a whole is still running.
	active bool
	// running gates Loop and the GC pass's listener reopen, and is only
	// ever cleared by Stop.
	running bool

	onOpen    OpenCallback
	onMessage MessageCallback
	onClose   CloseCallback

	metrics *perf.Metrics
	log     *mlog.Logger
}

// New builds a Server bound and listening on cfg.ListenAddress. The
// listener is registered for accept readiness immediately; nothing is
// accepted until the first call to LoopOnce or Loop.
func New(cfg ServerConfig, log *mlog.Logger, opts ...Option) (*Server, error) {
	cfg.SetDefaults()
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	if log == nil {
		return nil, fmt.Errorf("log must not be nil")
	}

	listener, err := newListenerSocket(cfg.ListenAddress, cfg.ReadChunkBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener: %w", err)
	}

	p, err := poller.New()
	if err != nil {
		listener.close()
		return nil, fmt.Errorf("failed to create poller: %w", err)
	}

	s := &Server{
		cfg:                cfg,
		listener:           listener,
		listenAddr:         listener.localAddr(),
		p:                  p,
		connections:        make(map[uint64]*Connection),
		fdToID:             make(map[int]uint64),
		closedConnections:  make(map[uint64]struct{}),
		active:             true,
		running:            true,
		log:                log,
		metrics:            perf.NewMetrics("wsd", nil),
	}

	for _, opt := range opts {
		if err := opt(s); err != nil {
			p.Close()
			listener.close()
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.TLS.Enable {
		tlsConf, err := cfg.TLS.tlsConfig()
		if err != nil {
			p.Close()
			listener.close()
			return nil, fmt.Errorf("failed to build tls config: %w", err)
		}
		s.tlsConf = tlsConf
	}

	if err := p.Add(poller.Action{
		FD:        listener.fd(),
		Direction: poller.In,
		Guard:     s.acceptGuard,
		Callback:  s.acceptAction,
	}); err != nil {
		p.Close()
		listener.close()
		return nil, fmt.Errorf("failed to register listener: %w", err)
	}

	return s, nil
}

// Addr reports the address the listener is actually bound to, which
// matters when ServerConfig.ListenAddress requested an ephemeral port.
// It remains valid even while the listener is momentarily closed
// between a capacity-triggered close and the next reopen.
func (s *Server) Addr() string { return s.listenAddr }

func (s *Server) SetOpenCallback(cb OpenCallback)       { s.onOpen = cb }
func (s *Server) SetMessageCallback(cb MessageCallback) { s.onMessage = cb }
func (s *Server) SetCloseCallback(cb CloseCallback)     { s.onClose = cb }

// acceptGuard reports whether the listener's accept Action is armed.
// Per spec.md §4.3.1 the guard is trivially true while the Action
// remains registered; the listener is unregistered outright (not just
// left unarmed) the instant capacity is reached.
func (s *Server) acceptGuard() bool {
	return s.active
}

// acceptAction accepts exactly one pending connection per firing.
// Level-triggered epoll keeps the listener fd marked readable for as
// long as backlog remains, so a further accept happens on the next
// LoopOnce rather than looping here.
func (s *Server) acceptAction() poller.ResultType {
	raw, err := s.listener.accept()
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return poller.Continue
		}
		s.log.Error("failed to accept connection", mlog.Err(err))
		return poller.Continue
	}

	var sock socket = raw
	if s.tlsConf != nil {
		sock = newTLSSocket(raw, s.tlsConf)
	}

	s.lastConnectionID++
	id := s.lastConnectionID

	conn := newConnection(id, sock, s.log)
	s.connections[id] = conn
	s.fdToID[sock.fd()] = id

	if err := s.p.Add(poller.Action{
		FD:        sock.fd(),
		Direction: poller.In,
		Guard:     func() bool { return conn.state != Closed },
		Callback:  func() poller.ResultType { return s.readAction(id) },
	}); err != nil {
		s.log.Error("failed to register connection for reading", mlog.Err(err))
		s.dropConnection(id)
		return poller.Continue
	}

	if err := s.p.Add(poller.Action{
		FD:        sock.fd(),
		Direction: poller.Out,
		Guard:     func() bool { return conn.state != Closed && conn.dataToSend() },
		Callback:  func() poller.ResultType { return s.writeAction(id) },
	}); err != nil {
		s.log.Error("failed to register connection for writing", mlog.Err(err))
		s.dropConnection(id)
		return poller.Continue
	}

	if s.metrics != nil {
		s.metrics.IncWSConnections()
	}

	// Per spec.md §4.3.1 step 4: once capacity is reached, the listener
	// itself is closed (not merely left unarmed) and the server stops
	// accepting until the GC pass re-opens it below threshold.
	if len(s.connections) >= MaxConnectionNum {
		s.log.Debug("capacity reached, closing listener", mlog.Err(ErrCapacityReached))
		_ = s.listener.close()
		s.active = false
		return poller.CancelAll
	}

	return poller.Continue
}

// reopenListener re-binds a fresh listener socket on the same concrete
// address the server originally bound (not a freshly-resolved
// ephemeral port) and re-registers the accept Action, per spec.md §4.3
// loop_once's "if active=false and |connections|<60, re-arm the
// listener".
func (s *Server) reopenListener() {
	listener, err := newListenerSocket(s.listenAddr, s.cfg.ReadChunkBytes)
	if err != nil {
		s.log.Error("failed to reopen listener", mlog.Err(err))
		return
	}

	if err := s.p.Add(poller.Action{
		FD:        listener.fd(),
		Direction: poller.In,
		Guard:     s.acceptGuard,
		Callback:  s.acceptAction,
	}); err != nil {
		s.log.Error("failed to re-register listener", mlog.Err(err))
		_ = listener.close()
		return
	}

	s.listener = listener
	s.active = true
}

// readAction handles readable readiness on a connection's fd: it
// drives the handshake to completion, then dispatches application
// messages once Connected, per spec.md §4.3.2.
func (s *Server) readAction(id uint64) poller.ResultType {
	conn, ok := s.connections[id]
	if !ok {
		return poller.CancelAll
	}

	b, err := conn.sock.read()
	if err != nil {
		if err == errEOF {
			s.dropConnection(id)
			return poller.CancelAll
		}
		s.log.Error("connection read failed", mlog.String("trace_id", conn.traceID), mlog.Err(err))
		s.dropConnection(id)
		return poller.CancelAll
	}
	if len(b) == 0 {
		return poller.Continue
	}

	switch conn.state {
	case Connecting:
		return s.handleHandshakeBytes(conn, b)
	case Connected:
		return s.handleMessageBytes(conn, b)
	case Closing:
		// Parse errors while the peer is still sending after we began
		// closing are logged and ignored rather than treated as fatal.
		if _, err := conn.readMessages(b); err != nil {
			s.log.Debug("ignoring parse error while closing", mlog.String("trace_id", conn.traceID), mlog.Err(err))
		}
		return poller.Continue
	default:
		return poller.Continue
	}
}

func (s *Server) handleHandshakeBytes(conn *Connection, b []byte) poller.ResultType {
	_, response, accepted, err := conn.readHandshake(b)
	if err != nil {
		conn.enqueue(response)
		if s.metrics != nil {
			s.metrics.IncWSHandshakeRejection("parse_error")
		}
		// Known, preserved behavior: the rejection response is queued
		// but the connection is torn down in the same step, before a
		// writable-readiness callback ever gets a chance to flush it,
		// so the peer never actually receives these bytes.
		s.dropConnection(conn.id)
		return poller.CancelAll
	}
	if response == nil {
		// Not enough bytes buffered yet for a complete request.
		return poller.Continue
	}

	conn.enqueue(response)
	if !accepted {
		if s.metrics != nil {
			s.metrics.IncWSHandshakeRejection("rejected")
		}
		s.dropConnection(conn.id)
		return poller.CancelAll
	}

	conn.state = Connected
	if s.onOpen != nil {
		s.onOpen(conn)
	}
	return poller.Continue
}

func (s *Server) handleMessageBytes(conn *Connection, b []byte) poller.ResultType {
	msgs, err := conn.readMessages(b)
	for _, msg := range msgs {
		if s.metrics != nil {
			s.metrics.IncWSMessages(fmt.Sprintf("%d", msg.Type()), "in")
		}
		switch msg.Type() {
		case CloseMessage:
			conn.enqueue(newCloseFrame(msg.Payload()).ToBytes())
			conn.state = Closing
		case PingMessage:
			conn.enqueue(newPongFrame().ToBytes())
		case PongMessage:
			// Ignored, per spec.md §4.3.2.
		default:
			if s.onMessage != nil {
				s.onMessage(conn, msg)
			}
		}
	}
	if err != nil {
		s.log.Error("connection message parse failed", mlog.String("trace_id", conn.traceID), mlog.Err(err))
		s.dropConnection(conn.id)
		return poller.CancelAll
	}
	if conn.state == Closing && !conn.dataToSend() {
		s.dropConnection(conn.id)
		return poller.CancelAll
	}
	return poller.Continue
}

// writeAction handles writable readiness: it drains whatever is
// currently queued and, if the connection was only waiting on that
// drain to finish closing, tears it down.
func (s *Server) writeAction(id uint64) poller.ResultType {
	conn, ok := s.connections[id]
	if !ok {
		return poller.CancelAll
	}

	if err := conn.flush(); err != nil {
		s.log.Error("connection write failed", mlog.String("trace_id", conn.traceID), mlog.Err(err))
		s.dropConnection(id)
		return poller.CancelAll
	}

	if conn.state == Closing && !conn.dataToSend() {
		s.dropConnection(id)
		return poller.CancelAll
	}
	return poller.Continue
}

// dropConnection transitions a connection to Closed, fires onClose
// synchronously, closes its socket and marks it for removal from the
// table at the end of the current poll cycle (the GC pass).
//
// onClose fires unconditionally, regardless of which state the
// connection was dropped from: per spec.md §4.3.4, drop_connection
// invokes on_close(id) whenever id is present, and Scenario S2
// requires on_close to fire for a connection rejected during the
// handshake (on_open never having fired for it at all).
func (s *Server) dropConnection(id uint64) {
	conn, ok := s.connections[id]
	if !ok {
		return
	}
	if conn.state == Closed {
		return
	}

	conn.state = Closed

	if s.onClose != nil {
		s.onClose(conn)
	}

	s.p.Remove(conn.sock.fd())
	delete(s.fdToID, conn.sock.fd())
	_ = conn.sock.close()

	s.closedConnections[id] = struct{}{}

	if s.metrics != nil {
		s.metrics.DecWSConnections()
	}
}

// gc removes every connection dropped during the poll cycle that just
// finished, once no Action closure from that cycle can still be
// holding a reference to it, then re-arms the listener if capacity had
// previously forced it closed and there is now room again.
func (s *Server) gc() {
	if len(s.closedConnections) > 0 {
		for id := range s.closedConnections {
			delete(s.connections, id)
		}
		s.closedConnections = make(map[uint64]struct{})
	}

	if s.running && !s.active && len(s.connections) < MaxConnectionNum {
		s.reopenListener()
	}
}

// QueueFrame enqueues a frame for sending on connection id. It
// returns ErrNotConnected if the connection is not in state Connected
// and ErrConnectionNotFound if id does not exist.
func (s *Server) QueueFrame(id uint64, frame WSFrame) error {
	conn, ok := s.connections[id]
	if !ok {
		return ErrConnectionNotFound
	}
	if conn.state != Connected {
		return ErrNotConnected
	}
	conn.enqueue(frame.ToBytes())
	if s.metrics != nil {
		s.metrics.IncWSFrames(fmt.Sprintf("%d", frame.OpCode), "out")
	}
	return nil
}

// CloseConnection begins an orderly close: a close frame is queued
// and the connection moves to Closing, to be torn down once the
// buffer has drained (or immediately, if it already has).
func (s *Server) CloseConnection(id uint64) error {
	conn, ok := s.connections[id]
	if !ok {
		return ErrConnectionNotFound
	}
	if conn.state != Connected {
		return ErrNotConnected
	}

	conn.state = Closing
	conn.enqueue(newCloseFrame(nil).ToBytes())
	if !conn.dataToSend() {
		s.dropConnection(id)
	}
	return nil
}

// ClearBuffer discards every byte currently queued for id without
// sending it.
func (s *Server) ClearBuffer(id uint64) error {
	conn, ok := s.connections[id]
	if !ok {
		return ErrConnectionNotFound
	}
	conn.clearBuffer()
	return nil
}

// PeerAddr reports the remote address of connection id.
func (s *Server) PeerAddr(id uint64) (string, error) {
	conn, ok := s.connections[id]
	if !ok {
		return "", ErrConnectionNotFound
	}
	return conn.PeerAddr(), nil
}

// BufferBytes reports how many outbound bytes are still queued for
// connection id.
func (s *Server) BufferBytes(id uint64) (int, error) {
	conn, ok := s.connections[id]
	if !ok {
		return 0, ErrConnectionNotFound
	}
	return conn.bufferBytes(), nil
}

// LoopOnce runs exactly one poll cycle: it blocks until readiness (or
// the configured timeout) fires any number of Actions, then performs
// the deferred GC pass.
func (s *Server) LoopOnce() (poller.Result, error) {
	result, err := s.p.Poll(s.cfg.PollTimeoutMillis)
	s.gc()
	return result, err
}

// Loop calls LoopOnce until the server is stopped or a poll cycle
// reports Exit.
func (s *Server) Loop() error {
	for s.running {
		result, err := s.LoopOnce()
		if err != nil {
			return err
		}
		if result.Kind == poller.ExitKind {
			return nil
		}
	}
	return nil
}

// Stop shuts the server down entirely: every connection is dropped,
// the listener (if still open) is closed, and Loop returns once the
// current cycle completes.
func (s *Server) Stop() {
	s.running = false
	for id := range s.connections {
		s.dropConnection(id)
	}
	s.gc()
	if s.active {
		_ = s.listener.close()
		s.active = false
	}
	_ = s.p.Close()
}
