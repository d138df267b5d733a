// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// rawNetConn adapts a plainSocket's raw, non-blocking fd to the
// net.Conn interface crypto/tls requires. Reads go straight to the
// socket and surface "would block" as a net.Error with Timeout()==true
// (crypto/tls treats that as "try again", never as a broken
// connection). Writes never block: they are appended to an in-memory
// ciphertext queue that tlsSocket.flush drains opportunistically,
// mirroring the "whole chunks handed to the TLS engine's own queue"
// contract from spec.md §3/§4.2 without requiring crypto/tls to
// tolerate a genuinely partial Write (which, per its docs, would leave
// the *tls.Conn unusable).
type rawNetConn struct {
	sock   *plainSocket
	outBuf []byte
}

type wouldBlockErr struct{}

func (wouldBlockErr) Error() string   { return "ws: tls i/o would block" }
func (wouldBlockErr) Timeout() bool   { return true }
func (wouldBlockErr) Temporary() bool { return true }

func (c *rawNetConn) Read(b []byte) (int, error) {
	n, err := rawRead(c.sock.sockFD, b)
	if err != nil {
		if errors.Is(err, errEOF) {
			return 0, io.EOF
		}
		return 0, err
	}
	return n, nil
}

func (c *rawNetConn) Write(b []byte) (int, error) {
	c.outBuf = append(c.outBuf, b...)
	return len(b), nil
}

func (c *rawNetConn) Close() error                    { return c.sock.close() }
func (c *rawNetConn) LocalAddr() net.Addr              { return addrString("") }
func (c *rawNetConn) RemoteAddr() net.Addr             { return addrString(c.sock.peerAddr()) }
func (c *rawNetConn) SetDeadline(time.Time) error      { return nil }
func (c *rawNetConn) SetReadDeadline(time.Time) error  { return nil }
func (c *rawNetConn) SetWriteDeadline(time.Time) error { return nil }

type addrString string

func (a addrString) Network() string { return "tcp" }
func (a addrString) String() string  { return string(a) }

// tlsSocket is the TLS-wrapped Socket variant. The TLS handshake
// itself progresses asynchronously across successive readiness events
// on the same fd, exactly as spec.md §3 describes for "the TLS variant
// wraps and calls accept on the TLS socket".
type tlsSocket struct {
	raw           *plainSocket
	conn          *rawNetConn
	tlsConn       *tls.Conn
	handshakeDone bool
}

func newTLSSocket(raw *plainSocket, cfg *tls.Config) *tlsSocket {
	conn := &rawNetConn{sock: raw}
	return &tlsSocket{
		raw:     raw,
		conn:    conn,
		tlsConn: tls.Server(conn, cfg),
	}
}

// accept drives the TLS handshake one step. It returns (true, nil)
// once the handshake has completed, (false, nil) if it needs more
// readiness events to progress, and a non-nil error for a genuine TLS
// failure.
func (s *tlsSocket) accept() (bool, error) {
	if s.handshakeDone {
		return true, nil
	}
	err := s.tlsConn.Handshake()
	s.flush()
	if err == nil {
		s.handshakeDone = true
		return true, nil
	}
	if isWouldBlock(err) {
		return false, nil
	}
	return false, fmt.Errorf("tls handshake failed: %w", err)
}

func (s *tlsSocket) read() ([]byte, error) {
	if !s.handshakeDone {
		done, err := s.accept()
		if err != nil {
			return nil, err
		}
		if !done {
			return nil, nil
		}
	}

	chunk := s.raw.readChunk
	if chunk <= 0 {
		chunk = readChunkSize
	}
	buf := make([]byte, chunk)
	n, err := s.tlsConn.Read(buf)
	if err != nil {
		if isWouldBlock(err) {
			return nil, nil
		}
		if errors.Is(err, io.EOF) {
			return nil, errEOF
		}
		return nil, fmt.Errorf("tls read failed: %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	return buf[:n], nil
}

// write hands a whole plaintext chunk to the TLS engine. It never
// partially consumes a chunk: it either accepts it in full (n ==
// len(p)) or, if the handshake is still in progress, accepts none of
// it (n == 0) so the caller keeps it queued for the next writable
// readiness.
func (s *tlsSocket) write(p []byte) (int, error) {
	if !s.handshakeDone {
		done, err := s.accept()
		if err != nil {
			return 0, err
		}
		if !done {
			return 0, nil
		}
	}

	if len(p) == 0 {
		return 0, nil
	}

	n, err := s.tlsConn.Write(p)
	s.flush()
	if err != nil {
		return 0, fmt.Errorf("tls write failed: %w", err)
	}
	return n, nil
}

// flush pushes whatever ciphertext crypto/tls has queued in
// conn.outBuf out over the raw, non-blocking fd. A short raw write
// simply leaves the remainder queued for the next writable readiness.
func (s *tlsSocket) flush() {
	if len(s.conn.outBuf) == 0 {
		return
	}
	n, err := rawWrite(s.raw.sockFD, s.conn.outBuf)
	if err != nil {
		return
	}
	s.conn.outBuf = s.conn.outBuf[n:]
}

func (s *tlsSocket) fd() int { return s.raw.fd() }

func (s *tlsSocket) peerAddr() string { return s.raw.peerAddr() }

func (s *tlsSocket) close() error { return s.raw.close() }

func (s *tlsSocket) bufferedBytes() int { return len(s.conn.outBuf) }

func (s *tlsSocket) clearBuffer() { s.conn.outBuf = nil }

func isWouldBlock(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
