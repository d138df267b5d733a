// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"errors"
)

// socket is the uniform surface the Connection drives, regardless of
// whether the underlying transport is plain TCP or TLS-wrapped. The
// two implementations differ in their write policy (plainSocket
// truncates a partial write in place; tlsSocket hands whole chunks to
// crypto/tls, which performs its own internal buffering) and in how a
// "no data yet" read is distinguished from a true EOF, per
// DESIGN.md's note on the TLS read contract.
type socket interface {
	// read returns whatever bytes are currently available. err == errEOF
	// means the peer closed the connection. A nil error with zero bytes
	// means "nothing to deliver yet" (the plain variant returns it when
	// the kernel reports EAGAIN; the TLS variant also returns it while
	// no complete decrypted record or handshake step is available); the
	// caller must not treat that as EOF.
	read() ([]byte, error)
	// write attempts to send p and returns the number of bytes actually
	// accepted. For the plain variant this may be less than len(p); for
	// the TLS variant it is always 0 or len(p) (see tlsSocket.write).
	write(p []byte) (int, error)
	fd() int
	peerAddr() string
	close() error
	// bufferedBytes reports bytes the socket itself is holding onto
	// beyond the Connection's own send_buffer (TLS ciphertext queue).
	// Always 0 for the plain variant.
	bufferedBytes() int
	// clearBuffer discards any socket-internal queued bytes. No-op for
	// the plain variant.
	clearBuffer()
}

// errEOF is returned by read() to signal a clean peer close: zero
// bytes read with no underlying error, per spec.md §4.4.
var errEOF = errors.New("ws: connection closed by peer")
