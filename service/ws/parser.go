// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gobwas/ws"
)

// handshakeParser accumulates raw bytes read off a non-blocking socket
// until a complete HTTP request (request line + headers + the
// terminating blank line) is available. One handshakeParser lives for
// the Connecting portion of a Connection's lifetime only.
type handshakeParser struct {
	buf []byte
}

func (p *handshakeParser) feed(b []byte) {
	p.buf = append(p.buf, b...)
}

// tryParse returns (req, true, nil) once a full request has been
// buffered, (nil, false, nil) if more bytes are still needed, and a
// non-nil error if the buffered bytes are not a valid HTTP request.
func (p *handshakeParser) tryParse() (*http.Request, bool, error) {
	end := handshakeHeaderEnd(p.buf)
	if end == -1 {
		return nil, false, nil
	}
	req, err := parseHandshakeRequest(p.buf[:end])
	if err != nil {
		return nil, true, err
	}
	return req, true, nil
}

// countingReader wraps a bytes.Reader and tracks how many bytes have
// been consumed from it, since gobwas/ws's header codec works over an
// io.Reader and does not otherwise report its own header size.
type countingReader struct {
	r *bytes.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

// messageParser assembles complete WSMessage values out of a stream
// of raw bytes, handling RFC 6455 fragmentation: a message's type is
// fixed by the first (non-continuation) frame, subsequent
// OpContinuation frames append to it until one arrives with Fin set,
// and control frames (Close/Ping/Pong) may be interleaved in between
// and are delivered as their own single-frame messages, per the
// framing rules gobwas/ws exposes as raw Header/payload pairs rather
// than owning reassembly itself.
type messageParser struct {
	buf []byte

	fragmenting bool
	fragType    OpCode
	fragPayload []byte
}

func (p *messageParser) feed(b []byte) {
	p.buf = append(p.buf, b...)
}

// next extracts and returns the next complete WSMessage buffered so
// far. It returns (nil, nil) when no full message is available yet
// and the parser should wait for more bytes from the socket.
func (p *messageParser) next() (*WSMessage, error) {
	for {
		header, payload, consumed, ok, err := p.tryReadFrame()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		p.buf = p.buf[consumed:]

		if isControlOpCode(header.OpCode) {
			return &WSMessage{
				msgType: messageTypeFromOpCode(header.OpCode),
				payload: payload,
			}, nil
		}

		if header.OpCode != ws.OpContinuation {
			p.fragmenting = true
			p.fragType = header.OpCode
			p.fragPayload = append([]byte(nil), payload...)
		} else {
			if !p.fragmenting {
				return nil, errors.New("ws: continuation frame received without a preceding start frame")
			}
			p.fragPayload = append(p.fragPayload, payload...)
		}

		if header.Fin {
			msg := &WSMessage{
				msgType: messageTypeFromOpCode(p.fragType),
				payload: p.fragPayload,
			}
			p.fragmenting = false
			p.fragType = 0
			p.fragPayload = nil
			return msg, nil
		}
		// Not final: loop to see whether another buffered frame (a
		// continuation, or an interleaved control frame) is already
		// available without waiting on the socket again.
	}
}

func isControlOpCode(op OpCode) bool {
	return op == ws.OpClose || op == ws.OpPing || op == ws.OpPong
}

// tryReadFrame parses a single frame header + payload out of the
// front of p.buf without consuming p.buf itself (the caller does
// that once it knows how many bytes were used). ok is false when the
// buffer does not yet hold a complete frame.
func (p *messageParser) tryReadFrame() (ws.Header, []byte, int, bool, error) {
	cr := &countingReader{r: bytes.NewReader(p.buf)}
	header, err := ws.ReadHeader(cr)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ws.Header{}, nil, 0, false, nil
		}
		return ws.Header{}, nil, 0, false, fmt.Errorf("failed to read frame header: %w", err)
	}

	headerLen := cr.n
	total := headerLen + int(header.Length)
	if len(p.buf) < total {
		return ws.Header{}, nil, 0, false, nil
	}

	payload := make([]byte, header.Length)
	copy(payload, p.buf[headerLen:total])
	if header.Masked {
		ws.Cipher(payload, header.Mask, 0)
	}

	return header, payload, total, true, nil
}
