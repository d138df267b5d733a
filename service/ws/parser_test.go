// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"bytes"
	"testing"

	"github.com/gobwas/ws"
	"github.com/stretchr/testify/require"
)

// maskedFrame builds the raw wire bytes for a single masked client
// frame, since every frame a real client sends is masked per RFC 6455.
func maskedFrame(t *testing.T, fin bool, op ws.OpCode, payload []byte) []byte {
	t.Helper()
	mask := [4]byte{0x11, 0x22, 0x33, 0x44}
	masked := append([]byte(nil), payload...)
	ws.Cipher(masked, mask, 0)

	var buf bytes.Buffer
	h := ws.Header{Fin: fin, OpCode: op, Masked: true, Mask: mask, Length: int64(len(payload))}
	require.NoError(t, ws.WriteHeader(&buf, h))
	buf.Write(masked)
	return buf.Bytes()
}

func TestMessageParserSingleFrame(t *testing.T) {
	p := &messageParser{}
	p.feed(maskedFrame(t, true, ws.OpText, []byte("hello")))

	msg, err := p.next()
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, TextMessage, msg.Type())
	require.Equal(t, "hello", string(msg.Payload()))

	msg, err = p.next()
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestMessageParserWaitsForMoreBytes(t *testing.T) {
	p := &messageParser{}
	full := maskedFrame(t, true, ws.OpText, []byte("hello"))
	p.feed(full[:len(full)-2])

	msg, err := p.next()
	require.NoError(t, err)
	require.Nil(t, msg)

	p.feed(full[len(full)-2:])
	msg, err = p.next()
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, "hello", string(msg.Payload()))
}

func TestMessageParserFragmentation(t *testing.T) {
	p := &messageParser{}
	p.feed(maskedFrame(t, false, ws.OpText, []byte("hel")))
	p.feed(maskedFrame(t, true, ws.OpContinuation, []byte("lo")))

	msg, err := p.next()
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Equal(t, TextMessage, msg.Type())
	require.Equal(t, "hello", string(msg.Payload()))
}

func TestMessageParserControlFrameInterleavedWithFragmentation(t *testing.T) {
	p := &messageParser{}
	p.feed(maskedFrame(t, false, ws.OpText, []byte("hel")))
	p.feed(maskedFrame(t, true, ws.OpPing, nil))
	p.feed(maskedFrame(t, true, ws.OpContinuation, []byte("lo")))

	msg, err := p.next()
	require.NoError(t, err)
	require.Equal(t, PingMessage, msg.Type())

	msg, err = p.next()
	require.NoError(t, err)
	require.Equal(t, TextMessage, msg.Type())
	require.Equal(t, "hello", string(msg.Payload()))
}

func TestMessageParserRejectsOrphanContinuation(t *testing.T) {
	p := &messageParser{}
	p.feed(maskedFrame(t, true, ws.OpContinuation, []byte("x")))

	_, err := p.next()
	require.Error(t, err)
}

func TestHandshakeParserIncremental(t *testing.T) {
	p := &handshakeParser{}
	full := []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")

	p.feed(full[:10])
	_, ok, err := p.tryParse()
	require.NoError(t, err)
	require.False(t, ok)

	p.feed(full[10:])
	req, ok, err := p.tryParse()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "GET", req.Method)
}
