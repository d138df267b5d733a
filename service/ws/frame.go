// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"bytes"

	"github.com/gobwas/ws"
)

// OpCode mirrors the RFC 6455 frame opcodes this server cares about.
// It is a thin alias over gobwas/ws.OpCode so callers never need to
// import that package directly.
type OpCode = ws.OpCode

const (
	OpContinuation = ws.OpContinuation
	OpText         = ws.OpText
	OpBinary       = ws.OpBinary
	OpClose        = ws.OpClose
	OpPing         = ws.OpPing
	OpPong         = ws.OpPong
)

// WSFrame is a single RFC 6455 wire unit: the spec.md §6.4 boundary
// type the server serializes for outgoing frames. Incoming frames are
// not decoded into WSFrame; messageParser reads them as ws.Header plus
// payload and yields WSMessage values. Server-originated frames are
// always unmasked, per spec.md §6.4.
type WSFrame struct {
	Fin     bool
	OpCode  OpCode
	Payload []byte
}

// ToBytes serializes the frame using gobwas/ws's header codec, the
// frame/message parser this spec treats as an external collaborator
// (spec.md §1, §6.4).
func (f WSFrame) ToBytes() []byte {
	h := ws.Header{
		Fin:    f.Fin,
		OpCode: f.OpCode,
		Length: int64(len(f.Payload)),
		Masked: false,
	}
	var buf bytes.Buffer
	buf.Grow(len(f.Payload) + 14)
	_ = ws.WriteHeader(&buf, h)
	buf.Write(f.Payload)
	return buf.Bytes()
}

// MessageType classifies a fully reassembled WSMessage.
type MessageType int

const (
	TextMessage MessageType = iota
	BinaryMessage
	CloseMessage
	PingMessage
	PongMessage
)

func messageTypeFromOpCode(op OpCode) MessageType {
	switch op {
	case OpBinary:
		return BinaryMessage
	case OpClose:
		return CloseMessage
	case OpPing:
		return PingMessage
	case OpPong:
		return PongMessage
	default:
		return TextMessage
	}
}

// WSMessage is one or more frames reassembled by the message parser
// (spec.md GLOSSARY: "a message is one or more frames reassembled by
// the parser"). Defragmentation and unmasking are this parser's
// concern, per spec.md §6.4.
type WSMessage struct {
	msgType MessageType
	payload []byte
}

func (m WSMessage) Type() MessageType { return m.msgType }
func (m WSMessage) Payload() []byte   { return m.payload }

func newCloseFrame(payload []byte) WSFrame {
	return WSFrame{Fin: true, OpCode: OpClose, Payload: payload}
}

func newPongFrame() WSFrame {
	return WSFrame{Fin: true, OpCode: OpPong, Payload: nil}
}
