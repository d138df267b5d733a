// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

// MaxConnectionNum is the hard cap on simultaneously open connections
// a single Server will accept, per spec.md §6.5. The listener is closed
// and its accept Action unregistered once this many connections are in
// the table.
const MaxConnectionNum = 60

// WSMagicString is the RFC 6455 handshake GUID, exported for callers
// that want to verify a Sec-WebSocket-Accept value independently.
const WSMagicString = wsMagicString
