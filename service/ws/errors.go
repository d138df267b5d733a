// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import "errors"

var (
	// ErrConnectionNotFound is returned when an operation references a
	// connection id that is not (or no longer) present in the table.
	ErrConnectionNotFound = errors.New("ws: connection not found")
	// ErrNotConnected is returned by operations that require state
	// Connected (QueueFrame, CloseConnection) when the connection is in
	// any other state.
	ErrNotConnected = errors.New("ws: connection is not in state Connected")
	// ErrCapacityReached is logged by the accept action when the
	// connection table reaches MaxConnectionNum and the listener is
	// closed.
	ErrCapacityReached = errors.New("ws: max connection count reached")
)
