// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package poller

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestPollerReadWrite(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fds, err := unixSocketPair(t)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	var received []byte
	done := false

	err = p.Add(Action{
		FD:        fds[0],
		Direction: In,
		Guard:     func() bool { return true },
		Callback: func() ResultType {
			buf := make([]byte, 64)
			n, _ := unix.Read(fds[0], buf)
			received = append(received, buf[:n]...)
			done = true
			return CancelAll
		},
	})
	require.NoError(t, err)

	_, err = unix.Write(fds[1], []byte("hello"))
	require.NoError(t, err)

	result, err := p.Poll(1000)
	require.NoError(t, err)
	require.Equal(t, Success, result.Kind)
	require.True(t, done)
	require.Equal(t, "hello", string(received))
}

func TestPollerTimeout(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fds, err := unixSocketPair(t)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	err = p.Add(Action{
		FD:        fds[0],
		Direction: In,
		Guard:     func() bool { return true },
		Callback:  func() ResultType { return Continue },
	})
	require.NoError(t, err)

	result, err := p.Poll(50)
	require.NoError(t, err)
	require.Equal(t, TimeoutKind, result.Kind)
}

func TestPollerCancelAllRemovesBothDirections(t *testing.T) {
	p, err := New()
	require.NoError(t, err)
	defer p.Close()

	fds, err := unixSocketPair(t)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	outFired := false
	err = p.Add(Action{
		FD:        fds[0],
		Direction: In,
		Guard:     func() bool { return true },
		Callback:  func() ResultType { return CancelAll },
	})
	require.NoError(t, err)
	err = p.Add(Action{
		FD:        fds[0],
		Direction: Out,
		Guard:     func() bool { return true },
		Callback: func() ResultType {
			outFired = true
			return Continue
		},
	})
	require.NoError(t, err)

	_, err = unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	_, err = p.Poll(1000)
	require.NoError(t, err)
	require.Len(t, p.actions, 0)
	require.False(t, outFired)
}

func unixSocketPair(t *testing.T) ([2]int, error) {
	t.Helper()
	return unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
}
