// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package ws

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// readChunkSize is the fallback read buffer size used when a socket
// was never given a configured ServerConfig.ReadChunkBytes value (e.g.
// constructed directly in a test).
const readChunkSize = 64 * 1024

// plainSocket is a non-blocking TCP socket driven directly through
// golang.org/x/sys/unix, rather than net.Conn, so that its fd can be
// registered with the poller package's epoll instance without fighting
// the Go runtime's own netpoller integration.
type plainSocket struct {
	sockFD int
	peer   string

	// readChunk bounds a single non-blocking read syscall. Inherited
	// from the listener by every socket accept() produces, per
	// ServerConfig.ReadChunkBytes.
	readChunk int
}

func newListenerSocket(addr string, readChunk int) (*plainSocket, error) {
	sa, err := resolveSockaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve listen address: %w", err)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set SO_REUSEPORT: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind: %w", err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	return &plainSocket{sockFD: fd, readChunk: readChunk}, nil
}

// accept accepts one pending connection, inheriting the listener's
// non-blocking mode and configured read chunk size.
func (s *plainSocket) accept() (*plainSocket, error) {
	nfd, sa, err := unix.Accept4(s.sockFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &plainSocket{sockFD: nfd, peer: sockaddrString(sa), readChunk: s.readChunk}, nil
}

// rawRead performs a single non-blocking read syscall. It returns a
// *wouldBlockErr when the kernel has nothing available yet ("try
// later"), and errEOF when the peer closed the connection cleanly.
func rawRead(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, &wouldBlockErr{}
		}
		return 0, fmt.Errorf("read failed: %w", err)
	}
	if n == 0 {
		return 0, errEOF
	}
	return n, nil
}

// rawWrite performs a single non-blocking write syscall, returning the
// number of bytes the kernel actually accepted (possibly 0 on EAGAIN,
// never treated as an error).
func rawWrite(fd int, p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	n, err := unix.Write(fd, p)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, fmt.Errorf("write failed: %w", err)
	}
	return n, nil
}

func (s *plainSocket) read() ([]byte, error) {
	chunk := s.readChunk
	if chunk <= 0 {
		chunk = readChunkSize
	}
	buf := make([]byte, chunk)
	n, err := rawRead(s.sockFD, buf)
	if err != nil {
		if errors.Is(err, errEOF) {
			return nil, errEOF
		}
		var wb *wouldBlockErr
		if errors.As(err, &wb) {
			return nil, nil
		}
		return nil, err
	}
	return buf[:n], nil
}

// write attempts a single non-blocking write and returns the number of
// bytes actually accepted by the kernel. It never blocks and never
// retries: per spec.md §4.2, a short write is not an error, the
// remaining bytes stay at the head of send_buffer for the next
// writable readiness.
func (s *plainSocket) write(p []byte) (int, error) {
	return rawWrite(s.sockFD, p)
}

func (s *plainSocket) fd() int { return s.sockFD }

func (s *plainSocket) peerAddr() string {
	if s.peer != "" {
		return s.peer
	}
	sa, err := unix.Getpeername(s.sockFD)
	if err != nil {
		return ""
	}
	s.peer = sockaddrString(sa)
	return s.peer
}

func (s *plainSocket) close() error {
	return unix.Close(s.sockFD)
}

// localAddr reports the address a listener socket is actually bound
// to, which matters when ServerConfig.ListenAddress requests an
// ephemeral port (":0").
func (s *plainSocket) localAddr() string {
	sa, err := unix.Getsockname(s.sockFD)
	if err != nil {
		return ""
	}
	return sockaddrString(sa)
}

func (s *plainSocket) bufferedBytes() int { return 0 }

func (s *plainSocket) clearBuffer() {}

func resolveSockaddr(addr string) (unix.Sockaddr, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, err
	}
	var ip [4]byte
	if tcpAddr.IP != nil {
		copy(ip[:], tcpAddr.IP.To4())
	}
	return &unix.SockaddrInet4{Port: tcpAddr.Port, Addr: ip}, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("%s:%d", ip.String(), a.Port)
	case *unix.SockaddrInet6:
		ip := net.IP(a.Addr[:])
		return fmt.Sprintf("[%s]:%d", ip.String(), a.Port)
	default:
		return ""
	}
}
