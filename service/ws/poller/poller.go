// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

// Package poller implements the readiness-driven multiplexer the
// WebSocket server blocks in. It is a thin wrapper around Linux epoll,
// chosen over spawning a goroutine per socket so that a single OS
// thread can fairly service many connections without per-connection
// stacks or scheduler contention.
package poller

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Direction is the readiness an Action is interested in.
type Direction int

const (
	In Direction = iota
	Out
)

// ResultType is returned by an Action's callback and tells the Poller
// how to proceed after the callback runs.
type ResultType int

const (
	// Continue leaves the Action (and any sibling Action on the same
	// fd) registered.
	Continue ResultType = iota
	// Exit stops the poll loop; Poll returns immediately with Result{Kind: ExitKind}.
	Exit
	// CancelAll unregisters every Action (both directions) for the fd
	// the firing Action belongs to.
	CancelAll
)

// Action is a (fd, direction, guard, callback) tuple. Guard is
// evaluated at the start of every Poll call; only Actions whose guard
// currently returns true are armed for that cycle.
type Action struct {
	FD        int
	Direction Direction
	Guard     func() bool
	Callback  func() ResultType
}

// ResultKind classifies the outcome of a single Poll call.
type ResultKind int

const (
	Success ResultKind = iota
	ExitKind
	TimeoutKind
)

// Result is returned by Poll.
type Result struct {
	Kind       ResultKind
	ExitStatus int
}

type fdActions struct {
	in  *Action
	out *Action
}

// Poller multiplexes readiness across registered file descriptors.
type Poller struct {
	epfd    int
	actions map[int]*fdActions
}

// New creates a Poller backed by a fresh epoll instance.
func New() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("poller: failed to create epoll instance: %w", err)
	}
	return &Poller{
		epfd:    epfd,
		actions: make(map[int]*fdActions),
	}, nil
}

// Add registers an Action. A fd may have at most one In and one Out
// Action registered at a time; registering a second Action for the
// same (fd, direction) pair replaces the first.
func (p *Poller) Add(a Action) error {
	fa, ok := p.actions[a.FD]
	if !ok {
		fa = &fdActions{}
		p.actions[a.FD] = fa
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, a.FD, &unix.EpollEvent{Fd: int32(a.FD)}); err != nil {
			delete(p.actions, a.FD)
			return fmt.Errorf("poller: failed to add fd %d: %w", a.FD, err)
		}
	}

	act := a
	if a.Direction == In {
		fa.in = &act
	} else {
		fa.out = &act
	}
	return nil
}

// Remove unregisters both directions of the given fd, if present.
func (p *Poller) Remove(fd int) {
	if _, ok := p.actions[fd]; !ok {
		return
	}
	_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	delete(p.actions, fd)
}

// Poll blocks (timeoutMillis == -1 waits indefinitely) until at least
// one armed Action is ready, runs the matching callbacks to
// completion in order, and returns the aggregate Result.
func (p *Poller) Poll(timeoutMillis int) (Result, error) {
	if len(p.actions) == 0 {
		return Result{Kind: TimeoutKind}, nil
	}

	for fd, fa := range p.actions {
		var mask uint32
		if fa.in != nil && fa.in.Guard() {
			mask |= unix.EPOLLIN
		}
		if fa.out != nil && fa.out.Guard() {
			mask |= unix.EPOLLOUT
		}
		ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
		if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
			return Result{}, fmt.Errorf("poller: failed to arm fd %d: %w", fd, err)
		}
	}

	events := make([]unix.EpollEvent, len(p.actions))
	n, err := unix.EpollWait(p.epfd, events, timeoutMillis)
	if err != nil {
		if err == unix.EINTR {
			return Result{Kind: TimeoutKind}, nil
		}
		return Result{}, fmt.Errorf("poller: epoll_wait failed: %w", err)
	}
	if n == 0 {
		return Result{Kind: TimeoutKind}, nil
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		fa, ok := p.actions[fd]
		if !ok {
			continue
		}

		if events[i].Events&unix.EPOLLIN != 0 && fa.in != nil {
			switch fa.in.Callback() {
			case Exit:
				return Result{Kind: ExitKind}, nil
			case CancelAll:
				p.Remove(fd)
				continue
			}
		}

		// fa may have been removed by the In callback above.
		fa, ok = p.actions[fd]
		if !ok {
			continue
		}

		if events[i].Events&unix.EPOLLOUT != 0 && fa.out != nil {
			switch fa.out.Callback() {
			case Exit:
				return Result{Kind: ExitKind}, nil
			case CancelAll:
				p.Remove(fd)
			}
		}
	}

	return Result{Kind: Success}, nil
}

// Close releases the underlying epoll fd.
func (p *Poller) Close() error {
	return unix.Close(p.epfd)
}
