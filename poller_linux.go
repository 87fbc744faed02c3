// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build linux

package taskmaster

import (
	"time"

	"golang.org/x/sys/unix"
)

// poller multiplexes fd readiness using epoll (Linux).
//
// The interest set mirrors the master's read and write collections. It is
// only ever touched from the dispatching goroutine, so no locking is needed.
type poller struct {
	interest map[int]IOEvents
	epfd     int
	eventBuf [256]unix.EpollEvent
	closed   bool
}

// init initializes the epoll instance.
func (p *poller) init() error {
	if p.closed {
		return ErrPollerClosed
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return err
	}
	p.epfd = epfd
	p.interest = make(map[int]IOEvents)
	return nil
}

// close closes the epoll instance.
func (p *poller) close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.interest = nil
	return unix.Close(p.epfd)
}

// set replaces the events monitored for fd, removing it if events is zero.
func (p *poller) set(fd int, events IOEvents) error {
	if p.closed {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}

	old, ok := p.interest[fd]
	switch {
	case events == 0:
		if !ok {
			return nil
		}
		delete(p.interest, fd)
		err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		if err == unix.EBADF || err == unix.ENOENT {
			// already closed, which implicitly removed it
			err = nil
		}
		return err

	case ok && old == events:
		return nil
	}

	ev := unix.EpollEvent{Events: eventsToEpoll(events), Fd: int32(fd)}
	if ok {
		err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
		if err != unix.ENOENT {
			if err == nil {
				p.interest[fd] = events
			} else {
				delete(p.interest, fd)
			}
			return err
		}
		// the fd was closed and reused, since it was added
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		delete(p.interest, fd)
		return err
	}
	p.interest[fd] = events
	return nil
}

// wait blocks for up to timeout (forever, if negative), calling fn for each
// fd reported ready. A wait interrupted by a signal returns errInterrupted.
func (p *poller) wait(timeout time.Duration, fn func(fd int, events IOEvents)) (int, error) {
	if p.closed {
		return 0, ErrPollerClosed
	}

	n, err := unix.EpollWait(p.epfd, p.eventBuf[:], timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, errInterrupted
		}
		return 0, err
	}

	for i := 0; i < n; i++ {
		fn(int(p.eventBuf[i].Fd), epollToEvents(p.eventBuf[i].Events))
	}

	return n, nil
}

// eventsToEpoll converts IOEvents to epoll event flags.
func eventsToEpoll(events IOEvents) uint32 {
	var epollEvents uint32
	if events&EventRead != 0 {
		epollEvents |= unix.EPOLLIN
	}
	if events&EventWrite != 0 {
		epollEvents |= unix.EPOLLOUT
	}
	return epollEvents
}

// epollToEvents converts epoll event flags to IOEvents.
func epollToEvents(epollEvents uint32) IOEvents {
	var events IOEvents
	if epollEvents&unix.EPOLLIN != 0 {
		events |= EventRead
	}
	if epollEvents&unix.EPOLLOUT != 0 {
		events |= EventWrite
	}
	if epollEvents&unix.EPOLLERR != 0 {
		events |= EventError
	}
	if epollEvents&unix.EPOLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
