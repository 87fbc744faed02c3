// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build unix && !linux

package taskmaster

import (
	"time"

	"golang.org/x/sys/unix"
)

// poller multiplexes fd readiness using poll(2), rebuilding the descriptor
// set from the interest map on every wait, in the manner of select(2).
type poller struct {
	interest map[int]IOEvents
	fds      []unix.PollFd
	closed   bool
}

func (p *poller) init() error {
	if p.closed {
		return ErrPollerClosed
	}
	p.interest = make(map[int]IOEvents)
	return nil
}

func (p *poller) close() error {
	p.closed = true
	p.interest = nil
	p.fds = nil
	return nil
}

func (p *poller) set(fd int, events IOEvents) error {
	if p.closed {
		return ErrPollerClosed
	}
	if fd < 0 {
		return ErrFDOutOfRange
	}
	if events == 0 {
		delete(p.interest, fd)
	} else {
		p.interest[fd] = events
	}
	return nil
}

func (p *poller) wait(timeout time.Duration, fn func(fd int, events IOEvents)) (int, error) {
	if p.closed {
		return 0, ErrPollerClosed
	}

	p.fds = p.fds[:0]
	for fd, events := range p.interest {
		var ev int16
		if events&EventRead != 0 {
			ev |= unix.POLLIN
		}
		if events&EventWrite != 0 {
			ev |= unix.POLLOUT
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: ev})
	}

	n, err := unix.Poll(p.fds, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, errInterrupted
		}
		return 0, err
	}

	for i := range p.fds {
		if p.fds[i].Revents != 0 {
			fn(int(p.fds[i].Fd), pollToEvents(p.fds[i].Revents))
		}
	}

	return n, nil
}

func pollToEvents(revents int16) IOEvents {
	var events IOEvents
	if revents&unix.POLLIN != 0 {
		events |= EventRead
	}
	if revents&unix.POLLOUT != 0 {
		events |= EventWrite
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
		events |= EventError
	}
	if revents&unix.POLLHUP != 0 {
		events |= EventHangup
	}
	return events
}
