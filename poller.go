// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmaster

import (
	"math"
	"time"
)

// IOEvents represents the type of I/O readiness reported by a poller.
type IOEvents uint32

const (
	// EventRead indicates the file descriptor is ready for reading.
	EventRead IOEvents = 1 << iota
	// EventWrite indicates the file descriptor is ready for writing.
	EventWrite
	// EventError indicates an error condition on the file descriptor.
	EventError
	// EventHangup indicates the peer closed its end of the connection.
	EventHangup
)

// readable reports whether a read task should be woken, which, as with
// select(2), includes error and hangup conditions.
func (x IOEvents) readable() bool { return x&(EventRead|EventError|EventHangup) != 0 }

// writable reports whether a write task should be woken.
func (x IOEvents) writable() bool { return x&(EventWrite|EventError|EventHangup) != 0 }

// Note: poller (init, close, set, wait) is implemented in platform-specific
// files:
//   - poller_linux.go (epoll)
//   - poller_unix.go (poll, other unix platforms)

// timeoutMillis converts a wait timeout to milliseconds, rounding up, so
// that a timer is never polled for before it is due. Negative timeouts block
// indefinitely.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	if d == 0 {
		return 0
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
