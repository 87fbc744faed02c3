// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmaster

import (
	"time"

	"github.com/joeycumines/go-taskmaster/internal/rusage"
)

// Clock is the wall clock source used for deadlines and accounting.
//
// The default uses time.Now, the result of which carries a monotonic reading.
// Regardless of the implementation, the Master never observes time moving
// backwards, see relativeClock.
type Clock interface {
	Now() time.Time
}

// CPUClock samples the CPU time consumed by the thread dispatching tasks.
// It is an optional capability: with no CPUClock, only wall time is recorded.
type CPUClock interface {
	CPUTime() (time.Duration, error)
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// DefaultCPUClock returns the platform CPU clock, or nil if the platform
// doesn't support resource usage sampling.
func DefaultCPUClock() CPUClock {
	if !rusage.Supported {
		return nil
	}
	return rusage.ThreadClock{}
}

// relativeClock converts Clock readings into offsets from a fixed anchor,
// stabilized so that they never decrease.
type relativeClock struct {
	clock  Clock
	anchor time.Time
	last   time.Duration
}

func newRelativeClock(clock Clock) relativeClock {
	return relativeClock{clock: clock, anchor: clock.Now()}
}

// now updates and returns the current relative time.
func (x *relativeClock) now() time.Duration {
	if d := x.clock.Now().Sub(x.anchor); d > x.last {
		x.last = d
	}
	return x.last
}

// recent returns the relative time as of the last call to now.
func (x *relativeClock) recent() time.Duration { return x.last }

// time converts a relative time back to an absolute one.
func (x *relativeClock) time(d time.Duration) time.Time { return x.anchor.Add(d) }
