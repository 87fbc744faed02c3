// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package rusage samples CPU time via getrusage(2), where available.
package rusage

import (
	"time"
)

// ThreadClock reports the CPU time (user + system) consumed by the calling
// thread, on platforms that support per-thread accounting, or by the whole
// process, otherwise. Callers sampling around a unit of work should lock the
// goroutine to its OS thread.
type ThreadClock struct{}

// CPUTime implements the CPU clock capability.
func (ThreadClock) CPUTime() (time.Duration, error) { return sample() }
