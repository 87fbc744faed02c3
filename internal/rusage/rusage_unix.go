// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build unix && !linux

package rusage

import (
	"time"

	"golang.org/x/sys/unix"
)

// Supported indicates sample is implemented.
const Supported = true

// sample falls back to process wide accounting, as there is no portable
// per-thread equivalent.
func sample() (time.Duration, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano()), nil
}
