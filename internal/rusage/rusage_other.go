// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

//go:build !unix

package rusage

import (
	"errors"
	"time"
)

// Supported indicates sample is implemented.
const Supported = false

func sample() (time.Duration, error) {
	return 0, errors.New("rusage: unsupported platform")
}
