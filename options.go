// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmaster

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	// DefaultYieldTime is the time slot a task may consume before
	// ShouldYield reports true.
	DefaultYieldTime = 10 * time.Millisecond

	// DefaultSlowTaskThreshold is the wall time above which a dispatched
	// task is logged as slow.
	DefaultSlowTaskThreshold = 5 * time.Second
)

// masterOptions holds configuration options for Master creation.
type masterOptions struct {
	logger            *logiface.Logger[logiface.Event]
	clock             Clock
	cpuClock          CPUClock
	yieldTime         time.Duration
	slowTaskThreshold time.Duration
}

// --- Master Options ---

// Option configures a Master instance.
type Option interface {
	applyMaster(*masterOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyMasterFunc func(*masterOptions) error
}

func (o *optionImpl) applyMaster(opts *masterOptions) error {
	return o.applyMasterFunc(opts)
}

// WithLogger sets the structured logger. A nil logger disables logging.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *masterOptions) error {
		opts.logger = logger
		return nil
	}}
}

// WithClock replaces the wall clock, e.g. for testing.
func WithClock(clock Clock) Option {
	return &optionImpl{func(opts *masterOptions) error {
		if clock == nil {
			return errors.New("taskmaster: nil clock")
		}
		opts.clock = clock
		return nil
	}}
}

// WithCPUClock replaces the CPU clock. A nil CPUClock disables CPU time
// accounting; wall time is always recorded.
func WithCPUClock(clock CPUClock) Option {
	return &optionImpl{func(opts *masterOptions) error {
		opts.cpuClock = clock
		return nil
	}}
}

// WithYieldTime sets the default time slot used by ShouldYield.
func WithYieldTime(d time.Duration) Option {
	return &optionImpl{func(opts *masterOptions) error {
		if d <= 0 {
			return errors.New("taskmaster: yield time must be positive")
		}
		opts.yieldTime = d
		return nil
	}}
}

// WithSlowTaskThreshold sets the wall time above which a task is logged as
// slow. A value <= 0 disables the warning.
func WithSlowTaskThreshold(d time.Duration) Option {
	return &optionImpl{func(opts *masterOptions) error {
		opts.slowTaskThreshold = d
		return nil
	}}
}

// resolveOptions applies Option instances to masterOptions.
func resolveOptions(opts []Option) (*masterOptions, error) {
	cfg := &masterOptions{
		clock:             systemClock{},
		cpuClock:          DefaultCPUClock(),
		yieldTime:         DefaultYieldTime,
		slowTaskThreshold: DefaultSlowTaskThreshold,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyMaster(cfg); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}
