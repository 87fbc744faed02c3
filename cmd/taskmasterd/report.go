// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package main

import (
	"io"
	"time"

	"github.com/joeycumines/go-taskmaster"
	"github.com/robfig/cron/v3"
)

// reporter periodically writes the Master's CPU stats, on a cron schedule.
// Each firing is armed as a timer task, for the next time the schedule
// matches.
type reporter struct {
	d        *daemonState
	w        io.Writer
	schedule cron.Schedule
	now      func() time.Time
	handle   taskmaster.Handle
	filter   taskmaster.TaskTypeMask
	clear    bool
}

func newReporter(d *daemonState, w io.Writer) *reporter {
	return &reporter{d: d, w: w, now: time.Now}
}

// configure replaces the schedule, re-arming the timer.
func (x *reporter) configure(cfg *ReportConfig) error {
	schedule, err := cfg.schedule()
	if err != nil {
		return err
	}
	filter, err := taskmaster.ParseTaskTypeMask(cfg.Filter)
	if err != nil {
		return err
	}
	x.d.m.Cancel(x.handle)
	x.handle = taskmaster.Handle{}
	x.schedule = schedule
	x.filter = filter
	x.clear = cfg.Clear
	x.arm()
	return nil
}

func (x *reporter) arm() {
	if x.schedule == nil {
		return
	}
	now := x.now()
	next := x.schedule.Next(now)
	if next.IsZero() {
		// the schedule will never match again
		return
	}
	x.handle = x.d.m.AddTimer("report", next.Sub(now), x.fire, x)
}

func (x *reporter) fire(*taskmaster.Task) {
	x.handle = taskmaster.Handle{}
	x.write()
	x.arm()
}

// write emits the report, clearing the stats if configured to.
func (x *reporter) write() {
	stats := x.d.m.CPUStats(x.filter)
	if err := taskmaster.WriteCPUStats(x.w, stats); err != nil {
		x.d.log.Warning().Err(err).Log(`report: write failed`)
	}

	conns, pending, runs := x.d.echo.Stats()
	x.d.log.Info().
		Int(`tasks`, len(stats)).
		Int(`conns`, conns).
		Int(`pending`, pending).
		Uint64(`queue_runs`, runs).
		Uint64(`accepted`, x.d.echo.accepted).
		Uint64(`rejected`, x.d.echo.rejected).
		Log(`report`)

	if x.clear {
		x.d.m.ClearCPUStats(x.filter)
	}
}
