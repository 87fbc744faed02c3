// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmaster

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/tabwriter"
	"time"
)

// TimeStats accumulates durations.
type TimeStats struct {
	Total time.Duration
	Max   time.Duration
}

func (x *TimeStats) add(d time.Duration) {
	x.Total += d
	if d > x.Max {
		x.Max = d
	}
}

// Avg returns the mean duration over calls.
func (x TimeStats) Avg(calls uint64) time.Duration {
	if calls == 0 {
		return 0
	}
	return x.Total / time.Duration(calls)
}

// TaskStats is the CPU/wall time history of one task name.
type TaskStats struct {
	Name  string
	Calls uint64
	Real  TimeStats
	// CPU is only populated if HasCPU is true.
	CPU    TimeStats
	HasCPU bool
	// Types is every class the name has been dispatched as.
	Types TaskTypeMask
}

// cpuStats is the table of TaskStats, keyed by task name. It is only mutated
// by Master.Call, after a callback returns.
type cpuStats struct {
	entries map[string]*TaskStats
}

func newCPUStats() cpuStats {
	return cpuStats{entries: make(map[string]*TaskStats)}
}

// record creates or updates the entry for name. It never fails: the first
// sighting of a name inserts it.
func (x *cpuStats) record(name string, typ TaskType, wall, cpu time.Duration, cpuOK bool) {
	e := x.entries[name]
	if e == nil {
		e = &TaskStats{Name: name}
		x.entries[name] = e
	}
	e.Calls++
	e.Types |= typ.Mask()
	e.Real.add(wall)
	if cpuOK {
		e.HasCPU = true
		e.CPU.add(cpu)
	}
}

// snapshot returns copies of the entries matching filter, sorted by name.
func (x *cpuStats) snapshot(filter TaskTypeMask) []TaskStats {
	out := make([]TaskStats, 0, len(x.entries))
	for _, e := range x.entries {
		if e.Types&filter != 0 {
			out = append(out, *e)
		}
	}
	slices.SortFunc(out, func(a, b TaskStats) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// clear removes every entry matching filter, returning the number removed.
func (x *cpuStats) clear(filter TaskTypeMask) int {
	var n int
	for name, e := range x.entries {
		if e.Types&filter != 0 {
			delete(x.entries, name)
			n++
		}
	}
	return n
}

// WriteCPUStats renders stats as a right aligned table, followed by a TOTAL
// row if any calls were made. Runtime is CPU time where it was measured,
// otherwise real time. The CPU columns are "-" where it wasn't.
func WriteCPUStats(w io.Writer, stats []TaskStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)

	var (
		total   TaskStats
		anyCPU  bool
		fmtUsec = func(d time.Duration) int64 { return d.Microseconds() }
	)
	total.Name = "TOTAL"

	if _, err := fmt.Fprintln(tw, "Runtime(ms)\tInvoked\tCPU Avg uSec\tCPU Max uSecs\tReal Avg uSec\tReal Max uSecs\tType\t Task\t"); err != nil {
		return err
	}

	row := func(e *TaskStats) error {
		var runtime time.Duration
		cpuAvg, cpuMax := "-", "-"
		if e.HasCPU {
			runtime = e.CPU.Total
			cpuAvg = fmt.Sprint(fmtUsec(e.CPU.Avg(e.Calls)))
			cpuMax = fmt.Sprint(fmtUsec(e.CPU.Max))
		} else {
			runtime = e.Real.Total
		}
		_, err := fmt.Fprintf(tw, "%d.%03d\t%d\t%s\t%s\t%d\t%d\t%s\t %s\t\n",
			runtime.Milliseconds(), runtime.Microseconds()%1000,
			e.Calls,
			cpuAvg, cpuMax,
			fmtUsec(e.Real.Avg(e.Calls)), fmtUsec(e.Real.Max),
			e.Types,
			e.Name,
		)
		return err
	}

	for i := range stats {
		e := &stats[i]
		if err := row(e); err != nil {
			return err
		}
		total.Calls += e.Calls
		total.Types |= e.Types
		total.Real.Total += e.Real.Total
		total.Real.Max = max(total.Real.Max, e.Real.Max)
		if e.HasCPU {
			anyCPU = true
			total.CPU.Total += e.CPU.Total
			total.CPU.Max = max(total.CPU.Max, e.CPU.Max)
		}
	}
	total.HasCPU = anyCPU

	if total.Calls > 0 {
		if err := row(&total); err != nil {
			return err
		}
	}

	return tw.Flush()
}

// CPUStats returns a snapshot of the stats for every task name that has been
// dispatched as one of the classes in filter, sorted by name.
func (m *Master) CPUStats(filter TaskTypeMask) []TaskStats {
	return m.cpuStats.snapshot(filter)
}

// ClearCPUStats discards the stats for every task name that has been
// dispatched as one of the classes in filter.
func (m *Master) ClearCPUStats(filter TaskTypeMask) int {
	return m.cpuStats.clear(filter)
}
