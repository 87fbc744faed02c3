// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmaster

import (
	"strings"
	"time"
)

// TaskType identifies the collection a task belongs to, or, for a fetched
// [Task], the class it was registered as.
type TaskType uint8

const (
	// TaskUnused marks a recycled slot, sitting in the task pool.
	TaskUnused TaskType = iota
	// TaskRead waits for its fd to become readable.
	TaskRead
	// TaskWrite waits for its fd to become writable.
	TaskWrite
	// TaskTimer waits for a foreground deadline.
	TaskTimer
	// TaskEvent fires unconditionally, once, on the next fetch.
	TaskEvent
	// TaskReady has been determined runnable, and waits for dispatch.
	TaskReady
	// TaskBackground waits for a deadline, at the lowest priority.
	TaskBackground
	// TaskExecute is a callback run synchronously, via [Master.Execute].
	TaskExecute
)

// String returns a human-readable representation of the type.
func (x TaskType) String() string {
	switch x {
	case TaskUnused:
		return "Unused"
	case TaskRead:
		return "Read"
	case TaskWrite:
		return "Write"
	case TaskTimer:
		return "Timer"
	case TaskEvent:
		return "Event"
	case TaskReady:
		return "Ready"
	case TaskBackground:
		return "Background"
	case TaskExecute:
		return "Execute"
	default:
		return "Unknown"
	}
}

// Mask returns the single bit TaskTypeMask for x.
func (x TaskType) Mask() TaskTypeMask { return 1 << x }

// TaskTypeMask is a set of task types, used to filter and clear CPU stats.
type TaskTypeMask uint16

// MaskAll matches every task class.
const MaskAll = TaskTypeMask(1<<TaskRead | 1<<TaskWrite | 1<<TaskTimer | 1<<TaskEvent | 1<<TaskBackground | 1<<TaskExecute)

// taskTypeLetters are in the order used by String and ParseTaskTypeMask.
var taskTypeLetters = [...]struct {
	letter byte
	typ    TaskType
}{
	{'R', TaskRead},
	{'W', TaskWrite},
	{'T', TaskTimer},
	{'E', TaskEvent},
	{'X', TaskExecute},
	{'B', TaskBackground},
}

// Has reports whether the mask contains typ.
func (x TaskTypeMask) Has(typ TaskType) bool { return x&typ.Mask() != 0 }

// String renders the mask as a fixed width string of letters, with a space
// for each absent class, e.g. "R  T  " for read and timer.
func (x TaskTypeMask) String() string {
	var b [len(taskTypeLetters)]byte
	for i, v := range taskTypeLetters {
		if x.Has(v.typ) {
			b[i] = v.letter
		} else {
			b[i] = ' '
		}
	}
	return string(b[:])
}

// ParseTaskTypeMask parses a filter such as "rw" or "tb". Letters are case
// insensitive: r(ead), w(rite), t(imer), e(vent), x (execute), b(ackground).
// An empty filter, or "*", matches every class. Unknown letters are an error.
func ParseTaskTypeMask(filter string) (TaskTypeMask, error) {
	filter = strings.TrimSpace(filter)
	if filter == "" || filter == "*" {
		return MaskAll, nil
	}
	var mask TaskTypeMask
outer:
	for i := 0; i < len(filter); i++ {
		c := filter[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		for _, v := range taskTypeLetters {
			if v.letter == c {
				mask |= v.typ.Mask()
				continue outer
			}
		}
		return 0, &FilterError{Filter: filter, Char: filter[i]}
	}
	return mask, nil
}

// Func is a task callback. The Task is owned by the caller of [Master.Call],
// and must not be retained after the callback returns.
type Func func(t *Task)

// Handle identifies a task registered with a Master. A Handle is only valid
// while the task is pending; once the task is fetched or cancelled, its slot
// is recycled, and the Handle becomes stale. Stale handles are detected, and
// rejected, by every Master method accepting one. The zero value is never
// valid.
type Handle struct {
	idx int32
	gen uint32
}

// IsZero reports whether h is the zero Handle.
func (h Handle) IsZero() bool { return h.gen == 0 }

// Task is a fetched unit of work, filled in by [Master.Fetch], and dispatched
// by [Master.Call].
type Task struct {
	// Arg is the opaque argument provided at registration.
	Arg any

	master *Master
	fn     Func

	// Name identifies the callback, and keys its CPU stats.
	Name string

	// start is the relative time that the current Call began.
	start time.Duration
	// yield is the time slot used by ShouldYield.
	yield time.Duration
	// deadline is the scheduled time, for timers, or the time the task became
	// ready, otherwise.
	deadline time.Duration

	// FD is the file descriptor, for read and write tasks, or -1.
	FD int

	// Val is the value provided to AddEvent or Execute.
	Val int

	// Type is the class the task was registered as (never TaskReady).
	Type TaskType
}

// Master returns the Master the task was fetched from.
func (t *Task) Master() *Master { return t.master }

// Scheduled returns the relative time the task was scheduled to run at (its
// deadline, for timers).
func (t *Task) Scheduled() time.Duration { return t.deadline }
