// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmaster

import (
	"time"

	"github.com/joeycumines/go-catrate"
	"github.com/joeycumines/logiface"
)

// slowTaskRates bounds how often a slow task warning is logged, per task
// name, so a callback that is consistently slow doesn't flood the log.
var slowTaskRates = map[time.Duration]int{
	time.Minute: 6,
	time.Hour:   60,
}

// masterLog wraps the (nil-safe) logiface logger with the messages the
// master emits.
type masterLog struct {
	L       *logiface.Logger[logiface.Event]
	limiter *catrate.Limiter
}

func newMasterLog(logger *logiface.Logger[logiface.Event]) masterLog {
	x := masterLog{L: logger}
	if logger != nil {
		x.limiter = catrate.NewLimiter(slowTaskRates)
	}
	return x
}

func (x *masterLog) pollFailed(err error) {
	x.L.Crit().
		Str(`category`, `poll`).
		Err(err).
		Log(`taskmaster: multiplexed wait failed, stopping`)
}

func (x *masterLog) taskPanicked(name string, typ TaskType, value any) {
	x.L.Err().
		Str(`category`, `task`).
		Str(`task`, name).
		Str(`type`, typ.String()).
		Err(PanicError{Value: value, Name: name}).
		Log(`taskmaster: task panicked`)
}

func (x *masterLog) slowTask(name string, typ TaskType, started time.Time, wall, cpu time.Duration, cpuOK bool) {
	if x.L == nil {
		return
	}
	if _, ok := x.limiter.Allow(name); !ok {
		return
	}
	b := x.L.Warning().
		Str(`category`, `task`).
		Str(`task`, name).
		Str(`type`, typ.String()).
		Time(`started`, started).
		Dur(`real`, wall)
	if cpuOK {
		b = b.Dur(`cpu`, cpu)
	}
	b.Log(`taskmaster: slow task`)
}

func (x *masterLog) fdAlreadyRegistered(typ TaskType, fd int, name string) {
	x.L.Warning().
		Str(`category`, `fd`).
		Str(`task`, name).
		Str(`type`, typ.String()).
		Int(`fd`, fd).
		Log(`taskmaster: there is already a task for this fd`)
}

func (x *masterLog) signalDispatched(name string, sig string) {
	x.L.Debug().
		Str(`category`, `signal`).
		Str(`task`, name).
		Str(`signal`, sig).
		Log(`taskmaster: dispatching signal handler`)
}

func (x *masterLog) closed(err error) {
	x.L.Debug().
		Str(`category`, `shutdown`).
		Err(err).
		Log(`taskmaster: master closed`)
}
