// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package workqueue implements batch work queues, drained cooperatively by
// background tasks of a [taskmaster.Master].
//
// A Queue holds an ordered list of items, each processed by the WorkFunc of
// its Spec. Each run processes as many items as it can before the Master
// indicates it should yield, tuning how often it checks, then re-arms itself
// if items remain. Result values returned by the WorkFunc drive retries,
// requeueing, and queue-level backpressure.
package workqueue

import (
	"errors"
	"time"

	"github.com/joeycumines/go-taskmaster"
)

const (
	// DefaultHold is the delay before a run, after an item is added to an
	// idle queue.
	DefaultHold = 50 * time.Millisecond

	// DefaultHysteresis is the factor used to ramp granularity up.
	DefaultHysteresis = 4

	// MinGranularity is the lower bound of the granularity.
	MinGranularity = 1
)

// ErrQueueFreed is returned by Add after Free.
var ErrQueueFreed = errors.New("workqueue: queue freed")

// Result classifies the outcome of one WorkFunc call.
type Result int

const (
	// Success removes the item.
	Success Result = iota
	// Error calls the ErrorFunc, then removes the item.
	Error
	// RetryNow calls the WorkFunc again, immediately, until MaxRetries
	// attempts have been made, at which point it is treated as Error.
	RetryNow
	// RetryLater leaves the item in place, and ends the run. The queue is
	// run again after the Hold delay, rather than immediately, as the
	// resource it feeds is presumed unavailable. Each RetryLater counts as an
	// attempt, and an item that has used more than MaxRetries attempts is
	// failed, without being run, by the next run.
	RetryLater
	// Requeue moves the item to the tail, and continues with the next item.
	// It doesn't count as an attempt.
	Requeue
	// QueueBlocked is RetryLater, indicating the resource the queue feeds is
	// unavailable, rather than anything specific to the item. It doesn't
	// count as an attempt. It is typically paired with Plug. Like RetryLater,
	// the next run is after the Hold delay.
	QueueBlocked
)

func (x Result) String() string {
	switch x {
	case Success:
		return "Success"
	case Error:
		return "Error"
	case RetryNow:
		return "RetryNow"
	case RetryLater:
		return "RetryLater"
	case Requeue:
		return "Requeue"
	case QueueBlocked:
		return "QueueBlocked"
	default:
		return "Unknown"
	}
}

// Spec configures a Queue. It is copied by New, and read-only thereafter.
type Spec[T any] struct {
	// WorkFunc processes one item. It is required.
	WorkFunc func(q *Queue[T], data T) Result
	// ErrorFunc is called for items that fail, or exhaust their retries.
	ErrorFunc func(q *Queue[T], data T)
	// DelItemData is called for every item removed from the queue, for any
	// reason, including Free.
	DelItemData func(q *Queue[T], data T)
	// CompletionFunc is called each time a run empties the queue.
	CompletionFunc func(q *Queue[T])

	// MaxRetries is the maximum number of attempts made per item, within a
	// run, by RetryNow. An item deferred by RetryLater is attempted again
	// while it has made no more than MaxRetries attempts. Values less than 1
	// are treated as 1.
	MaxRetries int

	// Hold is the delay before a run, after an item is added to an idle
	// queue (or it is unplugged). Defaults to DefaultHold.
	Hold time.Duration

	// Yield overrides the time slot each run is given, before it yields to
	// the Master. Defaults to the Master's yield time.
	Yield time.Duration

	// Hysteresis is the growth factor of the granularity. Defaults to
	// DefaultHysteresis.
	Hysteresis int
}

// Stats is a snapshot of a Queue's state and history.
type Stats struct {
	Name string
	// Items is the number of queued items.
	Items int
	// Runs is the number of completed runs.
	Runs uint64
	// Total is the number of items processed, across all runs.
	Total uint64
	// Best is the most items processed in one run.
	Best int
	// Granularity is the number of items processed between yield checks.
	Granularity int
	Plugged     bool
}

// Queue is a work queue. Like the Master it is attached to, a Queue must
// only be used from the Master's goroutine.
type Queue[T any] struct {
	m        *taskmaster.Master
	spec     Spec[T]
	name     string
	taskName string
	items    itemList[T]
	handle   taskmaster.Handle

	runs        uint64
	total       uint64
	best        int
	granularity int

	plugged bool
	freed   bool
	running bool
}

// New creates an empty, unplugged queue. Runs are scheduled as background
// tasks named "workqueue:" + name.
func New[T any](m *taskmaster.Master, name string, spec Spec[T]) (*Queue[T], error) {
	if m == nil {
		return nil, errors.New("workqueue: nil master")
	}
	if spec.WorkFunc == nil {
		return nil, errors.New("workqueue: nil work func")
	}
	if spec.MaxRetries < 1 {
		spec.MaxRetries = 1
	}
	if spec.Hold <= 0 {
		spec.Hold = DefaultHold
	}
	if spec.Hysteresis < 2 {
		spec.Hysteresis = DefaultHysteresis
	}
	return &Queue[T]{
		m:           m,
		spec:        spec,
		name:        name,
		taskName:    "workqueue:" + name,
		granularity: MinGranularity,
	}, nil
}

// Name returns the name the queue was created with.
func (q *Queue[T]) Name() string { return q.name }

// Master returns the Master the queue runs on.
func (q *Queue[T]) Master() *taskmaster.Master { return q.m }

// Len returns the number of queued items.
func (q *Queue[T]) Len() int { return q.items.count }

// Plugged reports whether the queue is plugged.
func (q *Queue[T]) Plugged() bool { return q.plugged }

// Scheduled reports whether a run is pending.
func (q *Queue[T]) Scheduled() bool { return q.m.Pending(q.handle) }

// Add appends an item, scheduling a run (after the Hold delay) if the queue
// is unplugged, and no run is already pending.
func (q *Queue[T]) Add(data T) error {
	if q.freed {
		return ErrQueueFreed
	}
	q.items.pushBack(&item[T]{data: data})
	q.schedule(q.spec.Hold)
	return nil
}

// Plug stops the queue from draining, cancelling any pending run. Items may
// still be added.
func (q *Queue[T]) Plug() {
	if q.freed {
		return
	}
	q.cancel()
	q.plugged = true
}

// Unplug allows the queue to drain, scheduling a run (after the Hold delay)
// if any items are queued.
func (q *Queue[T]) Unplug() {
	if q.freed {
		return
	}
	q.plugged = false
	q.schedule(q.spec.Hold)
}

// Free cancels any pending run, and removes every item, calling DelItemData
// for each. The queue can't be used, afterwards. If called by a WorkFunc,
// the remaining items are removed once it returns.
func (q *Queue[T]) Free() {
	if q.freed {
		return
	}
	q.freed = true
	q.cancel()
	if !q.running {
		q.deleteAll()
	}
}

// Stats returns a snapshot of the queue's state and history.
func (q *Queue[T]) Stats() Stats {
	return Stats{
		Name:        q.name,
		Items:       q.items.count,
		Runs:        q.runs,
		Total:       q.total,
		Best:        q.best,
		Granularity: q.granularity,
		Plugged:     q.plugged,
	}
}

func (q *Queue[T]) cancel() {
	if !q.handle.IsZero() {
		q.m.Cancel(q.handle)
		q.handle = taskmaster.Handle{}
	}
}

// schedule arms a run, if one is warranted, and isn't already pending.
func (q *Queue[T]) schedule(delay time.Duration) {
	if q.freed || q.plugged || q.items.count == 0 || q.m.Pending(q.handle) {
		return
	}
	q.handle = q.m.AddBackground(q.taskName, delay, q.run, nil)
	if q.spec.Yield > 0 {
		q.m.SetYieldTime(q.handle, q.spec.Yield)
	}
}

func (q *Queue[T]) deleteAll() {
	for q.items.head != nil {
		q.deleteItem(q.items.head)
	}
}

func (q *Queue[T]) deleteItem(x *item[T]) {
	q.items.remove(x)
	if q.spec.DelItemData != nil {
		q.spec.DelItemData(q, x.data)
	}
}

func (q *Queue[T]) failItem(x *item[T]) {
	if q.spec.ErrorFunc != nil {
		q.spec.ErrorFunc(q, x.data)
	}
	q.deleteItem(x)
}

// run is the background task callback, which drains the queue.
func (q *Queue[T]) run(t *taskmaster.Task) {
	q.handle = taskmaster.Handle{}
	if q.freed || q.plugged {
		return
	}

	q.running = true
	cycles, yielded, blocked := q.drain(t)
	q.running = false

	if q.freed {
		q.deleteAll()
		return
	}

	q.tune(cycles, yielded)

	q.runs++
	q.total += uint64(cycles)

	switch {
	case q.items.count == 0:
		if q.spec.CompletionFunc != nil {
			q.spec.CompletionFunc(q)
		}
	case blocked:
		q.schedule(q.spec.Hold)
	default:
		q.schedule(0)
	}
}

// drain processes items until the list is exhausted, the queue is blocked,
// or the Master indicates it should yield.
func (q *Queue[T]) drain(t *taskmaster.Task) (cycles int, yielded, blocked bool) {
	it := q.items.iter()
	for x, ok := it.Next(); ok && !q.freed; x, ok = it.Next() {
		// the budget may only be exceeded by RetryLater
		if x.ran > q.spec.MaxRetries {
			q.failItem(x)
			continue
		}

		var result Result
		for {
			result = q.spec.WorkFunc(q, x.data)
			x.ran++
			if result != RetryNow || x.ran >= q.spec.MaxRetries || q.freed {
				break
			}
		}

		switch result {
		case QueueBlocked:
			x.ran--
			return cycles, false, true
		case RetryLater:
			return cycles, false, true
		case Requeue:
			x.ran--
			q.items.moveToBack(x)
			// revisit, if it was the last item
			if it.next == nil {
				it.next = x
			}
		case RetryNow, Error:
			q.failItem(x)
		default:
			q.deleteItem(x)
		}

		cycles++

		if cycles%q.granularity == 0 && q.m.ShouldYield(t) {
			return cycles, true, false
		}
	}
	return cycles, false, false
}

// tune adjusts the granularity, based on the outcome of a run.
func (q *Queue[T]) tune(cycles int, yielded bool) {
	factor := q.spec.Hysteresis
	switch {
	case yielded && cycles < q.granularity:
		q.granularity = max(cycles, MinGranularity)
	case cycles >= q.granularity:
		if cycles > q.best {
			q.best = cycles
		}
		if cycles > q.granularity*factor*factor {
			q.granularity *= factor
		} else if cycles > q.granularity*factor {
			q.granularity += factor
		}
	}
}
