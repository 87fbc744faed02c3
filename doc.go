// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package taskmaster implements a single-threaded, cooperative task
// scheduler, in the style of a routing daemon's "thread master".
//
// # Overview
//
// A [Master] multiplexes all of a process's I/O, timers, and deferred work on
// one goroutine. Callers register tasks, then repeatedly [Master.Fetch] one
// runnable task, and dispatch it with [Master.Call]. [Master.Run] does both,
// until stopped.
//
//	m, err := taskmaster.New()
//	if err != nil {
//		return err
//	}
//	defer m.Close()
//
//	m.AddTimer("hello", time.Second, func(t *taskmaster.Task) {
//		fmt.Println("hello")
//		t.Master().Stop()
//	}, nil)
//
//	return m.Run(ctx)
//
// # Task classes
//
// Tasks are one of:
//   - read or write: one-shot, fired once the fd is ready
//   - timer: fired once a deadline has passed
//   - event: fired unconditionally, on the next iteration
//   - background: a timer, serviced after everything else
//
// Every iteration of Fetch dispatches already-ready tasks before polling,
// and queues due timers and fd events before due background tasks.
//
// # Cancellation
//
// Registration returns a [Handle], which may be passed to [Master.Cancel]
// while the task is pending. Task records are recycled, and a Handle to a
// recycled record is detected as stale, rather than cancelling an unrelated
// task.
//
// # Accounting
//
// Every dispatch records wall time, and (where supported) CPU time, keyed by
// task name. See [Master.CPUStats] and [WriteCPUStats].
//
// # Platform Support
//
//   - Linux: epoll, eventfd
//   - Other unix (Darwin, BSD): poll(2), pipe
package taskmaster
