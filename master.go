// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmaster

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// errRunWoken is returned by Fetch, to Run, when Run's context watcher woke
// the wait. It never escapes Run.
var errRunWoken = errors.New("taskmaster: run woken")

// Master is a single-threaded, cooperative task scheduler. It owns the
// pending read, write, timer, event, and background tasks, plus the ready
// FIFO, and hands out one runnable task per call to Fetch.
//
// With the exception of Stop, a Master must only be used from the goroutine
// that dispatches its tasks (the one calling Fetch and Call, or Run).
type Master struct {
	// Prevent copying
	_ [0]func()

	readers map[int]int32
	writers map[int]int32

	opts      *masterOptions
	signals   *signalState
	testHooks *masterTestHooks

	// err is the fatal poll error, once one has occurred.
	err error

	clock    relativeClock
	cpuStats cpuStats
	log      masterLog

	arena      arena
	timers     timerHeap
	background timerHeap
	events     taskList
	ready      taskList

	// fdBuf collects poller results, for processing after timers.
	fdBuf []fdEvent

	poller poller

	wakeR, wakeW int
	wakeMu       sync.Mutex
	wakeClosed   bool

	stopped     atomic.Bool
	wakePending atomic.Bool
	runWoken    atomic.Bool

	// depth is the number of Call frames on the stack.
	depth   int
	running bool
	closed  bool
}

type fdEvent struct {
	fd     int
	events IOEvents
}

// masterTestHooks are invoked at specific points of Fetch, by tests.
type masterTestHooks struct {
	prePoll func(timeout time.Duration)
}

// New creates a Master, with its own poller and wake fd.
func New(opts ...Option) (*Master, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}

	m := &Master{
		readers:  make(map[int]int32),
		writers:  make(map[int]int32),
		opts:     cfg,
		clock:    newRelativeClock(cfg.clock),
		cpuStats: newCPUStats(),
		log:      newMasterLog(cfg.logger),
		arena:    newArena(),
		events:   newTaskList(),
		ready:    newTaskList(),
		wakeR:    -1,
		wakeW:    -1,
	}
	m.timers.a = &m.arena
	m.background.a = &m.arena

	if err := m.poller.init(); err != nil {
		return nil, fmt.Errorf("taskmaster: init poller: %w", err)
	}

	m.wakeR, m.wakeW, err = createWakeFd()
	if err != nil {
		_ = m.poller.close()
		return nil, fmt.Errorf("taskmaster: create wake fd: %w", err)
	}

	if err := m.poller.set(m.wakeR, EventRead); err != nil {
		_ = m.poller.close()
		m.closeWakeFDs()
		return nil, fmt.Errorf("taskmaster: register wake fd: %w", err)
	}

	return m, nil
}

// AddRead registers a one-shot task, run once fd becomes readable (or
// reports an error or hangup). At most one read task may be pending per fd.
func (m *Master) AddRead(name string, fd int, fn Func, arg any) (Handle, error) {
	return m.addFD(TaskRead, m.readers, name, fd, fn, arg)
}

// AddWrite registers a one-shot task, run once fd becomes writable (or
// reports an error or hangup). At most one write task may be pending per fd.
func (m *Master) AddWrite(name string, fd int, fn Func, arg any) (Handle, error) {
	return m.addFD(TaskWrite, m.writers, name, fd, fn, arg)
}

func (m *Master) addFD(typ TaskType, set map[int]int32, name string, fd int, fn Func, arg any) (Handle, error) {
	if m.closed {
		return Handle{}, ErrMasterClosed
	}
	if fd < 0 || fd == m.wakeR {
		return Handle{}, ErrFDOutOfRange
	}
	if _, ok := set[fd]; ok {
		m.log.fdAlreadyRegistered(typ, fd, name)
		return Handle{}, ErrFDAlreadyRegistered
	}

	id := m.arena.get(typ, name, fn, arg)
	m.arena.slots[id].fd = fd
	set[fd] = id

	if err := m.updateInterest(fd); err != nil {
		delete(set, fd)
		m.arena.put(id)
		return Handle{}, fmt.Errorf("taskmaster: add %s task for fd %d: %w", typ, fd, err)
	}

	return m.arena.handle(id), nil
}

// updateInterest syncs the poller with the read and write collections.
func (m *Master) updateInterest(fd int) error {
	var events IOEvents
	if _, ok := m.readers[fd]; ok {
		events |= EventRead
	}
	if _, ok := m.writers[fd]; ok {
		events |= EventWrite
	}
	return m.poller.set(fd, events)
}

// AddTimer registers a task, run once delay has elapsed. Negative delays are
// treated as zero. The zero Handle is returned if the Master is closed.
func (m *Master) AddTimer(name string, delay time.Duration, fn Func, arg any) Handle {
	return m.addTimer(TaskTimer, &m.timers, name, delay, fn, arg)
}

// AddTimerMsec is AddTimer, with the delay in milliseconds.
func (m *Master) AddTimerMsec(name string, msec int64, fn Func, arg any) Handle {
	return m.AddTimer(name, time.Duration(msec)*time.Millisecond, fn, arg)
}

// AddBackground registers a task, run once delay has elapsed, at the lowest
// priority: within one iteration of Fetch, it becomes ready only after every
// due timer, and every fd event.
func (m *Master) AddBackground(name string, delay time.Duration, fn Func, arg any) Handle {
	return m.addTimer(TaskBackground, &m.background, name, delay, fn, arg)
}

func (m *Master) addTimer(typ TaskType, h *timerHeap, name string, delay time.Duration, fn Func, arg any) Handle {
	if m.closed {
		return Handle{}
	}
	if delay < 0 {
		delay = 0
	}
	id := m.arena.get(typ, name, fn, arg)
	m.arena.slots[id].deadline = m.clock.now() + delay
	h.enqueue(id)
	return m.arena.handle(id)
}

// AddEvent registers a task that fires unconditionally, once, on the next
// iteration of Fetch.
func (m *Master) AddEvent(name string, fn Func, arg any, val int) Handle {
	if m.closed {
		return Handle{}
	}
	id := m.arena.get(TaskEvent, name, fn, arg)
	m.arena.slots[id].val = val
	m.events.add(&m.arena, id)
	return m.arena.handle(id)
}

// Execute runs fn synchronously, bypassing scheduling, but with the same
// accounting as any dispatched task.
func (m *Master) Execute(name string, fn Func, arg any, val int) {
	t := Task{
		Arg:      arg,
		master:   m,
		fn:       fn,
		Name:     name,
		yield:    m.opts.yieldTime,
		deadline: m.clock.now(),
		FD:       -1,
		Val:      val,
		Type:     TaskExecute,
	}
	m.Call(&t)
}

// Cancel removes a pending task, returning false if the handle is stale,
// e.g. the task has already been fetched.
func (m *Master) Cancel(h Handle) bool {
	id, ok := m.arena.lookup(h)
	if !ok {
		return false
	}
	m.unlink(id)
	m.arena.put(id)
	return true
}

// unlink removes a slot from the collection its tag indicates.
func (m *Master) unlink(id int32) {
	s := &m.arena.slots[id]
	switch s.typ {
	case TaskRead:
		delete(m.readers, s.fd)
		_ = m.updateInterest(s.fd)
	case TaskWrite:
		delete(m.writers, s.fd)
		_ = m.updateInterest(s.fd)
	case TaskTimer:
		m.timers.removeAt(s.pos)
	case TaskBackground:
		m.background.removeAt(s.pos)
	case TaskEvent:
		m.events.remove(&m.arena, id)
	case TaskReady:
		m.ready.remove(&m.arena, id)
	default:
		panic(fmt.Sprintf("taskmaster: unlink of slot %d with type %s", id, s.typ))
	}
}

// CancelEvent cancels every pending event, and every ready task, whose
// argument matches pred, returning the number cancelled. It is typically
// used to drop the work of an owner that is going away.
func (m *Master) CancelEvent(pred func(arg any) bool) int {
	if pred == nil {
		return 0
	}
	var n int
	for _, l := range [...]*taskList{&m.events, &m.ready} {
		it := l.iter(&m.arena)
		for id, ok := it.Next(); ok; id, ok = it.Next() {
			if pred(m.arena.slots[id].arg) {
				l.remove(&m.arena, id)
				m.arena.put(id)
				n++
			}
		}
	}
	return n
}

// Pending reports whether h refers to a task that is yet to be fetched.
func (m *Master) Pending(h Handle) bool {
	_, ok := m.arena.lookup(h)
	return ok
}

// Remaining returns the time until a pending timer or background task is
// due, or 0 if it is due, or h isn't a pending timer.
func (m *Master) Remaining(h Handle) time.Duration {
	id, ok := m.arena.lookup(h)
	if !ok {
		return 0
	}
	s := &m.arena.slots[id]
	if s.typ != TaskTimer && s.typ != TaskBackground {
		return 0
	}
	return max(s.deadline-m.clock.now(), 0)
}

// SetYieldTime overrides the time slot ShouldYield uses, for a pending task.
func (m *Master) SetYieldTime(h Handle, d time.Duration) bool {
	id, ok := m.arena.lookup(h)
	if !ok {
		return false
	}
	m.arena.slots[id].yield = d
	return true
}

// FreeUnused releases memory held by recycled task slots.
func (m *Master) FreeUnused() { m.arena.trim() }

// Fetch blocks until a task is runnable, then fills fetch with it. The
// task's slot is recycled before Fetch returns, and the task must be
// dispatched using Call.
//
// Fetch returns ErrMasterStopped once Stop has been called, ErrMasterClosed
// after Close, or a wrapped error if the multiplexed wait fails, which is
// fatal to the Master.
func (m *Master) Fetch(fetch *Task) error {
	for {
		if m.closed {
			return ErrMasterClosed
		}
		if m.err != nil {
			return m.err
		}

		// signal handlers run first, always
		m.processSignals()

		if m.stopped.Load() {
			return ErrMasterStopped
		}
		if m.runWoken.Swap(false) && m.running {
			return errRunWoken
		}

		// never block while work is ready
		if id, ok := m.ready.pop(&m.arena); ok {
			m.fill(fetch, id)
			return nil
		}

		// events always fire, once
		for id, ok := m.events.pop(&m.arena); ok; id, ok = m.events.pop(&m.arena) {
			m.makeReady(id)
		}

		timeout := m.timeout()
		if m.testHooks != nil && m.testHooks.prePoll != nil {
			m.testHooks.prePoll(timeout)
		}

		m.fdBuf = m.fdBuf[:0]
		if _, err := m.poller.wait(timeout, m.onFD); err != nil {
			if err == errInterrupted {
				continue
			}
			m.log.pollFailed(err)
			m.err = fmt.Errorf("taskmaster: fetch: %w", err)
			return m.err
		}

		now := m.clock.now()

		m.timers.expired(now, m.makeReady)

		// reads, then writes, each one-shot
		for _, v := range m.fdBuf {
			if id, ok := m.readers[v.fd]; ok && v.events.readable() {
				delete(m.readers, v.fd)
				m.makeReady(id)
			}
		}
		for _, v := range m.fdBuf {
			if id, ok := m.writers[v.fd]; ok && v.events.writable() {
				delete(m.writers, v.fd)
				m.makeReady(id)
			}
		}
		for _, v := range m.fdBuf {
			_ = m.updateInterest(v.fd)
		}

		m.background.expired(now, m.makeReady)
	}
}

func (m *Master) onFD(fd int, events IOEvents) {
	if fd == m.wakeR {
		m.drainWake()
		return
	}
	m.fdBuf = append(m.fdBuf, fdEvent{fd: fd, events: events})
}

// timeout is the time until the earliest timer or background deadline, zero
// if anything is ready, or negative (block indefinitely) if there are no
// timers.
func (m *Master) timeout() time.Duration {
	if m.ready.count != 0 {
		return 0
	}
	now := m.clock.now()
	timeout := time.Duration(-1)
	for _, h := range [...]*timerHeap{&m.timers, &m.background} {
		if deadline, ok := h.next(); ok {
			d := max(deadline-now, 0)
			if timeout < 0 || d < timeout {
				timeout = d
			}
		}
	}
	return timeout
}

// makeReady moves a slot, already removed from its collection, to ready.
func (m *Master) makeReady(id int32) {
	s := &m.arena.slots[id]
	if s.kind != TaskTimer && s.kind != TaskBackground {
		s.deadline = m.clock.recent()
	}
	s.typ = TaskReady
	m.ready.add(&m.arena, id)
}

// fill copies a ready slot out to fetch, and recycles the slot.
func (m *Master) fill(fetch *Task, id int32) {
	s := &m.arena.slots[id]
	yield := s.yield
	if yield <= 0 {
		yield = m.opts.yieldTime
	}
	*fetch = Task{
		Arg:      s.arg,
		master:   m,
		fn:       s.fn,
		Name:     s.name,
		yield:    yield,
		deadline: s.deadline,
		FD:       s.fd,
		Val:      s.val,
		Type:     s.kind,
	}
	m.arena.put(id)
}

// Call dispatches a fetched task, recording its wall (and, if supported,
// CPU) time under its name. A panicking callback is recovered and logged.
func (m *Master) Call(t *Task) {
	if t == nil || t.fn == nil {
		return
	}

	cpuStart, cpuOK := m.cpuTime()
	start := m.clock.now()
	t.start = start

	m.depth++
	m.safeCall(t)
	m.depth--

	wall := m.clock.now() - start
	var cpu time.Duration
	if cpuOK {
		var end time.Duration
		if end, cpuOK = m.cpuTime(); cpuOK {
			cpu = max(end-cpuStart, 0)
		}
	}

	m.cpuStats.record(t.Name, t.Type, wall, cpu, cpuOK)

	if threshold := m.opts.slowTaskThreshold; threshold > 0 && wall > threshold {
		m.log.slowTask(t.Name, t.Type, m.clock.time(start), wall, cpu, cpuOK)
	}
}

func (m *Master) safeCall(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			m.log.taskPanicked(t.Name, t.Type, r)
		}
	}()
	t.fn(t)
}

func (m *Master) cpuTime() (time.Duration, bool) {
	if m.opts.cpuClock == nil {
		return 0, false
	}
	d, err := m.opts.cpuClock.CPUTime()
	if err != nil {
		return 0, false
	}
	return d, true
}

// ShouldYield reports whether t, which must be running, has used up its time
// slot. Long running callbacks should check it periodically, and reschedule
// themselves rather than continuing, once it reports true.
func (m *Master) ShouldYield(t *Task) bool {
	yield := t.yield
	if yield <= 0 {
		yield = m.opts.yieldTime
	}
	return m.clock.now()-t.start > yield
}

// Now returns the Master's stabilized relative time, which never decreases.
func (m *Master) Now() time.Duration { return m.clock.now() }

// Run fetches and dispatches tasks until ctx is done (returning ctx.Err()),
// Stop or Close is called (returning nil), or the multiplexed wait fails
// (returning the error).
//
// Run locks the calling goroutine to its OS thread, for the duration.
func (m *Master) Run(ctx context.Context) error {
	if m.running || m.depth != 0 {
		return ErrReentrantRun
	}
	if m.closed {
		return ErrMasterClosed
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	m.running = true
	defer func() { m.running = false }()

	// wake the wait, on cancellation
	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.runWoken.Store(true)
			m.wake()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	var t Task
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.Fetch(&t); err != nil {
			switch {
			case err == errRunWoken:
				continue
			case errors.Is(err, ErrMasterStopped), errors.Is(err, ErrMasterClosed):
				if err := ctx.Err(); err != nil {
					return err
				}
				return nil
			default:
				return err
			}
		}
		m.Call(&t)
		t = Task{}
	}
}

// Stop causes Fetch to return ErrMasterStopped, waking it if it is blocked.
// It is safe to call from any goroutine. Stop is permanent.
func (m *Master) Stop() {
	m.stopped.Store(true)
	m.wake()
}

// Close cancels every pending task, stops signal delivery, and releases the
// poller and wake fd. It is idempotent.
func (m *Master) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	m.stopped.Store(true)

	m.stopSignals()

	for _, id := range m.readers {
		m.arena.put(id)
	}
	clear(m.readers)
	for _, id := range m.writers {
		m.arena.put(id)
	}
	clear(m.writers)
	for _, h := range [...]*timerHeap{&m.timers, &m.background} {
		for id, ok := h.dequeue(); ok; id, ok = h.dequeue() {
			m.arena.put(id)
		}
	}
	for _, l := range [...]*taskList{&m.events, &m.ready} {
		for id, ok := l.pop(&m.arena); ok; id, ok = l.pop(&m.arena) {
			m.arena.put(id)
		}
	}

	err := m.poller.close()
	m.closeWakeFDs()
	m.log.closed(err)
	return err
}

// wake interrupts a blocked wait. Concurrent wakes are coalesced.
func (m *Master) wake() {
	if !m.wakePending.CompareAndSwap(false, true) {
		return
	}
	m.wakeMu.Lock()
	defer m.wakeMu.Unlock()
	if m.wakeClosed {
		return
	}
	var buf [8]byte
	buf[0] = 1
	_, _ = unix.Write(m.wakeW, buf[:])
}

// drainWake consumes pending wake notifications.
func (m *Master) drainWake() {
	m.wakePending.Store(false)
	var buf [64]byte
	for {
		if n, err := unix.Read(m.wakeR, buf[:]); err != nil || n <= 0 {
			return
		}
	}
}

func (m *Master) closeWakeFDs() {
	m.wakeMu.Lock()
	defer m.wakeMu.Unlock()
	if m.wakeClosed {
		return
	}
	m.wakeClosed = true
	if m.wakeR >= 0 {
		_ = unix.Close(m.wakeR)
	}
	if m.wakeW >= 0 && m.wakeW != m.wakeR {
		_ = unix.Close(m.wakeW)
	}
}
