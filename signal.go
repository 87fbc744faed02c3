// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmaster

import (
	"errors"
	"os"
	"os/signal"
	"slices"
	"sync"
)

type signalHandler struct {
	fn   func(os.Signal)
	name string
	sigs []os.Signal
}

// signalState captures asynchronously delivered signals, for synchronous
// dispatch at the top of each Fetch iteration.
type signalState struct {
	ch       chan os.Signal
	done     chan struct{}
	handlers []*signalHandler
	mu       sync.Mutex
	pending  []os.Signal
	stopped  bool
}

// AddSignal registers fn to be called, on the Master's goroutine, each time
// one of sigs is delivered. Handlers run before anything else, on every
// iteration of Fetch, and are accounted as events under name.
func (m *Master) AddSignal(name string, fn func(os.Signal), sigs ...os.Signal) error {
	if m.closed {
		return ErrMasterClosed
	}
	if fn == nil {
		return errors.New("taskmaster: nil signal handler")
	}
	if len(sigs) == 0 {
		return errors.New("taskmaster: no signals specified")
	}

	if m.signals == nil {
		x := &signalState{
			ch:   make(chan os.Signal, 16),
			done: make(chan struct{}),
		}
		go m.forwardSignals(x)
		m.signals = x
	}

	m.signals.handlers = append(m.signals.handlers, &signalHandler{
		fn:   fn,
		name: name,
		sigs: slices.Clone(sigs),
	})
	signal.Notify(m.signals.ch, sigs...)

	return nil
}

func (m *Master) forwardSignals(x *signalState) {
	for {
		select {
		case <-x.done:
			return
		case sig := <-x.ch:
			x.mu.Lock()
			if !x.stopped {
				x.pending = append(x.pending, sig)
			}
			x.mu.Unlock()
			m.wake()
		}
	}
}

// processSignals dispatches every signal received since the last call.
func (m *Master) processSignals() {
	x := m.signals
	if x == nil {
		return
	}

	x.mu.Lock()
	pending := x.pending
	x.pending = nil
	x.mu.Unlock()

	for _, sig := range pending {
		for _, h := range x.handlers {
			if !slices.Contains(h.sigs, sig) {
				continue
			}
			m.log.signalDispatched(h.name, sig.String())
			t := Task{
				Arg:      sig,
				master:   m,
				fn:       func(*Task) { h.fn(sig) },
				Name:     h.name,
				yield:    m.opts.yieldTime,
				deadline: m.clock.recent(),
				FD:       -1,
				Type:     TaskEvent,
			}
			m.Call(&t)
		}
	}
}

func (m *Master) stopSignals() {
	x := m.signals
	if x == nil {
		return
	}
	signal.Stop(x.ch)
	x.mu.Lock()
	x.stopped = true
	x.pending = nil
	x.mu.Unlock()
	close(x.done)
}
