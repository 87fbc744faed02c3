// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmaster

import (
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced Clock. It is not safe for concurrent use.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

// testEvent is a minimal logiface.Event, recording its fields.
type testEvent struct {
	logiface.UnimplementedEvent
	fields map[string]any
	level  logiface.Level
}

func (e *testEvent) Level() logiface.Level { return e.level }

func (e *testEvent) AddField(key string, val any) { e.fields[key] = val }

func (e *testEvent) message() string {
	s, _ := e.fields[`msg`].(string)
	return s
}

// newTestLogger returns a logger that appends every written event to out.
func newTestLogger(out *[]*testEvent) *logiface.Logger[logiface.Event] {
	return logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](logiface.NewEventFactoryFunc(func(level logiface.Level) *testEvent {
			return &testEvent{level: level, fields: make(map[string]any)}
		})),
		logiface.WithWriter[*testEvent](logiface.NewWriterFunc(func(event *testEvent) error {
			*out = append(*out, event)
			return nil
		})),
		logiface.WithLevel[*testEvent](logiface.LevelTrace),
	).Logger()
}

// newTestMaster creates a Master, closed on test cleanup.
func newTestMaster(t *testing.T, opts ...Option) *Master {
	t.Helper()
	m, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// fetchName fetches (without dispatching) a task, returning its name.
func fetchName(t *testing.T, m *Master) string {
	t.Helper()
	var task Task
	require.NoError(t, m.Fetch(&task))
	return task.Name
}

func nopFunc(*Task) {}
