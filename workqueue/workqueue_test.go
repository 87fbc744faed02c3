// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package workqueue

import (
	"testing"
	"time"

	"github.com/joeycumines/go-taskmaster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestMaster(t *testing.T) (*taskmaster.Master, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m, err := taskmaster.New(taskmaster.WithClock(clock), taskmaster.WithCPUClock(nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m, clock
}

// step runs the queue's pending run, which must be scheduled.
func step[T any](t *testing.T, q *Queue[T], clock *fakeClock) {
	t.Helper()
	require.True(t, q.Scheduled(), "no run scheduled")
	clock.advance(time.Hour)
	var task taskmaster.Task
	require.NoError(t, q.Master().Fetch(&task))
	require.Equal(t, "workqueue:"+q.Name(), task.Name)
	require.Equal(t, taskmaster.TaskBackground, task.Type)
	q.Master().Call(&task)
}

func TestQueue_retryCeiling(t *testing.T) {
	for _, tc := range [...]struct {
		name     string
		result   Result
		attempts int
	}{
		{"error", Error, 1},
		{"retry now", RetryNow, 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m, clock := newTestMaster(t)
			attempts := make(map[string]int)
			errored := make(map[string]int)
			deleted := make(map[string]int)
			q, err := New(m, "ceiling", Spec[string]{
				WorkFunc: func(q *Queue[string], data string) Result {
					attempts[data]++
					return tc.result
				},
				ErrorFunc:   func(q *Queue[string], data string) { errored[data]++ },
				DelItemData: func(q *Queue[string], data string) { deleted[data]++ },
				MaxRetries:  3,
			})
			require.NoError(t, err)
			require.NoError(t, q.Add("a"))
			require.NoError(t, q.Add("b"))

			step(t, q, clock)

			assert.Equal(t, map[string]int{"a": tc.attempts, "b": tc.attempts}, attempts)
			assert.Equal(t, map[string]int{"a": 1, "b": 1}, errored)
			assert.Equal(t, map[string]int{"a": 1, "b": 1}, deleted)
			assert.Equal(t, 0, q.Len())
			assert.False(t, q.Scheduled())
		})
	}
}

func TestQueue_retryLaterConsumesBudget(t *testing.T) {
	m, clock := newTestMaster(t)
	var attempts, errored int
	q, err := New(m, "later", Spec[int]{
		WorkFunc: func(*Queue[int], int) Result {
			attempts++
			return RetryLater
		},
		ErrorFunc:  func(*Queue[int], int) { errored++ },
		MaxRetries: 2,
	})
	require.NoError(t, err)
	require.NoError(t, q.Add(1))

	step(t, q, clock)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, q.Len(), "retry later must leave the item in place")
	assert.True(t, q.Scheduled())
	// the rerun is deferred by the hold time
	assert.Equal(t, DefaultHold, m.Remaining(q.handle))

	step(t, q, clock)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 0, errored)

	// one attempt past the budget, as it was only exceeded by this attempt
	step(t, q, clock)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 0, errored)
	assert.Equal(t, 1, q.Len())

	// out of attempts: failed without being run
	step(t, q, clock)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 1, errored)
	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Scheduled())
}

func TestQueue_retryLaterDefaultSpecRetries(t *testing.T) {
	m, clock := newTestMaster(t)
	var attempts, errored int
	q, err := New(m, "later-default", Spec[int]{
		WorkFunc: func(*Queue[int], int) Result {
			attempts++
			if attempts == 1 {
				return RetryLater
			}
			return Success
		},
		ErrorFunc: func(*Queue[int], int) { errored++ },
	})
	require.NoError(t, err)
	require.NoError(t, q.Add(1))

	step(t, q, clock)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, q.Len())

	step(t, q, clock)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 0, errored)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_retryLaterStopsRun(t *testing.T) {
	m, clock := newTestMaster(t)
	var calls []int
	q, err := New(m, "stop", Spec[int]{
		WorkFunc: func(_ *Queue[int], data int) Result {
			calls = append(calls, data)
			if data == 2 && len(calls) == 2 {
				return RetryLater
			}
			return Success
		},
	})
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		require.NoError(t, q.Add(i))
	}

	step(t, q, clock)
	assert.Equal(t, []int{1, 2}, calls)
	assert.Equal(t, 2, q.Len())

	step(t, q, clock)
	assert.Equal(t, []int{1, 2, 2, 3}, calls)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_queueBlockedIsFree(t *testing.T) {
	m, clock := newTestMaster(t)
	var attempts, errored int
	q, err := New(m, "blocked", Spec[int]{
		WorkFunc: func(q *Queue[int], _ int) Result {
			attempts++
			if attempts <= 3 {
				q.Plug()
				return QueueBlocked
			}
			return Success
		},
		ErrorFunc:  func(*Queue[int], int) { errored++ },
		MaxRetries: 1,
	})
	require.NoError(t, err)
	require.NoError(t, q.Add(1))

	for i := 1; i <= 3; i++ {
		step(t, q, clock)
		assert.Equal(t, i, attempts)
		assert.True(t, q.Plugged())
		assert.False(t, q.Scheduled(), "plugged queue was rescheduled")
		q.Unplug()
	}

	step(t, q, clock)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 0, errored)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_requeueLiveness(t *testing.T) {
	m, clock := newTestMaster(t)
	var calls []string
	requeued := false
	var completions int
	q, err := New(m, "requeue", Spec[string]{
		WorkFunc: func(_ *Queue[string], data string) Result {
			calls = append(calls, data)
			if data == "A" && !requeued {
				requeued = true
				return Requeue
			}
			return Success
		},
		CompletionFunc: func(*Queue[string]) { completions++ },
	})
	require.NoError(t, err)
	require.NoError(t, q.Add("A"))
	require.NoError(t, q.Add("B"))

	step(t, q, clock)
	assert.Equal(t, []string{"A", "B", "A"}, calls)
	assert.Equal(t, 1, completions)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_requeueLastItemRevisits(t *testing.T) {
	m, clock := newTestMaster(t)
	var calls int
	q, err := New(m, "single", Spec[int]{
		WorkFunc: func(*Queue[int], int) Result {
			calls++
			if calls < 5 {
				return Requeue
			}
			return Success
		},
		MaxRetries: 1,
	})
	require.NoError(t, err)
	require.NoError(t, q.Add(1))

	step(t, q, clock)
	assert.Equal(t, 5, calls, "requeue doesn't consume retries, and continues the run")
	assert.Equal(t, 0, q.Len())
}

func TestQueue_completionOnce(t *testing.T) {
	m, clock := newTestMaster(t)
	var completions int
	var processed int
	q, err := New(m, "complete", Spec[int]{
		WorkFunc: func(q *Queue[int], _ int) Result {
			processed++
			assert.Equal(t, 0, completions, "completion before the last item")
			return Success
		},
		CompletionFunc: func(q *Queue[int]) {
			completions++
			assert.Equal(t, 0, q.Len())
		},
	})
	require.NoError(t, err)
	for i := range 10 {
		require.NoError(t, q.Add(i))
	}
	assert.Equal(t, 0, completions)

	step(t, q, clock)
	assert.Equal(t, 10, processed)
	assert.Equal(t, 1, completions)
	assert.False(t, q.Scheduled())
}

func TestQueue_yieldAndGranularity(t *testing.T) {
	m, clock := newTestMaster(t)
	q, err := New(m, "yield", Spec[int]{
		WorkFunc: func(*Queue[int], int) Result {
			clock.advance(time.Millisecond)
			return Success
		},
		Yield: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	for i := range 20 {
		require.NoError(t, q.Add(i))
	}

	step(t, q, clock)
	stats := q.Stats()
	assert.Equal(t, 14, stats.Items, "expected a yield after 6 items")
	assert.Equal(t, uint64(1), stats.Runs)
	assert.Equal(t, uint64(6), stats.Total)
	assert.Equal(t, 6, stats.Best)
	assert.Equal(t, 1+DefaultHysteresis, stats.Granularity)
	assert.True(t, q.Scheduled(), "expected an immediate rerun")
	assert.Equal(t, time.Duration(0), m.Remaining(q.handle))
}

func TestQueue_granularityGrows(t *testing.T) {
	m, clock := newTestMaster(t)
	q, err := New(m, "grow", Spec[int]{
		WorkFunc: func(*Queue[int], int) Result { return Success },
		Yield:    time.Hour,
	})
	require.NoError(t, err)

	prev := q.Stats().Granularity
	for range 3 {
		for i := range 1000 {
			require.NoError(t, q.Add(i))
		}
		step(t, q, clock)
		g := q.Stats().Granularity
		assert.Greater(t, g, prev)
		prev = g
	}
	assert.Equal(t, 1000, q.Stats().Best)
}

func TestQueue_tune(t *testing.T) {
	q := &Queue[int]{spec: Spec[int]{Hysteresis: 4}, granularity: 16}

	// yielded early
	q.tune(5, true)
	assert.Equal(t, 5, q.granularity)
	q.tune(0, true)
	assert.Equal(t, MinGranularity, q.granularity)

	// full throughput
	q.granularity = 4
	q.tune(4, false)
	assert.Equal(t, 4, q.granularity)
	assert.Equal(t, 4, q.best)
	q.tune(17, false)
	assert.Equal(t, 8, q.granularity)
	q.tune(200, false)
	assert.Equal(t, 32, q.granularity)
	assert.Equal(t, 200, q.best)

	// short of a full batch, without yielding
	q.tune(3, false)
	assert.Equal(t, 32, q.granularity)
}

func TestQueue_plugUnplug(t *testing.T) {
	m, clock := newTestMaster(t)
	var processed int
	q, err := New(m, "plug", Spec[int]{
		WorkFunc: func(*Queue[int], int) Result {
			processed++
			return Success
		},
		Hold: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	q.Plug()
	require.NoError(t, q.Add(1))
	assert.False(t, q.Scheduled())
	assert.True(t, q.Stats().Plugged)

	q.Unplug()
	assert.True(t, q.Scheduled())
	assert.Equal(t, 10*time.Millisecond, m.Remaining(q.handle))

	q.Plug()
	assert.False(t, q.Scheduled())
	q.Unplug()

	step(t, q, clock)
	assert.Equal(t, 1, processed)
}

func TestQueue_free(t *testing.T) {
	m, _ := newTestMaster(t)
	var deleted []int
	q, err := New(m, "free", Spec[int]{
		WorkFunc:    func(*Queue[int], int) Result { return Success },
		DelItemData: func(_ *Queue[int], data int) { deleted = append(deleted, data) },
	})
	require.NoError(t, err)
	for i := range 3 {
		require.NoError(t, q.Add(i))
	}
	require.True(t, q.Scheduled())

	q.Free()
	assert.Equal(t, []int{0, 1, 2}, deleted)
	assert.False(t, q.Scheduled())
	assert.Equal(t, 0, q.Len())
	assert.ErrorIs(t, q.Add(4), ErrQueueFreed)
	q.Free()
	q.Unplug()
	assert.False(t, q.Scheduled())
}

func TestQueue_freeDuringRun(t *testing.T) {
	m, clock := newTestMaster(t)
	var deleted, processed []int
	q, err := New(m, "free-run", Spec[int]{
		WorkFunc: func(q *Queue[int], data int) Result {
			processed = append(processed, data)
			if data == 1 {
				q.Free()
			}
			return Success
		},
		DelItemData: func(_ *Queue[int], data int) { deleted = append(deleted, data) },
	})
	require.NoError(t, err)
	for i := range 4 {
		require.NoError(t, q.Add(i))
	}

	step(t, q, clock)
	assert.Equal(t, []int{0, 1}, processed)
	assert.Equal(t, []int{0, 1, 2, 3}, deleted)
	assert.False(t, q.Scheduled())
}

func TestNew_invalid(t *testing.T) {
	m, _ := newTestMaster(t)
	_, err := New[int](nil, "x", Spec[int]{WorkFunc: func(*Queue[int], int) Result { return Success }})
	assert.Error(t, err)
	_, err = New(m, "x", Spec[int]{})
	assert.Error(t, err)

	q, err := New(m, "defaults", Spec[int]{WorkFunc: func(*Queue[int], int) Result { return Success }})
	require.NoError(t, err)
	assert.Equal(t, 1, q.spec.MaxRetries)
	assert.Equal(t, DefaultHold, q.spec.Hold)
	assert.Equal(t, DefaultHysteresis, q.spec.Hysteresis)
	assert.Equal(t, MinGranularity, q.Stats().Granularity)
	assert.False(t, q.Plugged())
}

func TestResult_String(t *testing.T) {
	assert.Equal(t, "QueueBlocked", QueueBlocked.String())
	assert.Equal(t, "Unknown", Result(99).String())
}
