// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmaster

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHeap() (*arena, *timerHeap) {
	a := newArena()
	return &a, &timerHeap{a: &a}
}

func pushDeadline(a *arena, h *timerHeap, d time.Duration) int32 {
	id := a.get(TaskTimer, "", nil, nil)
	a.slots[id].deadline = d
	h.enqueue(id)
	return id
}

// checkHeap verifies both the heap invariant, and that every slot's pos
// matches its index.
func checkHeap(t *testing.T, a *arena, h *timerHeap) {
	t.Helper()
	for i, id := range h.ids {
		require.Equal(t, i, a.slots[id].pos, "slot %d has stale pos", id)
		for _, c := range [...]int{2*i + 1, 2*i + 2} {
			if c < len(h.ids) {
				require.LessOrEqual(t, a.slots[id].deadline, a.slots[h.ids[c]].deadline, "heap invariant violated at %d", i)
			}
		}
	}
}

func drainDeadlines(a *arena, h *timerHeap) []time.Duration {
	var out []time.Duration
	for id, ok := h.dequeue(); ok; id, ok = h.dequeue() {
		out = append(out, a.slots[id].deadline)
		a.put(id)
	}
	return out
}

func TestTimerHeap_deadlineOrdering(t *testing.T) {
	a, h := newTestHeap()
	for _, ms := range []int{5, 1, 3, 2, 4} {
		pushDeadline(a, h, time.Duration(ms)*time.Millisecond)
		checkHeap(t, a, h)
	}
	assert.Equal(t, []time.Duration{
		1 * time.Millisecond,
		2 * time.Millisecond,
		3 * time.Millisecond,
		4 * time.Millisecond,
		5 * time.Millisecond,
	}, drainDeadlines(a, h))
	_, ok := h.peek()
	assert.False(t, ok)
}

func TestTimerHeap_removeAtPreservesOrder(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	a, h := newTestHeap()

	for range 100 {
		pushDeadline(a, h, time.Duration(rng.IntN(1000))*time.Millisecond)
	}
	checkHeap(t, a, h)

	for range 50 {
		id := h.removeAt(rng.IntN(h.Len()))
		assert.Equal(t, -1, a.slots[id].pos)
		a.put(id)
		checkHeap(t, a, h)
	}
	require.Equal(t, 50, h.Len())

	out := drainDeadlines(a, h)
	require.Len(t, out, 50)
	for i := 1; i < len(out); i++ {
		assert.LessOrEqual(t, out[i-1], out[i])
	}
}

func TestTimerHeap_removeByPos(t *testing.T) {
	a, h := newTestHeap()
	ids := make([]int32, 0, 20)
	for i := range 20 {
		ids = append(ids, pushDeadline(a, h, time.Duration(20-i)))
	}
	// remove every even deadline, via the pos each slot tracks
	for _, id := range ids {
		if a.slots[id].deadline%2 == 0 {
			require.Equal(t, id, h.removeAt(a.slots[id].pos))
			checkHeap(t, a, h)
		}
	}
	out := drainDeadlines(a, h)
	assert.Equal(t, []time.Duration{1, 3, 5, 7, 9, 11, 13, 15, 17, 19}, out)
}

func TestTimerHeap_mixedOperations(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	a, h := newTestHeap()
	for range 1000 {
		switch n := h.Len(); {
		case n == 0 || rng.IntN(3) == 0:
			pushDeadline(a, h, time.Duration(rng.IntN(100)))
		case rng.IntN(2) == 0:
			id, _ := h.dequeue()
			a.put(id)
		default:
			a.put(h.removeAt(rng.IntN(n)))
		}
		checkHeap(t, a, h)
	}
}

func TestTimerHeap_expired(t *testing.T) {
	a, h := newTestHeap()
	for _, d := range []time.Duration{30, 10, 20, 40} {
		pushDeadline(a, h, d)
	}
	var got []time.Duration
	h.expired(25, func(id int32) {
		got = append(got, a.slots[id].deadline)
	})
	assert.Equal(t, []time.Duration{10, 20}, got)
	next, ok := h.next()
	assert.True(t, ok)
	assert.Equal(t, time.Duration(30), next)
}
