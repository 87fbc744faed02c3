// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmaster

import (
	"container/heap"
	"time"
)

// timerHeap is a min-heap of slots, ordered by deadline. Every structural
// move writes the slot's new position back to the slot (see Swap and Push),
// which allows O(log n) removal of an arbitrary pending timer, via
// heap.Remove(h, slot.pos).
//
// Ties are broken by whatever order the heap operations leave them in, i.e.
// insertion order is NOT preserved.
type timerHeap struct {
	a   *arena
	ids []int32
}

// Implement heap.Interface for timerHeap
func (h *timerHeap) Len() int { return len(h.ids) }

func (h *timerHeap) Less(i, j int) bool {
	return h.a.slots[h.ids[i]].deadline < h.a.slots[h.ids[j]].deadline
}

func (h *timerHeap) Swap(i, j int) {
	h.ids[i], h.ids[j] = h.ids[j], h.ids[i]
	h.a.slots[h.ids[i]].pos = i
	h.a.slots[h.ids[j]].pos = j
}

func (h *timerHeap) Push(x any) {
	id := x.(int32)
	h.a.slots[id].pos = len(h.ids)
	h.ids = append(h.ids, id)
}

func (h *timerHeap) Pop() any {
	n := len(h.ids)
	id := h.ids[n-1]
	h.ids = h.ids[:n-1]
	h.a.slots[id].pos = -1
	return id
}

// enqueue inserts a slot, in O(log n).
func (h *timerHeap) enqueue(id int32) { heap.Push(h, id) }

// peek returns the earliest deadline slot, without removing it.
func (h *timerHeap) peek() (int32, bool) {
	if len(h.ids) == 0 {
		return nilIndex, false
	}
	return h.ids[0], true
}

// dequeue removes the earliest deadline slot, in O(log n).
func (h *timerHeap) dequeue() (int32, bool) {
	if len(h.ids) == 0 {
		return nilIndex, false
	}
	return heap.Pop(h).(int32), true
}

// removeAt removes the slot at heap index i, in O(log n).
func (h *timerHeap) removeAt(i int) int32 {
	return heap.Remove(h, i).(int32)
}

// next returns the earliest deadline, if any.
func (h *timerHeap) next() (time.Duration, bool) {
	if id, ok := h.peek(); ok {
		return h.a.slots[id].deadline, true
	}
	return 0, false
}

// expired dequeues, in deadline order, every slot due at or before now,
// passing each to fn.
func (h *timerHeap) expired(now time.Duration, fn func(id int32)) {
	for {
		id, ok := h.peek()
		if !ok || h.a.slots[id].deadline > now {
			return
		}
		heap.Pop(h)
		fn(id)
	}
}
