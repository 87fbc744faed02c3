// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package taskmaster

import (
	"time"
)

// nilIndex terminates lists, and marks a slot that is in no heap.
const nilIndex int32 = -1

// slot is the arena record for a pending task. Slots are addressed by index,
// never by pointer, as the backing slice may be reallocated.
type slot struct {
	arg  any
	fn   Func
	name string

	// deadline is the scheduled time for timers, or the time the slot
	// became ready.
	deadline time.Duration
	// yield overrides the master's yield time, if positive.
	yield time.Duration

	fd  int
	val int

	// gen is incremented each time the slot is released, invalidating any
	// outstanding Handle.
	gen uint32

	// pos is the heap index, while in a timer heap.
	pos int

	// prev and next link the slot into a taskList, or, while unused, the
	// free list (next only).
	prev, next int32

	// typ is the collection the slot currently belongs to.
	typ TaskType
	// kind is the class the task was registered as.
	kind TaskType
}

// arena owns every slot, and recycles released slots through a free list,
// so that steady state scheduling doesn't allocate.
type arena struct {
	slots []slot
	free  int32
	// unused is the number of slots on the free list.
	unused int
	// base is the first generation given to newly appended slots, raised by
	// trim so that handles to truncated slots stay stale.
	base uint32
}

func newArena() arena {
	return arena{free: nilIndex}
}

// get returns a fresh slot, reusing a released one if possible.
func (x *arena) get(kind TaskType, name string, fn Func, arg any) int32 {
	var id int32
	if x.free != nilIndex {
		id = x.free
		x.free = x.slots[id].next
		x.unused--
	} else {
		id = int32(len(x.slots))
		x.slots = append(x.slots, slot{gen: x.base})
	}
	s := &x.slots[id]
	gen := s.gen
	if gen == 0 {
		gen = 1
	}
	*s = slot{
		arg:  arg,
		fn:   fn,
		name: name,
		fd:   -1,
		gen:  gen,
		pos:  -1,
		prev: nilIndex,
		next: nilIndex,
		typ:  kind,
		kind: kind,
	}
	return id
}

// put releases a slot, which must not be a member of any collection.
func (x *arena) put(id int32) {
	s := &x.slots[id]
	gen := s.gen
	*s = slot{
		gen:  gen + 1,
		pos:  -1,
		prev: nilIndex,
		next: x.free,
		typ:  TaskUnused,
	}
	if s.gen == 0 {
		s.gen = 1
	}
	x.free = id
	x.unused++
}

// handle returns the Handle for a live slot.
func (x *arena) handle(id int32) Handle {
	return Handle{idx: id, gen: x.slots[id].gen}
}

// lookup resolves a Handle, returning false if it is stale or invalid.
func (x *arena) lookup(h Handle) (int32, bool) {
	if h.gen == 0 || h.idx < 0 || int(h.idx) >= len(x.slots) {
		return nilIndex, false
	}
	if s := &x.slots[h.idx]; s.gen != h.gen || s.typ == TaskUnused {
		return nilIndex, false
	}
	return h.idx, true
}

// trim drops the free list, releasing the memory held by unused slots at
// the end of the arena. Outstanding handles to them remain stale.
func (x *arena) trim() {
	n := len(x.slots)
	for n > 0 && x.slots[n-1].typ == TaskUnused {
		n--
	}
	if n == len(x.slots) {
		return
	}
	for i := n; i < len(x.slots); i++ {
		if g := x.slots[i].gen + 1; g > x.base {
			x.base = g
		}
	}
	// rebuild the free list, excluding the truncated tail
	x.free = nilIndex
	x.unused = 0
	for i := int32(n) - 1; i >= 0; i-- {
		if x.slots[i].typ == TaskUnused {
			x.slots[i].next = x.free
			x.free = i
			x.unused++
		}
	}
	clear(x.slots[n:])
	x.slots = x.slots[:n]
}

// taskList is a FIFO of slots, doubly linked via the slots themselves,
// supporting O(1) append, pop-front, and delete-by-node.
type taskList struct {
	head, tail int32
	count      int
}

func newTaskList() taskList {
	return taskList{head: nilIndex, tail: nilIndex}
}

func (l *taskList) add(a *arena, id int32) {
	s := &a.slots[id]
	s.prev = l.tail
	s.next = nilIndex
	if l.tail != nilIndex {
		a.slots[l.tail].next = id
	} else {
		l.head = id
	}
	l.tail = id
	l.count++
}

func (l *taskList) remove(a *arena, id int32) {
	s := &a.slots[id]
	if s.prev != nilIndex {
		a.slots[s.prev].next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nilIndex {
		a.slots[s.next].prev = s.prev
	} else {
		l.tail = s.prev
	}
	s.prev, s.next = nilIndex, nilIndex
	l.count--
}

func (l *taskList) pop(a *arena) (int32, bool) {
	id := l.head
	if id == nilIndex {
		return nilIndex, false
	}
	l.remove(a, id)
	return id, true
}

// iter returns an iterator that is safe against deletion of the element it
// last returned.
func (l *taskList) iter(a *arena) listIter {
	return listIter{a: a, next: l.head}
}

// listIter snapshots the successor before yielding each element.
type listIter struct {
	a    *arena
	next int32
}

func (x *listIter) Next() (int32, bool) {
	id := x.next
	if id == nilIndex {
		return nilIndex, false
	}
	x.next = x.a.slots[id].next
	return id, true
}
