// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package workqueue

// item is a queued unit of work, plus the number of attempts made on it.
type item[T any] struct {
	data       T
	prev, next *item[T]
	ran        int
}

// itemList is a FIFO of items, supporting O(1) append, delete, and
// move-to-tail.
type itemList[T any] struct {
	head, tail *item[T]
	count      int
}

func (l *itemList[T]) pushBack(x *item[T]) {
	x.prev = l.tail
	x.next = nil
	if l.tail != nil {
		l.tail.next = x
	} else {
		l.head = x
	}
	l.tail = x
	l.count++
}

func (l *itemList[T]) remove(x *item[T]) {
	if x.prev != nil {
		x.prev.next = x.next
	} else {
		l.head = x.next
	}
	if x.next != nil {
		x.next.prev = x.prev
	} else {
		l.tail = x.prev
	}
	x.prev, x.next = nil, nil
	l.count--
}

func (l *itemList[T]) moveToBack(x *item[T]) {
	if l.tail == x {
		return
	}
	l.remove(x)
	l.pushBack(x)
}

// iterator walks the list, capturing each element's successor before
// yielding it, so the yielded element may be removed or moved.
type iterator[T any] struct {
	next *item[T]
}

func (l *itemList[T]) iter() iterator[T] { return iterator[T]{next: l.head} }

func (x *iterator[T]) Next() (*item[T], bool) {
	v := x.next
	if v == nil {
		return nil, false
	}
	x.next = v.next
	return v, true
}
