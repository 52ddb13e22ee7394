package util

import (
	"runtime"
	"sync/atomic"
)

// node represents a single element in the list
type node[T any] struct {
	value T
	next  atomic.Pointer[node[T]]
}

// DirectList is a lock-free multi-producer single-consumer FIFO.
//
// Any goroutine may Push, exactly one goroutine (the owner of an event loop)
// may TryPop. Unlike a channel it is unbounded, never blocks the producer and
// is drained synchronously from inside the owner's loop.
//
// The list starts with a sentinel node, head always points to the last consumed
// node and tail to the last appended one.
type DirectList[T any] struct {
	head   atomic.Pointer[node[T]]
	tail   atomic.Pointer[node[T]]
	length atomic.Int64
}

// NewDirectList creates an empty list
func NewDirectList[T any]() *DirectList[T] {
	sentinel := &node[T]{}
	l := &DirectList[T]{}
	l.head.Store(sentinel)
	l.tail.Store(sentinel)
	return l
}

// Push appends value to the list.
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func (l *DirectList[T]) Push(value T) {
	newNode := &node[T]{value: value}
	var backoff uint8

	for {
		tailNode := l.tail.Load()
		next := tailNode.next.Load()
		if next == nil {
			if tailNode.next.CompareAndSwap(nil, newNode) {
				// a failing CAS means another producer already advanced the tail
				l.tail.CompareAndSwap(tailNode, newNode)
				l.length.Add(1)
				return
			}
		} else {
			// help a producer that appended but did not move the tail yet
			l.tail.CompareAndSwap(tailNode, next)
		}

		if backoff < 8 {
			backoff++
			for i := 0; i < 1<<backoff; i++ {
				runtime.Gosched()
			}
		}
		runtime.Gosched()
	}
}

// TryPop removes the oldest value. It returns false if the list is empty.
//
// Thread-safety: Only one goroutine may call TryPop.
func (l *DirectList[T]) TryPop() (T, bool) {
	var zero T
	head := l.head.Load()
	next := head.next.Load()
	if next == nil {
		return zero, false
	}
	value := next.value
	next.value = zero
	l.head.Store(next)
	l.length.Add(-1)
	return value, true
}

// Clear drops all values. Same restriction as TryPop.
func (l *DirectList[T]) Clear() int {
	n := 0
	for {
		if _, ok := l.TryPop(); !ok {
			return n
		}
		n++
	}
}

// Len returns an approximate number of values in the list
func (l *DirectList[T]) Len() int {
	return int(l.length.Load())
}
