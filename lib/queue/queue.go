package queue

import (
	"errors"
	"fmt"
	"github.com/puzpuzpuz/xsync/v3"
	"sync/atomic"
)

var (
	// ErrFull is returned by Allocate when no free slot is left
	ErrFull = errors.New("queue full")
	// ErrInvalidState is returned when a slot is pushed or released twice
	ErrInvalidState = errors.New("slot in invalid state")
	// ErrForeignSlot is returned when a slot is handed to a queue that did not issue it
	ErrForeignSlot = errors.New("slot belongs to another queue")
)

// slot states, every slot is in exactly one of them
const (
	stateFree int32 = iota
	stateAllocated
	statePushed
	statePopped
)

// --------------------------------------------------------------------------
// Queue
// --------------------------------------------------------------------------

// Queue is a bounded pool of fixed-size slots backed by one contiguous arena.
//
// Free slot indices and pushed slot indices are kept in two buffered channels,
// each with capacity for every slot. Since a slot index lives in at most one of
// them, sends never block and receives are done non-blocking.
type Queue struct {
	slotSize int
	arena    []byte
	states   []atomic.Int32

	free  chan int32
	ready chan int32

	allocFailures *xsync.Counter
	pushed        *xsync.Counter
}

// New creates a queue with the given number of slots, each slotSize bytes large
func New(slots, slotSize int) (*Queue, error) {
	if slots <= 0 || slotSize <= 0 {
		return nil, fmt.Errorf("invalid queue dimensions %dx%d", slots, slotSize)
	}

	q := &Queue{
		slotSize:      slotSize,
		arena:         make([]byte, slots*slotSize),
		states:        make([]atomic.Int32, slots),
		free:          make(chan int32, slots),
		ready:         make(chan int32, slots),
		allocFailures: xsync.NewCounter(),
		pushed:        xsync.NewCounter(),
	}
	for i := 0; i < slots; i++ {
		q.free <- int32(i)
	}
	return q, nil
}

// Allocate hands out a free slot. It never blocks and returns ErrFull when every
// slot is in use.
func (q *Queue) Allocate() (Slot, error) {
	select {
	case idx := <-q.free:
		if !q.states[idx].CompareAndSwap(stateFree, stateAllocated) {
			// only reachable if the free list got corrupted
			panic(fmt.Sprintf("queue: free slot %d in state %d", idx, q.states[idx].Load()))
		}
		return Slot{q: q, idx: idx}, nil
	default:
		q.allocFailures.Inc()
		return Slot{}, ErrFull
	}
}

// Push makes an allocated slot visible to consumers
func (q *Queue) Push(s Slot) error {
	if s.q != q {
		return ErrForeignSlot
	}
	if !q.states[s.idx].CompareAndSwap(stateAllocated, statePushed) {
		return fmt.Errorf("%w: push of slot %d", ErrInvalidState, s.idx)
	}
	q.ready <- s.idx
	q.pushed.Inc()
	return nil
}

// Pop returns the oldest pushed slot. The caller owns it until Release.
func (q *Queue) Pop() (Slot, bool) {
	select {
	case idx := <-q.ready:
		if !q.states[idx].CompareAndSwap(statePushed, statePopped) {
			panic(fmt.Sprintf("queue: ready slot %d in state %d", idx, q.states[idx].Load()))
		}
		return Slot{q: q, idx: idx}, true
	default:
		return Slot{}, false
	}
}

// Release returns a popped slot, or an allocated slot that was never pushed, to the free list
func (q *Queue) Release(s Slot) error {
	if s.q != q {
		return ErrForeignSlot
	}
	state := &q.states[s.idx]
	if !state.CompareAndSwap(statePopped, stateFree) && !state.CompareAndSwap(stateAllocated, stateFree) {
		return fmt.Errorf("%w: release of slot %d", ErrInvalidState, s.idx)
	}
	q.free <- s.idx
	return nil
}

// Len is the number of pushed slots waiting for a consumer
func (q *Queue) Len() int { return len(q.ready) }

// Available is the number of free slots
func (q *Queue) Available() int { return len(q.free) }

// Cap is the total number of slots
func (q *Queue) Cap() int { return len(q.states) }

// SlotSize is the size of every slot in bytes
func (q *Queue) SlotSize() int { return q.slotSize }

// AllocFailures counts Allocate calls that returned ErrFull
func (q *Queue) AllocFailures() int64 { return q.allocFailures.Value() }

// Pushed counts successful pushes since creation
func (q *Queue) Pushed() int64 { return q.pushed.Value() }

// --------------------------------------------------------------------------
// Slot
// --------------------------------------------------------------------------

// Slot is a handle to one unit of queue storage. The zero value is invalid.
type Slot struct {
	q   *Queue
	idx int32
}

// Valid reports whether the slot was issued by a queue
func (s Slot) Valid() bool { return s.q != nil }

// Index is the position of the slot inside its queue
func (s Slot) Index() int { return int(s.idx) }

// Bytes returns the full slot storage. It must not be used after the slot is released.
func (s Slot) Bytes() []byte {
	off := int(s.idx) * s.q.slotSize
	return s.q.arena[off : off+s.q.slotSize : off+s.q.slotSize]
}
