package queue

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"
)

const (
	testSlots    = 8
	testSlotSize = 64
	headerSize   = 11
)

func newTestQueue(t testing.TB) *Queue {
	q, err := New(testSlots, testSlotSize)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return q
}

func TestNewInvalid(t *testing.T) {
	if _, err := New(0, 10); err == nil {
		t.Error("expected error for zero slots")
	}
	if _, err := New(10, 0); err == nil {
		t.Error("expected error for zero slot size")
	}
}

// TestRoundTrip writes a length prefixed payload of every size that fits and
// reads back the exact same bytes.
func TestRoundTrip(t *testing.T) {
	q := newTestQueue(t)

	for size := 0; size <= testSlotSize-headerSize; size++ {
		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(size + i)
		}

		s, err := q.Allocate()
		if err != nil {
			t.Fatalf("size %d: Allocate failed: %v", size, err)
		}
		buf := s.Bytes()
		if len(buf) != testSlotSize {
			t.Fatalf("slot has %d bytes, want %d", len(buf), testSlotSize)
		}
		binary.BigEndian.PutUint32(buf[0:4], uint32(size))
		copy(buf[headerSize:], payload)

		if err := q.Push(s); err != nil {
			t.Fatalf("size %d: Push failed: %v", size, err)
		}

		got, ok := q.Pop()
		if !ok {
			t.Fatalf("size %d: Pop returned nothing", size)
		}
		gotBuf := got.Bytes()
		n := binary.BigEndian.Uint32(gotBuf[0:4])
		if int(n) != size || !bytes.Equal(gotBuf[headerSize:headerSize+int(n)], payload) {
			t.Fatalf("size %d: payload mismatch", size)
		}
		if err := q.Release(got); err != nil {
			t.Fatalf("size %d: Release failed: %v", size, err)
		}
	}

	if q.Available() != testSlots {
		t.Errorf("expected all %d slots free, got %d", testSlots, q.Available())
	}
}

func TestAllocateFullFailsFast(t *testing.T) {
	q := newTestQueue(t)

	slots := make([]Slot, 0, testSlots)
	for i := 0; i < testSlots; i++ {
		s, err := q.Allocate()
		if err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
		slots = append(slots, s)
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.Allocate()
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrFull) {
			t.Fatalf("expected ErrFull, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Allocate blocked on a full queue")
	}

	if q.AllocFailures() != 1 {
		t.Errorf("expected 1 alloc failure, got %d", q.AllocFailures())
	}

	// releasing an unpushed slot makes room again
	if err := q.Release(slots[0]); err != nil {
		t.Fatalf("Release of allocated slot failed: %v", err)
	}
	if _, err := q.Allocate(); err != nil {
		t.Fatalf("Allocate after release failed: %v", err)
	}
}

func TestFIFO(t *testing.T) {
	q := newTestQueue(t)

	for i := 0; i < testSlots; i++ {
		s, _ := q.Allocate()
		s.Bytes()[0] = byte(i)
		if err := q.Push(s); err != nil {
			t.Fatal(err)
		}
	}
	if q.Len() != testSlots {
		t.Fatalf("expected %d pushed slots, got %d", testSlots, q.Len())
	}

	for i := 0; i < testSlots; i++ {
		s, ok := q.Pop()
		if !ok {
			t.Fatalf("Pop %d returned nothing", i)
		}
		if s.Bytes()[0] != byte(i) {
			t.Errorf("expected item %d, got %d", i, s.Bytes()[0])
		}
		_ = q.Release(s)
	}

	if _, ok := q.Pop(); ok {
		t.Error("Pop on empty queue should return false")
	}
}

func TestInvalidTransitions(t *testing.T) {
	q := newTestQueue(t)
	other := newTestQueue(t)

	s, _ := q.Allocate()
	if err := other.Push(s); !errors.Is(err, ErrForeignSlot) {
		t.Errorf("expected ErrForeignSlot, got %v", err)
	}
	if err := q.Push(s); err != nil {
		t.Fatal(err)
	}
	if err := q.Push(s); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double push: expected ErrInvalidState, got %v", err)
	}
	// a pushed slot belongs to the consumers
	if err := q.Release(s); !errors.Is(err, ErrInvalidState) {
		t.Errorf("release of pushed slot: expected ErrInvalidState, got %v", err)
	}

	popped, _ := q.Pop()
	if err := q.Release(popped); err != nil {
		t.Fatal(err)
	}
	if err := q.Release(popped); !errors.Is(err, ErrInvalidState) {
		t.Errorf("double release: expected ErrInvalidState, got %v", err)
	}
	if q.Available() != testSlots {
		t.Errorf("double release must not duplicate free slots: %d", q.Available())
	}
}

// TestConcurrentNoDoubleIssue checks that no slot is ever held by two consumers at once.
func TestConcurrentNoDoubleIssue(t *testing.T) {
	q := newTestQueue(t)

	const (
		producers = 4
		perProd   = 2000
	)

	var held [testSlots]int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	consumed := make(chan struct{}, producers*perProd)

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProd; {
				s, err := q.Allocate()
				if err != nil {
					time.Sleep(time.Microsecond)
					continue
				}
				if err := q.Push(s); err != nil {
					t.Errorf("Push failed: %v", err)
					return
				}
				i++
			}
		}()
	}

	stop := make(chan struct{})
	var cwg sync.WaitGroup
	for c := 0; c < 3; c++ {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				s, ok := q.Pop()
				if !ok {
					select {
					case <-stop:
						return
					default:
						time.Sleep(time.Microsecond)
						continue
					}
				}
				mu.Lock()
				held[s.Index()]++
				if held[s.Index()] != 1 {
					t.Errorf("slot %d issued twice", s.Index())
				}
				held[s.Index()]--
				mu.Unlock()
				if err := q.Release(s); err != nil {
					t.Errorf("Release failed: %v", err)
				}
				consumed <- struct{}{}
			}
		}()
	}

	wg.Wait()
	for i := 0; i < producers*perProd; i++ {
		select {
		case <-consumed:
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d of %d items consumed", i, producers*perProd)
		}
	}
	close(stop)
	cwg.Wait()

	if q.Pushed() != producers*perProd {
		t.Errorf("expected %d pushes, got %d", producers*perProd, q.Pushed())
	}
	if q.Available() != testSlots {
		t.Errorf("expected all slots free, got %d", q.Available())
	}
}

func BenchmarkAllocatePushPopRelease(b *testing.B) {
	q, _ := New(1024, 256)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			s, err := q.Allocate()
			if err != nil {
				continue
			}
			_ = q.Push(s)
			if p, ok := q.Pop(); ok {
				_ = q.Release(p)
			}
		}
	})
}
