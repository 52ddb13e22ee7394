package util

import (
	"sync"
	"testing"
)

// TestDirectListBasic tests basic push and pop functionality
func TestDirectListBasic(t *testing.T) {
	l := NewDirectList[int]()

	if _, ok := l.TryPop(); ok {
		t.Fatal("empty list should not return a value")
	}

	for i := 0; i < 10; i++ {
		l.Push(i)
	}
	if l.Len() != 10 {
		t.Fatalf("expected length 10, got %d", l.Len())
	}

	for i := 0; i < 10; i++ {
		v, ok := l.TryPop()
		if !ok {
			t.Fatalf("missing item %d", i)
		}
		if v != i {
			t.Errorf("expected %d, got %d", i, v)
		}
	}

	if _, ok := l.TryPop(); ok {
		t.Error("list should be empty")
	}
	if l.Len() != 0 {
		t.Errorf("expected length 0, got %d", l.Len())
	}
}

func TestDirectListClear(t *testing.T) {
	l := NewDirectList[[]byte]()
	l.Push([]byte("a"))
	l.Push([]byte("b"))
	if n := l.Clear(); n != 2 {
		t.Errorf("expected 2 cleared values, got %d", n)
	}
	l.Push([]byte("c"))
	v, ok := l.TryPop()
	if !ok || string(v) != "c" {
		t.Errorf("expected c after clear, got %q", v)
	}
}

// TestDirectListConcurrentProducers verifies every pushed value is popped exactly once
// and that the order per producer is kept.
func TestDirectListConcurrentProducers(t *testing.T) {
	l := NewDirectList[[2]int]()

	const numProducers = 8
	const itemsPerProducer = 5000

	var wg sync.WaitGroup
	for p := 0; p < numProducers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < itemsPerProducer; i++ {
				l.Push([2]int{p, i})
			}
		}(p)
	}

	last := make([]int, numProducers)
	for i := range last {
		last[i] = -1
	}

	received := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	finished := false
	for !finished {
		select {
		case <-done:
			finished = true
		default:
		}
		for {
			v, ok := l.TryPop()
			if !ok {
				break
			}
			if v[1] != last[v[0]]+1 {
				t.Fatalf("producer %d: expected item %d, got %d", v[0], last[v[0]]+1, v[1])
			}
			last[v[0]] = v[1]
			received++
		}
	}

	if received != numProducers*itemsPerProducer {
		t.Errorf("expected %d items, got %d", numProducers*itemsPerProducer, received)
	}
}

func BenchmarkDirectListPush(b *testing.B) {
	l := NewDirectList[int]()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			l.Push(1)
		}
	})
}
