package util

import (
	"sync"
	"testing"
	"time"
)

func TestRoundRobin(t *testing.T) {
	rr := NewRoundRobin(3)
	want := []int{0, 1, 2, 0, 1, 2, 0}
	for i, w := range want {
		if got := rr.Next(); got != w {
			t.Errorf("step %d: expected %d, got %d", i, w, got)
		}
	}
	if rr.Size() != 3 {
		t.Errorf("expected size 3, got %d", rr.Size())
	}
}

func TestRoundRobinConcurrentIsEven(t *testing.T) {
	const n = 4
	rr := NewRoundRobin(n)

	var mu sync.Mutex
	counts := make([]int, n)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int, n)
			for i := 0; i < 1000; i++ {
				local[rr.Next()]++
			}
			mu.Lock()
			for i := range local {
				counts[i] += local[i]
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	for i, c := range counts {
		if c != 2000 {
			t.Errorf("target %d got %d picks, want 2000", i, c)
		}
	}
}

func TestRandomCoversRange(t *testing.T) {
	const n = 5
	r := NewRandom(n, 42)
	seen := make([]int, n)
	for i := 0; i < 10000; i++ {
		v := r.Next()
		if v < 0 || v >= n {
			t.Fatalf("index %d out of range", v)
		}
		seen[v]++
	}

	values := make([]float64, n)
	for i, c := range seen {
		values[i] = float64(c)
	}
	if stats := NewLoadStats(values); stats.Balance < 0.8 {
		t.Errorf("random distribution too uneven: %+v", stats)
	}

	// deterministic for equal seeds
	a, b := NewRandom(n, 7), NewRandom(n, 7)
	for i := 0; i < 100; i++ {
		if a.Next() != b.Next() {
			t.Fatal("equal seeds must give equal sequences")
		}
	}
}

func TestBalancerPanicsOnEmpty(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for zero targets")
		}
	}()
	NewRoundRobin(0)
}

func TestJitter(t *testing.T) {
	d := time.Second
	if got := Jitter(d, 0.1, 0); got != 900*time.Millisecond {
		t.Errorf("lower bound: got %v", got)
	}
	if got := Jitter(d, 0.1, 0.5); got != d {
		t.Errorf("midpoint: got %v", got)
	}
	if got := Jitter(d, 0, 0.9); got != d {
		t.Errorf("no jitter: got %v", got)
	}
}
