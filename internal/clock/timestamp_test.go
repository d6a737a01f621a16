package clock

import (
	"sync"
	"testing"
	"time"
)

func TestTimestamper_StrictlyIncreasingOnFrozenClock(t *testing.T) {
	m := NewManual(time.Time{})
	ts := NewTimestamper(m)

	prev := ts.Next()
	for i := 0; i < 100; i++ {
		next := ts.Next()
		if next <= prev {
			t.Fatalf("Timestamp went backwards or repeated: %d after %d", next, prev)
		}
		prev = next
	}
}

func TestTimestamper_ClockSkewBackwards(t *testing.T) {
	m := NewManual(time.Time{})
	ts := NewTimestamper(m)

	first := ts.Next()
	m.Advance(-time.Hour)
	second := ts.Next()
	if second <= first {
		t.Errorf("Expected %d > %d after clock moved back", second, first)
	}
}

func TestTimestamper_Observe(t *testing.T) {
	m := NewManual(time.Time{})
	ts := NewTimestamper(m)

	remote := Micros(m.Now()) + 1_000_000
	ts.Observe(remote)
	if got := ts.Next(); got <= remote {
		t.Errorf("Expected timestamp after observed %d, got %d", remote, got)
	}
}

func TestTimestamper_Concurrent(t *testing.T) {
	ts := NewTimestamper(NewManual(time.Time{}))

	var mu sync.Mutex
	seen := make(map[int64]bool)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v := ts.Next()
				mu.Lock()
				if seen[v] {
					t.Errorf("Duplicate timestamp %d", v)
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != 1000 {
		t.Errorf("Expected 1000 unique timestamps, got %d", len(seen))
	}
}
