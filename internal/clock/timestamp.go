package clock

import (
	"sync"
	"time"
)

// Micros converts t to a write timestamp in microseconds since the Unix epoch.
func Micros(t time.Time) int64 {
	return t.UnixMicro()
}

// Timestamper hands out strictly increasing write timestamps derived from a Clock.
// Two writes issued by the same node never share a timestamp, even when the
// underlying clock does not move between them.
type Timestamper struct {
	mu    sync.Mutex
	clock Clock
	last  int64
}

// NewTimestamper creates a timestamper reading from c.
func NewTimestamper(c Clock) *Timestamper {
	if c == nil {
		c = System()
	}
	return &Timestamper{clock: c}
}

// Next returns a timestamp greater than every previously returned one.
func (t *Timestamper) Next() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	ts := Micros(t.clock.Now())
	if ts <= t.last {
		ts = t.last + 1
	}
	t.last = ts
	return ts
}

// Observe advances the timestamper past ts, so local writes issued after
// receiving a remote write order after it.
func (t *Timestamper) Observe(ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ts > t.last {
		t.last = ts
	}
}

// Clock returns the underlying clock.
func (t *Timestamper) Clock() Clock {
	return t.clock
}

// Since is a convenience for c.Now().Sub(t).
func Since(c Clock, t time.Time) time.Duration {
	return c.Now().Sub(t)
}
