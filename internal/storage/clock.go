package storage

import (
	"crypto/rand"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// timeLayout is fixed-width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

// MonotonicClock hands out strictly increasing UTC timestamps and ULIDs.
// Every message timestamp in a process comes from one clock so concurrent
// saves never reorder a conversation.
type MonotonicClock struct {
	mu      sync.Mutex
	now     func() time.Time
	last    time.Time
	entropy io.Reader
}

// NewMonotonicClock returns a clock backed by time.Now.
func NewMonotonicClock() *MonotonicClock {
	return NewMonotonicClockWith(time.Now)
}

// NewMonotonicClockWith returns a clock backed by now (for tests).
func NewMonotonicClockWith(now func() time.Time) *MonotonicClock {
	return &MonotonicClock{now: now, entropy: ulid.Monotonic(rand.Reader, 0)}
}

// Now returns the current time, bumped by a nanosecond when it would not
// be after the previously returned value.
func (c *MonotonicClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tick()
}

func (c *MonotonicClock) tick() time.Time {
	t := c.now().UTC()
	if !t.After(c.last) {
		t = c.last.Add(time.Nanosecond)
	}
	c.last = t
	return t
}

// NewID returns a ULID whose ordering follows the clock.
func (c *MonotonicClock) NewID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(c.tick()), c.entropy).String()
}

// Stamp returns a timestamp and a ULID drawn together.
func (c *MonotonicClock) Stamp() (time.Time, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.tick()
	return t, ulid.MustNew(ulid.Timestamp(t), c.entropy).String()
}
