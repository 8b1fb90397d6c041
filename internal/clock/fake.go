package clock

import (
	"sync/atomic"
	"time"
)

// FakeClock is a Clock that only moves when a test advances it.
type FakeClock struct {
	start   time.Time
	elapsed atomic.Int64
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{start: start.UTC()}
}

func (c *FakeClock) Now() time.Time {
	return c.start.Add(time.Duration(c.elapsed.Load()))
}

func (c *FakeClock) Advance(d time.Duration) {
	c.elapsed.Add(int64(d))
}
