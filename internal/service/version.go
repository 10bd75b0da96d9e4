package service

import (
	"sync/atomic"
	"time"
)

// VersionClock hands out monotonically increasing logical versions. Versions
// are epoch milliseconds bumped past the previous value when wall clock
// stalls or regresses, so two writes in the same millisecond still order.
type VersionClock struct {
	last atomic.Int64
}

// NewVersionClock creates a clock seeded from the current wall time.
func NewVersionClock() *VersionClock {
	c := &VersionClock{}
	c.last.Store(time.Now().UnixMilli())
	return c
}

// Next returns a fresh version strictly greater than every prior one.
func (c *VersionClock) Next() int64 {
	for {
		last := c.last.Load()
		next := time.Now().UnixMilli()
		if next <= last {
			next = last + 1
		}
		if c.last.CompareAndSwap(last, next) {
			return next
		}
	}
}
