package engine

import "sync/atomic"

// Clock holds the latest committed snapshot number.
//
// Snapshots are advanced only by the holder of the write slot, one per
// committed read-write transaction. Readers load the value without locking.
type Clock struct {
	snapshot atomic.Uint64
}

// NewClockAt creates a clock positioned at a committed snapshot.
func NewClockAt(start uint64) *Clock {
	c := &Clock{}
	c.snapshot.Store(start)
	return c
}

// Next returns the snapshot the next commit will produce without advancing.
func (c *Clock) Next() uint64 {
	return c.snapshot.Load() + 1
}

// Current returns the latest committed snapshot.
func (c *Clock) Current() uint64 {
	return c.snapshot.Load()
}

// Advance moves the clock to s. Snapshots never go backwards; an older s is
// ignored and reported as false.
func (c *Clock) Advance(s uint64) bool {
	for {
		cur := c.snapshot.Load()
		if s <= cur {
			return false
		}
		if c.snapshot.CompareAndSwap(cur, s) {
			return true
		}
	}
}
