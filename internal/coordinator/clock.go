package coordinator

import "sync/atomic"

// Clock hands out command sequence numbers.
//
// Every command a coordinator sends is stamped with a strictly increasing
// value, which the collaborator echoes back. Matching on it is what keeps a
// late response from completing the wrong operation.
//
// Thread-safety: Clock is safe for concurrent use, although a coordinator
// only calls Next from inside its own turn.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a clock whose first Next returns 1.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a clock that continues after start.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the last issued sequence number.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
