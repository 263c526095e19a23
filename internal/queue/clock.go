package queue

import "sync/atomic"

// Clock stamps enqueuedAt with strictly increasing logical values.
// It is safe for concurrent use.
type Clock struct {
	seq atomic.Int64
}

func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt resumes a clock so the next value is start+1.
// Recover uses it to continue above the highest stored enqueuedAt.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

func (c *Clock) Current() int64 {
	return c.seq.Load()
}
