package audio

import "sync/atomic"

// Stats is a point-in-time view of the capture counters.
type Stats struct {
	Captured   uint64 `json:"captured"`
	Dropped    uint64 `json:"dropped"`
	Overflows  uint64 `json:"overflows"`
	Underflows uint64 `json:"underflows"`
	Short      uint64 `json:"short"`
	Queued     int    `json:"queued"`
	Capacity   int    `json:"capacity"`
}

// Capture is the device callback side of the pipeline. OnBuffer copies each
// device buffer into a preallocated slot, tags it with the next sequence
// number and pushes it to the queue.
//
// The slab holds Cap()+2 slots: at most Cap() blocks sit in the queue and one
// is held by the consumer, so the slot written next is never in use. The
// slot index only advances on a successful push.
//
// OnBuffer must be called from a single goroutine at a time, which every
// Device in this package guarantees.
type Capture struct {
	queue  *Queue
	format Format
	slab   [][]byte
	next   int
	seq    uint64

	captured   atomic.Uint64
	overflows  atomic.Uint64
	underflows atomic.Uint64
	short      atomic.Uint64
}

// NewCapture sizes the slab for q and format.
func NewCapture(q *Queue, format Format) *Capture {
	slots := q.Cap() + 2
	size := format.BlockBytes()
	backing := make([]byte, slots*size)
	slab := make([][]byte, slots)
	for i := range slab {
		slab[i] = backing[i*size : (i+1)*size : (i+1)*size]
	}
	return &Capture{queue: q, format: format, slab: slab}
}

// OnBuffer is the device Callback. frames is the number of valid frames in
// buf; anything short of a full block is zero-padded. It never blocks and
// does not allocate.
func (c *Capture) OnBuffer(buf []byte, frames int, status Status) {
	if c.queue.Closed() {
		return
	}
	seq := c.seq
	c.seq++
	c.captured.Add(1)

	if status&StatusInputOverflow != 0 {
		c.overflows.Add(1)
	}
	if status&StatusInputUnderflow != 0 {
		c.underflows.Add(1)
	}

	valid := frames * c.format.FrameBytes()
	if valid > len(buf) || valid < 0 {
		valid = len(buf)
	}
	slot := c.slab[c.next]
	n := copy(slot, buf[:valid])
	if n < len(slot) {
		clear(slot[n:])
		c.short.Add(1)
	}

	if err := c.queue.Push(Block{Seq: seq, Data: slot}); err == nil {
		c.next = (c.next + 1) % len(c.slab)
	}
}

// Format returns the block geometry the capture was built for.
func (c *Capture) Format() Format { return c.format }

// Stats is safe to call from any goroutine.
func (c *Capture) Stats() Stats {
	return Stats{
		Captured:   c.captured.Load(),
		Dropped:    c.queue.Dropped(),
		Overflows:  c.overflows.Load(),
		Underflows: c.underflows.Load(),
		Short:      c.short.Load(),
		Queued:     c.queue.Len(),
		Capacity:   c.queue.Cap(),
	}
}
