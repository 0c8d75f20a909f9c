package ingest

import (
	"context"
	"sync"

	"github.com/banshee-data/aplocate/internal/fusion"
)

// DefaultMaxObs caps a capture buffer.
const DefaultMaxObs = 400

// CaptureBuffer is a bounded FIFO of observations shared by probes. When
// full, the oldest observation is discarded.
type CaptureBuffer struct {
	mu      sync.Mutex
	buf     []fusion.Observation
	max     int
	dropped int
}

// NewCaptureBuffer returns a buffer holding at most max observations.
func NewCaptureBuffer(max int) *CaptureBuffer {
	if max <= 0 {
		max = DefaultMaxObs
	}
	return &CaptureBuffer{max: max}
}

// Add appends o, evicting the oldest entry when full.
func (b *CaptureBuffer) Add(o fusion.Observation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.buf) == b.max {
		copy(b.buf, b.buf[1:])
		b.buf = b.buf[:len(b.buf)-1]
		b.dropped++
	}
	b.buf = append(b.buf, o)
}

// Len returns the number of buffered observations.
func (b *CaptureBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Dropped returns how many observations were evicted since creation.
func (b *CaptureBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Drain returns the buffered observations and empties the buffer.
func (b *CaptureBuffer) Drain() []fusion.Observation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.buf
	b.buf = make([]fusion.Observation, 0, len(out))
	return out
}

// Next drains the buffer; it satisfies the pipeline Source interface.
func (b *CaptureBuffer) Next(ctx context.Context) ([]fusion.Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.Drain(), nil
}
