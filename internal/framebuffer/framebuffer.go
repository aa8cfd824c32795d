// Package framebuffer implements the single-slot latest-wins mailbox connecting the ingest and
// relay stages.
package framebuffer

import (
	"sync"
	"time"

	"github.com/benbaptist/rtsp-proxy/internal/frame"
)

// Buffer holds at most one unread frame plus the most recently delivered one, so the relay stage
// can freeze on the last good frame after the upstream goes quiet. A chan frame.Frame of capacity
// 1 was considered and rejected: a blocking send on a full channel would couple ingest's publish
// rate to relay's drain rate, and we need ingest to always win with the newest frame instead of
// stalling behind a slow or stopped reader.
type Buffer struct {
	mu             sync.Mutex
	pending        *frame.Frame
	lastDelivered  *frame.Frame
	lastReceivedAt time.Time
	ready          chan struct{}
}

// New returns an empty Buffer.
func New() *Buffer {
	return &Buffer{ready: make(chan struct{}, 1)}
}

// Publish stores f as the newest unread frame, overwriting any frame that was never taken.
func (b *Buffer) Publish(f frame.Frame) {
	b.mu.Lock()
	b.pending = &f
	b.lastDelivered = &f
	b.lastReceivedAt = time.Now()
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// TryTake returns the pending frame and clears it, or false if nothing new has arrived since the
// last TryTake.
func (b *Buffer) TryTake() (frame.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == nil {
		return frame.Frame{}, false
	}
	f := *b.pending
	b.pending = nil
	return f, true
}

// LastDelivered returns the most recently published frame even if it has already been taken, for
// freeze-frame reuse. False if no frame has ever been published.
func (b *Buffer) LastDelivered() (frame.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastDelivered == nil {
		return frame.Frame{}, false
	}
	return *b.lastDelivered, true
}

// LastReceivedAt returns the time of the most recent Publish. False if no frame has ever been
// published.
func (b *Buffer) LastReceivedAt() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.lastDelivered == nil {
		return time.Time{}, false
	}
	return b.lastReceivedAt, true
}

// Ready is poked on every Publish so a reader waiting for a new frame wakes promptly. It is not
// poked on shutdown. It is not required reading: TryTake is always safe to poll directly.
func (b *Buffer) Ready() <-chan struct{} {
	return b.ready
}
