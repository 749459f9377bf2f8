// Package buffer implements the bounded submit event FIFO owned exclusively
// by the session worker. Submitter goroutines call TryPush concurrently;
// only the session worker calls Drain and ShouldFlush.
//
// Drain hands back the current slice and starts a fresh one in a single
// locked swap, so a caller iterating the returned batch never races a
// concurrent TryPush building the next one.
package buffer

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Event is one captured submission.
type Event struct {
	Name      string
	Timestamp int64 // nanoseconds since Unix epoch, captured at the submit call site
	Data      []byte
}

// serializedSize approximates the size of Event on the wire: the PUSH
// record encoding's 2-byte name length + name + 8-byte timestamp + 2-byte
// data length + data.
func serializedSize(e Event) int {
	return 2 + len(e.Name) + 8 + 2 + len(e.Data)
}

// Buffer is a bounded FIFO of events. The zero value is not usable; use
// New.
type Buffer struct {
	mu             sync.Mutex
	events         []Event
	size           int
	highWaterMark  int
	firstInsertion time.Time // zero Time means "unset"
	clock          clock.Clock
}

// New creates a Buffer with the given serialised-size high-water mark.
// clk is injectable so tests can control the first-insertion instant and
// ShouldFlush deterministically; production callers should pass
// clock.New().
func New(highWaterMark int, clk clock.Clock) *Buffer {
	if clk == nil {
		clk = clock.New()
	}
	return &Buffer{
		highWaterMark: highWaterMark,
		clock:         clk,
	}
}

// TryPush accepts ev unless doing so would push the buffer's total
// serialised size over the high-water mark. On the first insert into an
// empty buffer it records firstInsertion.
func (b *Buffer) TryPush(ev Event) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sz := serializedSize(ev)
	if b.size+sz > b.highWaterMark {
		return false
	}
	if len(b.events) == 0 {
		b.firstInsertion = b.clock.Now()
	}
	b.events = append(b.events, ev)
	b.size += sz
	return true
}

// Drain atomically moves all buffered events into a caller-owned batch and
// resets firstInsertion to unset. FIFO order is preserved.
func (b *Buffer) Drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	batch := b.events
	b.events = nil
	b.size = 0
	b.firstInsertion = time.Time{}
	return batch
}

// ShouldFlush reports whether the buffer is non-empty and either the first
// currently-buffered event has been waiting at least flushInterval, or the
// buffer's serialised size has reached the high-water mark.
func (b *Buffer) ShouldFlush(flushInterval time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.events) == 0 {
		return false
	}
	if b.clock.Now().Sub(b.firstInsertion) >= flushInterval {
		return true
	}
	return b.size >= b.highWaterMark
}

// Len reports the number of currently buffered events, for metrics and
// tests.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
