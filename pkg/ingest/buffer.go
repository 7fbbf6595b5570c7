package ingest

import (
	"context"
	stderrors "errors"
	"sync"
)

// ErrBufferClosed is returned by Pop after the producer closed the buffer and
// all buffered envelopes were drained, and by Push after Close.
var ErrBufferClosed = stderrors.New("ingest: buffer closed")

// BufferConfig bounds a connector's buffer.
type BufferConfig struct {
	// Capacity is the maximum item count. Required.
	Capacity int
	// MaxBytes optionally bounds the approximate byte footprint. Zero
	// disables byte accounting. A single oversized envelope is still
	// admitted when the buffer is empty so production can always progress.
	MaxBytes int64
	// LowWater is the occupancy at or below which a blocked producer is
	// resumed. Defaults to Capacity/2.
	LowWater int
}

func (c BufferConfig) lowWater() int {
	if c.LowWater > 0 && c.LowWater < c.Capacity {
		return c.LowWater
	}
	return c.Capacity / 2
}

// Buffer is the bounded queue between one connector (single producer) and
// the multiplexer (single consumer). When full, Push blocks instead of
// dropping or growing; the consumer draining to the low-water mark resumes
// the producer.
type Buffer struct {
	mu     sync.Mutex
	cfg    BufferConfig
	items  []*Envelope
	head   int
	bytes  int64
	closed bool

	// single-slot wakeup signals; SPSC means one waiter per side at most
	notFull  chan struct{}
	notEmpty chan struct{}
}

// NewBuffer creates a buffer with the given bounds.
func NewBuffer(cfg BufferConfig) *Buffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1024
	}
	return &Buffer{
		cfg:      cfg,
		notFull:  make(chan struct{}, 1),
		notEmpty: make(chan struct{}, 1),
	}
}

func (b *Buffer) hasSpace() bool {
	if b.len() >= b.cfg.Capacity {
		return false
	}
	if b.cfg.MaxBytes > 0 && b.bytes >= b.cfg.MaxBytes && b.len() > 0 {
		return false
	}
	return true
}

func (b *Buffer) len() int {
	return len(b.items) - b.head
}

// TryPush appends env if space is available, without blocking.
func (b *Buffer) TryPush(env *Envelope) bool {
	b.mu.Lock()
	if b.closed || !b.hasSpace() {
		b.mu.Unlock()
		return false
	}
	b.append(env)
	b.mu.Unlock()
	b.signal(b.notEmpty)
	return true
}

// Push appends env, blocking while the buffer is full.
func (b *Buffer) Push(ctx context.Context, env *Envelope) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrBufferClosed
		}
		if b.hasSpace() {
			b.append(env)
			b.mu.Unlock()
			b.signal(b.notEmpty)
			return nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.notFull:
		}
	}
}

// Pop removes the oldest envelope, blocking while the buffer is empty.
func (b *Buffer) Pop(ctx context.Context) (*Envelope, error) {
	for {
		b.mu.Lock()
		if b.len() > 0 {
			env := b.items[b.head]
			b.items[b.head] = nil
			b.head++
			b.bytes -= env.sizeHint()
			if b.head > len(b.items)/2 {
				b.compact()
			}
			wake := b.len() <= b.cfg.lowWater()
			b.mu.Unlock()
			if wake {
				b.signal(b.notFull)
			}
			return env, nil
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return nil, ErrBufferClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notEmpty:
		}
	}
}

// Len returns current occupancy.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.len()
}

// Cap returns the configured capacity.
func (b *Buffer) Cap() int {
	return b.cfg.Capacity
}

// Close marks the producer side done. Buffered envelopes remain readable;
// Pop returns ErrBufferClosed once drained.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal(b.notFull)
	b.signal(b.notEmpty)
}

func (b *Buffer) append(env *Envelope) {
	b.items = append(b.items, env)
	b.bytes += env.sizeHint()
}

func (b *Buffer) compact() {
	n := copy(b.items, b.items[b.head:])
	for i := n; i < len(b.items); i++ {
		b.items[i] = nil
	}
	b.items = b.items[:n]
	b.head = 0
}

func (b *Buffer) signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
