package ingest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnvelope(i int) *Envelope {
	return NewInsert("events", Row{"id": i})
}

func TestBufferTryPushRespectsCapacity(t *testing.T) {
	buf := NewBuffer(BufferConfig{Capacity: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, buf.TryPush(testEnvelope(i)))
	}
	assert.False(t, buf.TryPush(testEnvelope(3)), "push beyond capacity must fail")
	assert.Equal(t, 3, buf.Len())
}

func TestBufferPopOrder(t *testing.T) {
	buf := NewBuffer(BufferConfig{Capacity: 8})
	for i := 0; i < 5; i++ {
		require.True(t, buf.TryPush(testEnvelope(i)))
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		env, err := buf.Pop(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, env.After["id"])
	}
}

func TestBufferPushBlocksUntilLowWater(t *testing.T) {
	buf := NewBuffer(BufferConfig{Capacity: 4, LowWater: 2})
	for i := 0; i < 4; i++ {
		require.True(t, buf.TryPush(testEnvelope(i)))
	}

	pushed := make(chan error, 1)
	go func() {
		pushed <- buf.Push(context.Background(), testEnvelope(4))
	}()

	select {
	case <-pushed:
		t.Fatal("push should block while the buffer is full")
	case <-time.After(50 * time.Millisecond):
	}

	// draining one still leaves occupancy above the low-water mark
	ctx := context.Background()
	_, err := buf.Pop(ctx)
	require.NoError(t, err)

	// draining to the low-water mark resumes the producer
	_, err = buf.Pop(ctx)
	require.NoError(t, err)

	select {
	case err := <-pushed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("producer was not resumed after drain to low water")
	}
}

func TestBufferByteBound(t *testing.T) {
	buf := NewBuffer(BufferConfig{Capacity: 100, MaxBytes: 1})

	big := NewInsert("events", Row{"payload": string(make([]byte, 4096))})
	assert.True(t, buf.TryPush(big), "oversized envelope must be admitted when empty")
	assert.False(t, buf.TryPush(testEnvelope(1)), "byte budget exhausted")

	_, err := buf.Pop(context.Background())
	require.NoError(t, err)
	assert.True(t, buf.TryPush(testEnvelope(1)))
}

func TestBufferCloseDrainsBeforeError(t *testing.T) {
	buf := NewBuffer(BufferConfig{Capacity: 4})
	require.True(t, buf.TryPush(testEnvelope(0)))
	require.True(t, buf.TryPush(testEnvelope(1)))
	buf.Close()

	assert.False(t, buf.TryPush(testEnvelope(2)), "push after close must fail")

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		env, err := buf.Pop(ctx)
		require.NoError(t, err, "buffered envelopes stay readable after close")
		assert.Equal(t, i, env.After["id"])
	}

	_, err := buf.Pop(ctx)
	assert.ErrorIs(t, err, ErrBufferClosed)
}

func TestBufferPopHonorsContext(t *testing.T) {
	buf := NewBuffer(BufferConfig{Capacity: 4})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := buf.Pop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBufferConcurrentProducerConsumer(t *testing.T) {
	buf := NewBuffer(BufferConfig{Capacity: 8})
	const total = 1000

	go func() {
		for i := 0; i < total; i++ {
			if err := buf.Push(context.Background(), testEnvelope(i)); err != nil {
				panic(fmt.Sprintf("push %d: %v", i, err))
			}
		}
		buf.Close()
	}()

	ctx := context.Background()
	for i := 0; i < total; i++ {
		env, err := buf.Pop(ctx)
		require.NoError(t, err)
		require.Equal(t, i, env.After["id"], "order must be preserved under backpressure")
	}

	_, err := buf.Pop(ctx)
	assert.ErrorIs(t, err, ErrBufferClosed)
}
