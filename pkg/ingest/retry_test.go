package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryDelayGrowsExponentially(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
}

func TestRetryDelayCapped(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}

	assert.Equal(t, 5*time.Second, p.Delay(10))
}

func TestRetryDelayJitterStaysInRange(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		Jitter:       0.25,
	}

	for i := 0; i < 100; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 750*time.Millisecond)
		assert.LessOrEqual(t, d, 1250*time.Millisecond)
	}
}

func TestRetryNormalizedDefaults(t *testing.T) {
	p := RetryPolicy{}.normalized()

	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.InitialDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
}

func TestRetryWaitHonorsContext(t *testing.T) {
	p := RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: time.Minute,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := p.Wait(ctx, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
