package push

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/errors"
	"github.com/aaryaattrey/dozer/pkg/ingest"
)

func newTestConnector(t *testing.T) *Connector {
	t.Helper()
	conn, err := New("intake", &config.PushConfig{Entity: "metrics", Depth: 4}, zap.NewNop())
	require.NoError(t, err)
	return conn
}

func TestPushedBatchBecomesRowsAndCommit(t *testing.T) {
	conn := newTestConnector(t)
	require.NoError(t, conn.Open(context.Background(), nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	envs := make(chan *ingest.Envelope, 16)
	done := make(chan error, 1)
	go func() {
		done <- conn.Produce(ctx, func(ctx context.Context, env *ingest.Envelope) error {
			envs <- env
			return nil
		})
	}()

	rows := []ingest.Row{{"v": 1}, {"v": 2}}
	require.NoError(t, conn.Push(ctx, rows))

	first := <-envs
	assert.Equal(t, ingest.OpInsert, first.Op)
	assert.Equal(t, "metrics", first.Entity)
	assert.Equal(t, 1, first.After["v"])

	second := <-envs
	assert.Equal(t, 2, second.After["v"])

	commit := <-envs
	require.Equal(t, ingest.OpCommit, commit.Op)
	var pos position
	require.NoError(t, commit.Checkpoint.Decode(&pos))
	assert.Equal(t, uint64(1), pos.Batches)

	// a second batch advances the counter
	require.NoError(t, conn.Push(ctx, []ingest.Row{{"v": 3}}))
	<-envs
	commit = <-envs
	require.NoError(t, commit.Checkpoint.Decode(&pos))
	assert.Equal(t, uint64(2), pos.Batches)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestResumeRestoresBatchCounter(t *testing.T) {
	conn := newTestConnector(t)

	cp, err := checkpoint.New("batch_push", position{Batches: 41})
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background(), cp))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	envs := make(chan *ingest.Envelope, 4)
	go func() {
		_ = conn.Produce(ctx, func(ctx context.Context, env *ingest.Envelope) error {
			envs <- env
			return nil
		})
	}()

	require.NoError(t, conn.Push(ctx, []ingest.Row{{"v": 1}}))
	<-envs
	commit := <-envs

	var pos position
	require.NoError(t, commit.Checkpoint.Decode(&pos))
	assert.Equal(t, uint64(42), pos.Batches, "numbering continues across restarts")
}

func TestPushRejectsEmptyBatch(t *testing.T) {
	conn := newTestConnector(t)
	err := conn.Push(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestPushAfterCloseFails(t *testing.T) {
	conn := newTestConnector(t)
	require.NoError(t, conn.Close(context.Background()))

	err := conn.Push(context.Background(), []ingest.Row{{"v": 1}})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
}

func TestPushBlocksWhenIntakeFull(t *testing.T) {
	conn := newTestConnector(t)
	require.NoError(t, conn.Open(context.Background(), nil))

	// nobody consuming: fill the intake queue
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		require.NoError(t, conn.Push(ctx, []ingest.Row{{"v": i}}))
	}

	blockedCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	err := conn.Push(blockedCtx, []ingest.Row{{"v": 99}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
