package file

import (
	"context"
	"os"
	"path/filepath"
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

type collector struct {
	envs []*ingest.Envelope
}

func (c *collector) emit(ctx context.Context, env *ingest.Envelope) error {
	c.envs = append(c.envs, env)
	return nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newTestConnector(t *testing.T, glob string, tail bool) *Connector {
	t.Helper()
	conn, err := New("files", &config.FileConfig{Glob: glob, Tail: tail}, 10*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	return conn
}

func TestScanEmitsRowsInPathOrder(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.ndjson", `{"id":1}`+"\n"+`{"id":2}`+"\n")
	writeFile(t, dir, "b.ndjson", `{"id":3}`+"\n")

	conn := newTestConnector(t, filepath.Join(dir, "*.ndjson"), false)
	require.NoError(t, conn.Open(context.Background(), nil))

	var out collector
	require.NoError(t, conn.Produce(context.Background(), out.emit))
	require.NoError(t, conn.Close(context.Background()))

	// two rows + commit for a.ndjson, one row + commit for b.ndjson
	require.Len(t, out.envs, 5)
	assert.Equal(t, ingest.OpInsert, out.envs[0].Op)
	assert.Equal(t, float64(1), out.envs[0].After["id"])
	assert.Equal(t, ingest.OpInsert, out.envs[1].Op)
	assert.Equal(t, ingest.OpCommit, out.envs[2].Op)
	assert.Equal(t, float64(3), out.envs[3].After["id"])
	assert.Equal(t, ingest.OpCommit, out.envs[4].Op)

	assert.Equal(t, "a.ndjson", out.envs[0].Entity)
	assert.Equal(t, "b.ndjson", out.envs[3].Entity)

	var pos position
	require.NoError(t, out.envs[4].Checkpoint.Decode(&pos))
	assert.Equal(t, filepath.Join(dir, "b.ndjson"), pos.Path)
	assert.Equal(t, int64(len(`{"id":3}`)+1), pos.Offset)
}

func TestResumeSkipsCommittedData(t *testing.T) {
	dir := t.TempDir()
	aContent := `{"id":1}` + "\n" + `{"id":2}` + "\n"
	aPath := writeFile(t, dir, "a.ndjson", aContent)
	writeFile(t, dir, "b.ndjson", `{"id":3}`+"\n")

	cp, err := checkpoint.New("object_scan", position{Path: aPath, Offset: int64(len(aContent))})
	require.NoError(t, err)

	conn := newTestConnector(t, filepath.Join(dir, "*.ndjson"), false)
	require.NoError(t, conn.Open(context.Background(), cp))

	var out collector
	require.NoError(t, conn.Produce(context.Background(), out.emit))

	// only b.ndjson remains
	require.Len(t, out.envs, 2)
	assert.Equal(t, float64(3), out.envs[0].After["id"])
	assert.Equal(t, ingest.OpCommit, out.envs[1].Op)
}

func TestResumeMidFile(t *testing.T) {
	dir := t.TempDir()
	first := `{"id":1}` + "\n"
	aPath := writeFile(t, dir, "a.ndjson", first+`{"id":2}`+"\n")

	cp, err := checkpoint.New("object_scan", position{Path: aPath, Offset: int64(len(first))})
	require.NoError(t, err)

	conn := newTestConnector(t, filepath.Join(dir, "*.ndjson"), false)
	require.NoError(t, conn.Open(context.Background(), cp))

	var out collector
	require.NoError(t, conn.Produce(context.Background(), out.emit))

	require.Len(t, out.envs, 2)
	assert.Equal(t, float64(2), out.envs[0].After["id"])
}

func TestIncompleteTrailingLineLeftForNextPass(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.ndjson", `{"id":1}`+"\n"+`{"id":2`)

	conn := newTestConnector(t, filepath.Join(dir, "*.ndjson"), false)
	require.NoError(t, conn.Open(context.Background(), nil))

	var out collector
	require.NoError(t, conn.Produce(context.Background(), out.emit))

	require.Len(t, out.envs, 2)
	assert.Equal(t, float64(1), out.envs[0].After["id"])

	var pos position
	require.NoError(t, out.envs[1].Checkpoint.Decode(&pos))
	assert.Equal(t, int64(len(`{"id":1}`)+1), pos.Offset, "unterminated line must not be consumed")
}

func TestTruncatedFileInvalidatesCheckpoint(t *testing.T) {
	dir := t.TempDir()
	aPath := writeFile(t, dir, "a.ndjson", `{"id":1}`+"\n")

	cp, err := checkpoint.New("object_scan", position{Path: aPath, Offset: 10_000})
	require.NoError(t, err)

	conn := newTestConnector(t, filepath.Join(dir, "*.ndjson"), false)
	require.NoError(t, conn.Open(context.Background(), cp))

	var out collector
	err = conn.Produce(context.Background(), out.emit)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCheckpointInvalid))
}

func TestMalformedLineFailsWithDataError(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.ndjson", "not json at all\n")

	conn := newTestConnector(t, filepath.Join(dir, "*.ndjson"), false)
	require.NoError(t, conn.Open(context.Background(), nil))

	var out collector
	err := conn.Produce(context.Background(), out.emit)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

func TestTailPicksUpAppendedLines(t *testing.T) {
	dir := t.TempDir()
	aPath := writeFile(t, dir, "a.ndjson", `{"id":1}`+"\n")

	conn := newTestConnector(t, filepath.Join(dir, "*.ndjson"), true)
	require.NoError(t, conn.Open(context.Background(), nil))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type update struct {
		env *ingest.Envelope
	}
	envs := make(chan update, 16)
	done := make(chan error, 1)
	go func() {
		done <- conn.Produce(ctx, func(ctx context.Context, env *ingest.Envelope) error {
			envs <- update{env}
			return nil
		})
	}()

	// initial content: one row and its commit
	first := <-envs
	assert.Equal(t, float64(1), first.env.After["id"])
	<-envs

	f, err := os.OpenFile(aPath, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":2}` + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case second := <-envs:
		assert.Equal(t, float64(2), second.env.After["id"])
	case <-time.After(5 * time.Second):
		t.Fatal("appended line was not picked up")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestInvalidGlobRejected(t *testing.T) {
	_, err := New("files", &config.FileConfig{Glob: "[unclosed"}, time.Second, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
