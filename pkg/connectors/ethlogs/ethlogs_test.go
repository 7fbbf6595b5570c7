package ethlogs

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/errors"
	"github.com/aaryaattrey/dozer/pkg/ingest"
)

// fakeNode serves the two JSON-RPC methods the connector uses. One log per
// requested range, stamped with the range's from block.
type fakeNode struct {
	mu     sync.Mutex
	head   uint64
	ranges [][2]uint64
}

func (n *fakeNode) handler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     uint64            `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var result any
	switch req.Method {
	case "eth_blockNumber":
		n.mu.Lock()
		result = fmt.Sprintf("0x%x", n.head)
		n.mu.Unlock()

	case "eth_getLogs":
		var filter struct {
			FromBlock string `json:"fromBlock"`
			ToBlock   string `json:"toBlock"`
		}
		if err := json.Unmarshal(req.Params[0], &filter); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		from, _ := parseHexUint(filter.FromBlock)
		to, _ := parseHexUint(filter.ToBlock)

		n.mu.Lock()
		n.ranges = append(n.ranges, [2]uint64{from, to})
		n.mu.Unlock()

		result = []map[string]any{{
			"address":          "0xabc",
			"topics":           []string{"0xdeadbeef"},
			"data":             "0x01",
			"blockNumber":      fmt.Sprintf("0x%x", from),
			"transactionHash":  "0xtx",
			"transactionIndex": "0x0",
			"logIndex":         "0x0",
			"removed":          false,
		}}
	}

	_ = json.NewEncoder(w).Encode(map[string]any{"id": req.ID, "jsonrpc": "2.0", "result": result})
}

func (n *fakeNode) requestedRanges() [][2]uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([][2]uint64, len(n.ranges))
	copy(out, n.ranges)
	return out
}

func newTestConnector(t *testing.T, endpoint string, cfg *config.EthLogsConfig) *Connector {
	t.Helper()
	cfg.Endpoint = endpoint
	conn, err := New("chain", cfg, 10*time.Millisecond, zap.NewNop())
	require.NoError(t, err)
	return conn
}

func TestBoundedScanCompletesInChunks(t *testing.T) {
	to := uint64(9)
	node := &fakeNode{head: 100}
	server := httptest.NewServer(http.HandlerFunc(node.handler))
	defer server.Close()

	conn := newTestConnector(t, server.URL, &config.EthLogsConfig{
		FromBlock: 0,
		ToBlock:   &to,
		ChunkSize: 5,
	})
	require.NoError(t, conn.Open(context.Background(), nil))

	var envs []*ingest.Envelope
	err := conn.Produce(context.Background(), func(ctx context.Context, env *ingest.Envelope) error {
		envs = append(envs, env)
		return nil
	})
	require.NoError(t, err, "bounded scope must complete")

	// two chunks, each one log + one commit
	require.Len(t, envs, 4)
	assert.Equal(t, ingest.OpInsert, envs[0].Op)
	assert.Equal(t, ingest.OpCommit, envs[1].Op)
	assert.Equal(t, ingest.OpInsert, envs[2].Op)
	assert.Equal(t, ingest.OpCommit, envs[3].Op)

	assert.Equal(t, [][2]uint64{{0, 4}, {5, 9}}, node.requestedRanges())

	assert.Equal(t, uint64(0), envs[0].After["block_number"])
	assert.Equal(t, "0xabc", envs[0].After["address"])

	var pos position
	require.NoError(t, envs[1].Checkpoint.Decode(&pos))
	assert.Equal(t, uint64(5), pos.NextBlock)
	require.NoError(t, envs[3].Checkpoint.Decode(&pos))
	assert.Equal(t, uint64(10), pos.NextBlock)
}

func TestConfirmationsHoldBackHead(t *testing.T) {
	node := &fakeNode{head: 20}
	server := httptest.NewServer(http.HandlerFunc(node.handler))
	defer server.Close()

	conn := newTestConnector(t, server.URL, &config.EthLogsConfig{
		FromBlock:     0,
		Confirmations: 6,
		ChunkSize:     100,
	})
	require.NoError(t, conn.Open(context.Background(), nil))

	ctx, cancel := context.WithCancel(context.Background())
	commits := 0
	err := conn.Produce(ctx, func(ctx context.Context, env *ingest.Envelope) error {
		if env.Op == ingest.OpCommit {
			commits++
			cancel()
		}
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, commits)

	// only blocks 0..14 are confirmed at head 20 with depth 6
	ranges := node.requestedRanges()
	require.Len(t, ranges, 1)
	assert.Equal(t, [2]uint64{0, 14}, ranges[0])
}

func TestResumeStartsAfterCheckpoint(t *testing.T) {
	to := uint64(9)
	node := &fakeNode{head: 100}
	server := httptest.NewServer(http.HandlerFunc(node.handler))
	defer server.Close()

	conn := newTestConnector(t, server.URL, &config.EthLogsConfig{
		FromBlock: 0,
		ToBlock:   &to,
		ChunkSize: 5,
	})

	cp, err := checkpoint.New("append_log", position{NextBlock: 5})
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background(), cp))

	var envs []*ingest.Envelope
	err = conn.Produce(context.Background(), func(ctx context.Context, env *ingest.Envelope) error {
		envs = append(envs, env)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, envs, 2)
	assert.Equal(t, [][2]uint64{{5, 9}}, node.requestedRanges())
}

func TestCheckpointBeforeFromBlockRejected(t *testing.T) {
	node := &fakeNode{head: 100}
	server := httptest.NewServer(http.HandlerFunc(node.handler))
	defer server.Close()

	conn := newTestConnector(t, server.URL, &config.EthLogsConfig{FromBlock: 50})

	cp, err := checkpoint.New("append_log", position{NextBlock: 10})
	require.NoError(t, err)

	err = conn.Open(context.Background(), cp)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCheckpointInvalid))
}

func TestUnreachableEndpointIsConnectionError(t *testing.T) {
	conn := newTestConnector(t, "http://127.0.0.1:1", &config.EthLogsConfig{FromBlock: 0})
	err := conn.Open(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
}

func TestRangeBeyondToBlockNeverRequested(t *testing.T) {
	to := uint64(3)
	node := &fakeNode{head: 2} // head below to_block
	server := httptest.NewServer(http.HandlerFunc(node.handler))
	defer server.Close()

	conn := newTestConnector(t, server.URL, &config.EthLogsConfig{
		FromBlock: 0,
		ToBlock:   &to,
		ChunkSize: 10,
	})
	require.NoError(t, conn.Open(context.Background(), nil))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		// the scan waits for block 3 to appear; raise the head, then let it
		// finish
		time.Sleep(50 * time.Millisecond)
		node.mu.Lock()
		node.head = 10
		node.mu.Unlock()
	}()
	defer cancel()

	var envs []*ingest.Envelope
	err := conn.Produce(ctx, func(ctx context.Context, env *ingest.Envelope) error {
		envs = append(envs, env)
		return nil
	})
	require.NoError(t, err)

	ranges := node.requestedRanges()
	for _, r := range ranges {
		assert.LessOrEqual(t, r[1], to, "scan must not pass to_block")
	}
}
