// Package ethlogs implements the blockchain event-log connector.
//
// It polls an Ethereum JSON-RPC endpoint and replays contract logs in block
// order. The backlog from the configured from_block up to the chain head
// (minus the confirmation depth) plays the snapshot role; after that the
// connector tails new blocks at the poll interval. A bounded to_block turns
// the connector into a finite backfill that completes instead of tailing.
// Checkpoints carry the next block to scan.
package ethlogs

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/connectors"
	"github.com/aaryaattrey/dozer/pkg/errors"
	"github.com/aaryaattrey/dozer/pkg/ingest"
)

const entityName = "eth_logs"

func init() {
	connectors.Register("eth_logs", func(cfg *config.ConnectorConfig, logger *zap.Logger) (ingest.Connector, error) {
		return New(cfg.ID, cfg.EthLogs, cfg.PollInterval(), logger)
	})
}

// position is the checkpoint payload for this kind.
type position struct {
	NextBlock uint64 `json:"next_block"`
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type logFilter struct {
	FromBlock string   `json:"fromBlock"`
	ToBlock   string   `json:"toBlock"`
	Address   []string `json:"address,omitempty"`
}

type logEntry struct {
	Address          string   `json:"address"`
	Topics           []string `json:"topics"`
	Data             string   `json:"data"`
	BlockNumber      string   `json:"blockNumber"`
	TransactionHash  string   `json:"transactionHash"`
	TransactionIndex string   `json:"transactionIndex"`
	LogIndex         string   `json:"logIndex"`
	Removed          bool     `json:"removed"`
}

// Connector replays contract logs from an Ethereum JSON-RPC endpoint.
type Connector struct {
	id           string
	cfg          *config.EthLogsConfig
	pollInterval time.Duration
	logger       *zap.Logger

	httpClient *http.Client
	reqID      atomic.Uint64

	nextBlock uint64
}

// New creates an eth_logs connector.
func New(id string, cfg *config.EthLogsConfig, pollInterval time.Duration, logger *zap.Logger) (*Connector, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "eth_logs: endpoint is required")
	}
	if cfg.ToBlock != nil && *cfg.ToBlock < cfg.FromBlock {
		return nil, errors.New(errors.ErrorTypeConfig, "eth_logs: to_block precedes from_block")
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 1000
	}
	return &Connector{
		id:           id,
		cfg:          cfg,
		pollInterval: pollInterval,
		logger:       logger.With(zap.String("connector", id)),
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *Connector) ID() string        { return c.id }
func (c *Connector) Kind() ingest.Kind { return ingest.KindAppendLog }

// Open verifies the endpoint and positions the scan cursor.
func (c *Connector) Open(ctx context.Context, resume *checkpoint.Checkpoint) error {
	if resume != nil {
		var pos position
		if err := resume.Decode(&pos); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCheckpointInvalid, "decoding checkpoint")
		}
		if pos.NextBlock < c.cfg.FromBlock {
			return errors.Newf(errors.ErrorTypeCheckpointInvalid,
				"checkpointed block %d precedes configured from_block %d", pos.NextBlock, c.cfg.FromBlock)
		}
		c.nextBlock = pos.NextBlock
	} else {
		c.nextBlock = c.cfg.FromBlock
	}

	head, err := c.blockNumber(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("endpoint reachable",
		zap.Uint64("head", head), zap.Uint64("next_block", c.nextBlock))
	return nil
}

// Produce scans forward in chunks, emitting one commit per chunk so resumption
// never replays more than chunk_size blocks. With a bounded to_block the scan
// returns nil once the range is exhausted; otherwise it waits for new
// confirmed blocks at the poll interval.
func (c *Connector) Produce(ctx context.Context, emit ingest.EmitFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		head, err := c.blockNumber(ctx)
		if err != nil {
			return err
		}

		safe := head
		if c.cfg.Confirmations > 0 {
			if head < c.cfg.Confirmations {
				safe = 0
			} else {
				safe = head - c.cfg.Confirmations
			}
		}
		if c.cfg.ToBlock != nil && safe > *c.cfg.ToBlock {
			safe = *c.cfg.ToBlock
		}

		for c.nextBlock <= safe {
			to := c.nextBlock + c.cfg.ChunkSize - 1
			if to > safe {
				to = safe
			}
			if err := c.scanRange(ctx, c.nextBlock, to, emit); err != nil {
				return err
			}
			c.nextBlock = to + 1

			cp, err := checkpoint.New(string(ingest.KindAppendLog), position{NextBlock: c.nextBlock})
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeInternal, "building checkpoint")
			}
			if err := emit(ctx, ingest.NewCommit(cp)); err != nil {
				return err
			}
		}

		if c.cfg.ToBlock != nil && c.nextBlock > *c.cfg.ToBlock {
			c.logger.Info("bounded scan complete", zap.Uint64("to_block", *c.cfg.ToBlock))
			return nil
		}

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connector) Close(ctx context.Context) error {
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *Connector) scanRange(ctx context.Context, from, to uint64, emit ingest.EmitFunc) error {
	filter := logFilter{
		FromBlock: hexBlock(from),
		ToBlock:   hexBlock(to),
		Address:   c.cfg.Addresses,
	}

	var entries []logEntry
	if err := c.call(ctx, "eth_getLogs", []any{filter}, &entries); err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.Removed {
			continue
		}
		row, err := rowFor(entry)
		if err != nil {
			return err
		}
		if err := emit(ctx, ingest.NewInsert(entityName, row)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) blockNumber(ctx context.Context) (uint64, error) {
	var hex string
	if err := c.call(ctx, "eth_blockNumber", []any{}, &hex); err != nil {
		return 0, err
	}
	n, err := parseHexUint(hex)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeData, "parsing block number")
	}
	return n, nil
}

func (c *Connector) call(ctx context.Context, method string, params []any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encoding rpc request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "building rpc request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "calling "+method)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return errors.Newf(errors.ErrorTypeRateLimit, "%s throttled by endpoint", method)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Newf(errors.ErrorTypeSourceUnavailable, "%s returned status %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "decoding rpc response")
	}
	if rpcResp.Error != nil {
		return errors.Newf(errors.ErrorTypeSourceUnavailable,
			"%s failed: %s (code %d)", method, rpcResp.Error.Message, rpcResp.Error.Code)
	}

	if err := json.Unmarshal(rpcResp.Result, result); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "decoding rpc result")
	}
	return nil
}

func rowFor(entry logEntry) (ingest.Row, error) {
	blockNumber, err := parseHexUint(entry.BlockNumber)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "parsing log block number")
	}
	logIndex, err := parseHexUint(entry.LogIndex)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "parsing log index")
	}

	return ingest.Row{
		"address":      entry.Address,
		"topics":       entry.Topics,
		"data":         entry.Data,
		"block_number": blockNumber,
		"tx_hash":      entry.TransactionHash,
		"log_index":    logIndex,
	}, nil
}

func hexBlock(n uint64) string {
	return fmt.Sprintf("0x%x", n)
}

func parseHexUint(s string) (uint64, error) {
	if len(s) > 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	return strconv.ParseUint(s, 16, 64)
}
