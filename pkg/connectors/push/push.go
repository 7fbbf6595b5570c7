// Package push implements the in-process batch intake connector.
//
// Unlike the other kinds it has no upstream to read from: callers hand it
// row batches through Push and the connector turns each accepted batch into
// inserts followed by one commit. The checkpoint counts accepted batches;
// since pushed data has no replayable upstream, resumption only restores the
// counter so batch numbering stays monotonic across restarts.
package push

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/connectors"
	"github.com/aaryaattrey/dozer/pkg/errors"
	"github.com/aaryaattrey/dozer/pkg/ingest"
)

func init() {
	connectors.Register("push", func(cfg *config.ConnectorConfig, logger *zap.Logger) (ingest.Connector, error) {
		return New(cfg.ID, cfg.Push, logger)
	})
}

// position is the checkpoint payload for this kind.
type position struct {
	Batches uint64 `json:"batches"`
}

// Connector accepts row batches pushed by in-process callers.
type Connector struct {
	id     string
	cfg    *config.PushConfig
	logger *zap.Logger

	intake chan []ingest.Row

	mu      sync.Mutex
	batches uint64
	closed  bool
}

// New creates a push connector.
func New(id string, cfg *config.PushConfig, logger *zap.Logger) (*Connector, error) {
	if cfg == nil || cfg.Entity == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "push: entity is required")
	}
	depth := cfg.Depth
	if depth <= 0 {
		depth = 16
	}
	return &Connector{
		id:     id,
		cfg:    cfg,
		logger: logger.With(zap.String("connector", id)),
		intake: make(chan []ingest.Row, depth),
	}, nil
}

func (c *Connector) ID() string        { return c.id }
func (c *Connector) Kind() ingest.Kind { return ingest.KindBatchPush }

// Open restores the batch counter.
func (c *Connector) Open(ctx context.Context, resume *checkpoint.Checkpoint) error {
	if resume == nil {
		return nil
	}
	var pos position
	if err := resume.Decode(&pos); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpointInvalid, "decoding checkpoint")
	}
	c.batches = pos.Batches
	return nil
}

// Push hands one batch to the connector, blocking while the intake queue is
// full. Empty batches are rejected. Returns an error once the connector has
// been closed.
func (c *Connector) Push(ctx context.Context, rows []ingest.Row) error {
	if len(rows) == 0 {
		return errors.New(errors.ErrorTypeData, "push: empty batch")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New(errors.ErrorTypeConnection, "push: connector closed")
	}
	c.mu.Unlock()

	select {
	case c.intake <- rows:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Produce drains the intake queue until the engine shuts down. Each batch
// becomes its rows followed by a commit, so a batch is either fully
// acknowledged or fully re-pushable.
func (c *Connector) Produce(ctx context.Context, emit ingest.EmitFunc) error {
	for {
		select {
		case rows := <-c.intake:
			for _, row := range rows {
				if err := emit(ctx, ingest.NewInsert(c.cfg.Entity, row)); err != nil {
					return err
				}
			}

			c.mu.Lock()
			c.batches++
			n := c.batches
			c.mu.Unlock()

			cp, err := checkpoint.New(string(ingest.KindBatchPush), position{Batches: n})
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeInternal, "building checkpoint")
			}
			if err := emit(ctx, ingest.NewCommit(cp)); err != nil {
				return err
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close marks the intake closed for future pushers.
func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}
