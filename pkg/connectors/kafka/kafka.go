// Package kafka implements the broker append-log connector.
//
// The topic's retained backlog plays the snapshot role: on cold start every
// partition is consumed from its oldest offset up to the high-water mark
// observed at open, then a commit envelope marks the backlog boundary and
// consumption continues as a live tail. Checkpoints carry the next offset to
// consume per partition.
package kafka

import (
	"context"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/connectors"
	"github.com/aaryaattrey/dozer/pkg/errors"
	"github.com/aaryaattrey/dozer/pkg/ingest"
)

const commitInterval = time.Second

func init() {
	connectors.Register("kafka", func(cfg *config.ConnectorConfig, logger *zap.Logger) (ingest.Connector, error) {
		return New(cfg.ID, cfg.Kafka, logger)
	})
}

// position is the checkpoint payload for this kind. Keys are partition ids;
// values are the next offset to consume.
type position struct {
	Offsets map[string]int64 `json:"offsets"`
}

// Connector consumes one topic from a Kafka cluster.
type Connector struct {
	id     string
	cfg    *config.KafkaConfig
	logger *zap.Logger

	client   sarama.Client
	consumer sarama.Consumer

	partitions []int32
	offsets    map[int32]int64 // next offset to consume
	highWater  map[int32]int64 // backlog boundary captured at open
	backfilled bool
}

// New creates a Kafka connector.
func New(id string, cfg *config.KafkaConfig, logger *zap.Logger) (*Connector, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "kafka: topic is required")
	}
	return &Connector{
		id:        id,
		cfg:       cfg,
		logger:    logger.With(zap.String("connector", id)),
		offsets:   make(map[int32]int64),
		highWater: make(map[int32]int64),
	}, nil
}

func (c *Connector) ID() string        { return c.id }
func (c *Connector) Kind() ingest.Kind { return ingest.KindAppendLog }

// Open connects to the cluster, discovers partitions and positions each one:
// at the checkpointed offset when resuming, at the oldest retained offset on
// cold start.
func (c *Connector) Open(ctx context.Context, resume *checkpoint.Checkpoint) error {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(c.cfg.Brokers, saramaCfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "connecting to kafka")
	}
	c.client = client

	c.consumer, err = sarama.NewConsumerFromClient(client)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "creating consumer")
	}

	c.partitions, err = c.consumer.Partitions(c.cfg.Topic)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "listing partitions for "+c.cfg.Topic)
	}

	var resumed map[string]int64
	if resume != nil {
		var pos position
		if err := resume.Decode(&pos); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCheckpointInvalid, "decoding checkpoint")
		}
		resumed = pos.Offsets
		c.backfilled = true
	}

	for _, p := range c.partitions {
		newest, err := client.GetOffset(c.cfg.Topic, p, sarama.OffsetNewest)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "reading high-water mark")
		}
		c.highWater[p] = newest

		if resumed != nil {
			next, ok := resumed[strconv.Itoa(int(p))]
			if !ok {
				// partition added since the checkpoint; start at its beginning
				next, err = client.GetOffset(c.cfg.Topic, p, sarama.OffsetOldest)
				if err != nil {
					return errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "reading oldest offset")
				}
			}
			c.offsets[p] = next
			continue
		}

		oldest, err := client.GetOffset(c.cfg.Topic, p, sarama.OffsetOldest)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "reading oldest offset")
		}
		c.offsets[p] = oldest
	}

	c.logger.Info("topic opened",
		zap.String("topic", c.cfg.Topic),
		zap.Int("partitions", len(c.partitions)))
	return nil
}

// Produce consumes all partitions into one merged stream. Commit envelopes
// are emitted when the initial backlog drains and then at a fixed interval,
// carrying the full per-partition offset map.
func (c *Connector) Produce(ctx context.Context, emit ingest.EmitFunc) error {
	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	merged := make(chan *sarama.ConsumerMessage)
	errs := make(chan error, len(c.partitions))

	var pcs []sarama.PartitionConsumer
	defer func() {
		for _, pc := range pcs {
			_ = pc.Close()
		}
	}()

	for _, p := range c.partitions {
		pc, err := c.consumer.ConsumePartition(c.cfg.Topic, p, c.offsets[p])
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "consuming partition")
		}
		pcs = append(pcs, pc)

		go func(pc sarama.PartitionConsumer) {
			for {
				select {
				case msg, ok := <-pc.Messages():
					if !ok {
						return
					}
					select {
					case merged <- msg:
					case <-consumeCtx.Done():
						return
					}
				case err, ok := <-pc.Errors():
					if !ok {
						return
					}
					errs <- errors.Wrap(err, errors.ErrorTypeConnection, "partition consumer error")
				case <-consumeCtx.Done():
					return
				}
			}
		}(pc)
	}

	// An empty or already-drained topic has no backlog; the snapshot
	// boundary commit must still be emitted before tailing.
	if !c.backfilled && c.caughtUp() {
		c.backfilled = true
		if err := c.emitCommit(ctx, emit); err != nil {
			return err
		}
		c.logger.Info("no backlog to drain", zap.String("topic", c.cfg.Topic))
	}

	ticker := time.NewTicker(commitInterval)
	defer ticker.Stop()
	dirty := false

	for {
		select {
		case msg := <-merged:
			if err := emit(ctx, ingest.NewInsert(c.cfg.Topic, c.rowFor(msg))); err != nil {
				return err
			}
			c.offsets[msg.Partition] = msg.Offset + 1
			dirty = true

			if !c.backfilled && c.caughtUp() {
				c.backfilled = true
				dirty = false
				if err := c.emitCommit(ctx, emit); err != nil {
					return err
				}
				c.logger.Info("backlog drained", zap.String("topic", c.cfg.Topic))
			}

		case <-ticker.C:
			if !dirty || !c.backfilled {
				continue
			}
			dirty = false
			if err := c.emitCommit(ctx, emit); err != nil {
				return err
			}

		case err := <-errs:
			return err

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close shuts down the consumer and client.
func (c *Connector) Close(ctx context.Context) error {
	if c.consumer != nil {
		_ = c.consumer.Close()
	}
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// caughtUp reports whether every partition reached the high-water mark
// captured at open.
func (c *Connector) caughtUp() bool {
	for _, p := range c.partitions {
		if c.offsets[p] < c.highWater[p] {
			return false
		}
	}
	return true
}

func (c *Connector) emitCommit(ctx context.Context, emit ingest.EmitFunc) error {
	offsets := make(map[string]int64, len(c.offsets))
	for p, next := range c.offsets {
		offsets[strconv.Itoa(int(p))] = next
	}
	cp, err := checkpoint.New(string(ingest.KindAppendLog), position{Offsets: offsets})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "building checkpoint")
	}
	return emit(ctx, ingest.NewCommit(cp))
}

// rowFor decodes the message value as a JSON object when possible and falls
// back to the raw payload otherwise.
func (c *Connector) rowFor(msg *sarama.ConsumerMessage) ingest.Row {
	row := ingest.Row{
		"partition": msg.Partition,
		"offset":    msg.Offset,
	}
	if len(msg.Key) > 0 {
		row["key"] = string(msg.Key)
	}
	if !msg.Timestamp.IsZero() {
		row["timestamp"] = msg.Timestamp.UTC().Format(time.RFC3339Nano)
	}

	var decoded map[string]any
	if err := json.Unmarshal(msg.Value, &decoded); err == nil {
		row["value"] = decoded
	} else {
		row["value"] = string(msg.Value)
	}
	return row
}
