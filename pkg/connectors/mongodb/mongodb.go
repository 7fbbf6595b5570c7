// Package mongodb implements the document-store connector.
//
// Cold start opens a change stream first, scans the collection, and only
// then consumes the stream, so writes landing during the scan are not lost.
// The change stream's resume token is the checkpoint; restarting with
// SetResumeAfter replays everything after the last acknowledged event.
package mongodb

import (
	"context"
	stderrors "errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/connectors"
	"github.com/aaryaattrey/dozer/pkg/errors"
	"github.com/aaryaattrey/dozer/pkg/ingest"
)

func init() {
	connectors.Register("mongodb", func(cfg *config.ConnectorConfig, logger *zap.Logger) (ingest.Connector, error) {
		return New(cfg.ID, cfg.MongoDB, logger)
	})
}

// position is the checkpoint payload for this kind. Token is the opaque
// change-stream resume token document.
type position struct {
	Token bson.Raw `json:"token"`
}

// changeEvent is the subset of the change-stream document the connector
// consumes.
type changeEvent struct {
	ID            bson.Raw `bson:"_id"`
	OperationType string   `bson:"operationType"`
	FullDocument  bson.M   `bson:"fullDocument"`
	DocumentKey   bson.M   `bson:"documentKey"`
	NS            struct {
		DB   string `bson:"db"`
		Coll string `bson:"coll"`
	} `bson:"ns"`
}

// Connector streams changes from one MongoDB collection.
type Connector struct {
	id     string
	cfg    *config.MongoDBConfig
	logger *zap.Logger

	client     *mongo.Client
	collection *mongo.Collection

	resumeToken  bson.Raw
	snapshotDone bool
}

// New creates a MongoDB connector.
func New(id string, cfg *config.MongoDBConfig, logger *zap.Logger) (*Connector, error) {
	if cfg == nil || cfg.URI == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "mongodb: uri is required")
	}
	if cfg.Database == "" || cfg.Collection == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "mongodb: database and collection are required")
	}
	return &Connector{
		id:     id,
		cfg:    cfg,
		logger: logger.With(zap.String("connector", id)),
	}, nil
}

func (c *Connector) ID() string        { return c.id }
func (c *Connector) Kind() ingest.Kind { return ingest.KindObjectScan }

// Open connects and restores the resume token when one was checkpointed.
func (c *Connector) Open(ctx context.Context, resume *checkpoint.Checkpoint) error {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.cfg.URI))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "connecting to mongodb")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return errors.Wrap(err, errors.ErrorTypeConnection, "pinging mongodb")
	}

	c.client = client
	c.collection = client.Database(c.cfg.Database).Collection(c.cfg.Collection)

	if resume != nil {
		var pos position
		if err := resume.Decode(&pos); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCheckpointInvalid, "decoding checkpoint")
		}
		if len(pos.Token) == 0 {
			return errors.New(errors.ErrorTypeCheckpointInvalid, "checkpoint missing resume token")
		}
		c.resumeToken = pos.Token
		c.snapshotDone = true
	}
	return nil
}

// Produce scans the collection on first run (behind an already-open change
// stream) and then consumes the stream. Each event is followed by a commit
// carrying the event's resume token, so acknowledgement granularity is one
// document change.
func (c *Connector) Produce(ctx context.Context, emit ingest.EmitFunc) error {
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if c.resumeToken != nil {
		opts.SetResumeAfter(c.resumeToken)
	}

	stream, err := c.collection.Watch(ctx, mongo.Pipeline{}, opts)
	if err != nil {
		if historyLost(err) {
			return errors.Wrap(err, errors.ErrorTypeCheckpointInvalid,
				"oplog history behind resume token was truncated; re-snapshot required")
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "opening change stream")
	}
	defer stream.Close(context.Background())

	if !c.snapshotDone {
		if err := c.snapshot(ctx, emit); err != nil {
			return err
		}
		c.snapshotDone = true

		// The stream's pre-scan token bounds the replay window.
		if token := stream.ResumeToken(); token != nil {
			c.resumeToken = token
		}
		if err := c.emitCommit(ctx, emit); err != nil {
			return err
		}
	}

	entity := c.cfg.Database + "." + c.cfg.Collection
	for stream.Next(ctx) {
		var ev changeEvent
		if err := stream.Decode(&ev); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "decoding change event")
		}

		env, skip := envelopeFor(entity, &ev)
		if !skip {
			if err := emit(ctx, env); err != nil {
				return err
			}
		}

		c.resumeToken = stream.ResumeToken()
		if err := c.emitCommit(ctx, emit); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "change stream interrupted")
	}
	return ctx.Err()
}

// Close disconnects from the server.
func (c *Connector) Close(ctx context.Context) error {
	if c.client == nil {
		return nil
	}
	disconnectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.client.Disconnect(disconnectCtx)
}

func (c *Connector) snapshot(ctx context.Context, emit ingest.EmitFunc) error {
	cursor, err := c.collection.Find(ctx, bson.D{})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "scanning collection")
	}
	defer cursor.Close(context.Background())

	entity := c.cfg.Database + "." + c.cfg.Collection
	count := 0
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "decoding document")
		}
		if err := emit(ctx, ingest.NewInsert(entity, rowFor(doc))); err != nil {
			return err
		}
		count++
	}
	if err := cursor.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "collection scan interrupted")
	}

	c.logger.Info("collection snapshot complete",
		zap.String("collection", entity), zap.Int("documents", count))
	return nil
}

func (c *Connector) emitCommit(ctx context.Context, emit ingest.EmitFunc) error {
	cp, err := checkpoint.New(string(ingest.KindObjectScan), position{Token: c.resumeToken})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "building checkpoint")
	}
	return emit(ctx, ingest.NewCommit(cp))
}

// envelopeFor maps a change event to an envelope. Events the connector does
// not model (drops, renames, invalidate) only advance the resume token.
func envelopeFor(entity string, ev *changeEvent) (*ingest.Envelope, bool) {
	switch ev.OperationType {
	case "insert":
		return ingest.NewInsert(entity, rowFor(ev.FullDocument)), false
	case "update", "replace":
		// FullDocument may be nil when the document was deleted between the
		// update and the lookup; surface the key-only image in that case.
		after := rowFor(ev.FullDocument)
		if after == nil {
			after = rowFor(ev.DocumentKey)
		}
		return ingest.NewUpdate(entity, rowFor(ev.DocumentKey), after), false
	case "delete":
		return ingest.NewDelete(entity, rowFor(ev.DocumentKey)), false
	default:
		return nil, true
	}
}

// historyLost reports the server rejecting a resume token because the oplog
// no longer covers it (ChangeStreamHistoryLost, code 286).
func historyLost(err error) bool {
	var cmdErr mongo.CommandError
	if stderrors.As(err, &cmdErr) {
		return cmdErr.Code == 286
	}
	return false
}

func rowFor(doc bson.M) ingest.Row {
	if doc == nil {
		return nil
	}
	return ingest.Row(doc)
}
