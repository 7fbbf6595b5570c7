// Package s3 implements the object-storage scan connector.
//
// Objects under the configured prefix are listed in lexicographic key order,
// downloaded, and decoded as newline-delimited JSON; each line becomes one
// insert with the source key attached. A commit after each object makes the
// last fully ingested key the checkpoint, so resumption lists strictly after
// it. With tail enabled the connector re-lists at the poll interval to pick
// up objects written behind the cursor key.
package s3

import (
	"bufio"
	"bytes"
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/connectors"
	"github.com/aaryaattrey/dozer/pkg/errors"
	"github.com/aaryaattrey/dozer/pkg/ingest"
)

func init() {
	connectors.Register("s3", func(cfg *config.ConnectorConfig, logger *zap.Logger) (ingest.Connector, error) {
		return New(cfg.ID, cfg.S3, cfg.PollInterval(), logger)
	})
}

// position is the checkpoint payload for this kind.
type position struct {
	LastKey string `json:"last_key"`
}

// Connector scans a bucket prefix as an ordered object stream.
type Connector struct {
	id           string
	cfg          *config.S3Config
	pollInterval time.Duration
	logger       *zap.Logger

	client     *s3.Client
	downloader *manager.Downloader

	lastKey string
}

// New creates an S3 connector.
func New(id string, cfg *config.S3Config, pollInterval time.Duration, logger *zap.Logger) (*Connector, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "s3: bucket is required")
	}
	return &Connector{
		id:           id,
		cfg:          cfg,
		pollInterval: pollInterval,
		logger:       logger.With(zap.String("connector", id)),
	}, nil
}

func (c *Connector) ID() string        { return c.id }
func (c *Connector) Kind() ingest.Kind { return ingest.KindObjectScan }

// Open builds the client and positions the key cursor.
func (c *Connector) Open(ctx context.Context, resume *checkpoint.Checkpoint) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(c.cfg.Region))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "loading aws configuration")
	}

	c.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	c.downloader = manager.NewDownloader(c.client)

	if resume != nil {
		var pos position
		if err := resume.Decode(&pos); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCheckpointInvalid, "decoding checkpoint")
		}
		c.lastKey = pos.LastKey
	}

	// reachability probe before producing
	_, err = c.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.cfg.Bucket)})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "checking bucket "+c.cfg.Bucket)
	}
	return nil
}

// Produce scans all objects after the cursor. Without tail the scan completes
// once the listing is exhausted; with tail it re-lists at the poll interval.
func (c *Connector) Produce(ctx context.Context, emit ingest.EmitFunc) error {
	for {
		ingested, err := c.scanOnce(ctx, emit)
		if err != nil {
			return err
		}

		if !c.cfg.Tail {
			c.logger.Info("prefix scan complete", zap.String("prefix", c.cfg.Prefix))
			return nil
		}
		if ingested == 0 {
			select {
			case <-time.After(c.pollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Connector) Close(ctx context.Context) error { return nil }

// scanOnce walks the listing from the cursor and returns how many objects it
// ingested.
func (c *Connector) scanOnce(ctx context.Context, emit ingest.EmitFunc) (int, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.cfg.Bucket),
	}
	if c.cfg.Prefix != "" {
		input.Prefix = aws.String(c.cfg.Prefix)
	}
	if c.lastKey != "" {
		input.StartAfter = aws.String(c.lastKey)
	}

	ingested := 0
	paginator := s3.NewListObjectsV2Paginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return ingested, errors.Wrap(err, errors.ErrorTypeConnection, "listing objects")
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if err := c.ingestObject(ctx, key, emit); err != nil {
				return ingested, err
			}
			c.lastKey = key
			ingested++

			cp, err := checkpoint.New(string(ingest.KindObjectScan), position{LastKey: key})
			if err != nil {
				return ingested, errors.Wrap(err, errors.ErrorTypeInternal, "building checkpoint")
			}
			if err := emit(ctx, ingest.NewCommit(cp)); err != nil {
				return ingested, err
			}
		}
	}
	return ingested, nil
}

func (c *Connector) ingestObject(ctx context.Context, key string, emit ingest.EmitFunc) error {
	buf := manager.NewWriteAtBuffer(nil)
	_, err := c.downloader.Download(ctx, buf, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "downloading "+key)
	}

	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		data := bytes.TrimSpace(scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		var row ingest.Row
		if err := json.Unmarshal(data, &row); err != nil {
			return errors.Wrapf(err, errors.ErrorTypeData, "decoding %s line %d", key, line)
		}
		row["_object_key"] = key

		if err := emit(ctx, ingest.NewInsert(c.cfg.Bucket, row)); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "reading "+key)
	}

	c.logger.Debug("object ingested", zap.String("key", key), zap.Int("lines", line))
	return nil
}
