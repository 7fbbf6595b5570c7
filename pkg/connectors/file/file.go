// Package file implements the local-filesystem scan connector.
//
// Files matching the glob are processed in lexicographic path order as
// newline-delimited JSON. The checkpoint carries the path and byte offset of
// the last committed position, so resumption skips earlier files entirely
// and seeks within the current one. With tail enabled the connector keeps
// re-evaluating the glob and re-reading grown files at the poll interval.
package file

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/connectors"
	"github.com/aaryaattrey/dozer/pkg/errors"
	"github.com/aaryaattrey/dozer/pkg/ingest"
)

func init() {
	connectors.Register("file", func(cfg *config.ConnectorConfig, logger *zap.Logger) (ingest.Connector, error) {
		return New(cfg.ID, cfg.File, cfg.PollInterval(), logger)
	})
}

// position is the checkpoint payload for this kind.
type position struct {
	Path   string `json:"path"`
	Offset int64  `json:"offset"`
}

// Connector scans local files matched by a glob.
type Connector struct {
	id           string
	cfg          *config.FileConfig
	pollInterval time.Duration
	logger       *zap.Logger

	// cursor marks the last committed position
	curPath   string
	curOffset int64
}

// New creates a file connector.
func New(id string, cfg *config.FileConfig, pollInterval time.Duration, logger *zap.Logger) (*Connector, error) {
	if cfg == nil || cfg.Glob == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "file: glob is required")
	}
	if _, err := filepath.Match(cfg.Glob, ""); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "file: invalid glob")
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

// Open positions the path cursor from the checkpoint.
func (c *Connector) Open(ctx context.Context, resume *checkpoint.Checkpoint) error {
	if resume == nil {
		return nil
	}
	var pos position
	if err := resume.Decode(&pos); err != nil {
		return errors.Wrap(err, errors.ErrorTypeCheckpointInvalid, "decoding checkpoint")
	}
	c.curPath = pos.Path
	c.curOffset = pos.Offset
	return nil
}

// Produce scans every matched file at or after the cursor. Without tail the
// scan completes once all files are read; with tail it re-globs at the poll
// interval.
func (c *Connector) Produce(ctx context.Context, emit ingest.EmitFunc) error {
	for {
		progressed, err := c.scanOnce(ctx, emit)
		if err != nil {
			return err
		}

		if !c.cfg.Tail {
			c.logger.Info("file scan complete", zap.String("glob", c.cfg.Glob))
			return nil
		}
		if !progressed {
			select {
			case <-time.After(c.pollInterval):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Connector) Close(ctx context.Context) error { return nil }

func (c *Connector) scanOnce(ctx context.Context, emit ingest.EmitFunc) (bool, error) {
	paths, err := filepath.Glob(c.cfg.Glob)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeConfig, "evaluating glob")
	}
	sort.Strings(paths)

	progressed := false
	for _, path := range paths {
		if path < c.curPath {
			continue
		}

		start := int64(0)
		if path == c.curPath {
			start = c.curOffset
		}

		read, err := c.scanFile(ctx, path, start, emit)
		if err != nil {
			return progressed, err
		}
		if read == 0 {
			continue
		}
		progressed = true

		c.curPath = path
		c.curOffset = start + read
		cp, err := checkpoint.New(string(ingest.KindObjectScan),
			position{Path: c.curPath, Offset: c.curOffset})
		if err != nil {
			return progressed, errors.Wrap(err, errors.ErrorTypeInternal, "building checkpoint")
		}
		if err := emit(ctx, ingest.NewCommit(cp)); err != nil {
			return progressed, err
		}
	}
	return progressed, nil
}

// scanFile reads complete lines from start and returns how many bytes were
// consumed. A trailing line without a newline is left for the next pass so a
// writer mid-append is never half-ingested.
func (c *Connector) scanFile(ctx context.Context, path string, start int64, emit ingest.EmitFunc) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// matched by a previous glob pass, removed since
			return 0, nil
		}
		return 0, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "opening "+path)
	}
	defer f.Close()

	if start > 0 {
		info, err := f.Stat()
		if err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "inspecting "+path)
		}
		if info.Size() < start {
			return 0, errors.Newf(errors.ErrorTypeCheckpointInvalid,
				"%s truncated below checkpointed offset %d", path, start)
		}
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			return 0, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "seeking in "+path)
		}
	}

	reader := bufio.NewReader(f)
	var consumed int64
	line := 0
	for {
		if err := ctx.Err(); err != nil {
			return consumed, err
		}

		data, err := reader.ReadBytes('\n')
		if err == io.EOF {
			// incomplete trailing line stays unconsumed
			return consumed, nil
		}
		if err != nil {
			return consumed, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "reading "+path)
		}

		consumed += int64(len(data))
		line++
		data = bytes.TrimSpace(data)
		if len(data) == 0 {
			continue
		}

		var row ingest.Row
		if err := json.Unmarshal(data, &row); err != nil {
			return consumed, errors.Wrapf(err, errors.ErrorTypeData, "decoding %s line %d", path, line)
		}
		row["_path"] = path

		if err := emit(ctx, ingest.NewInsert(filepath.Base(path), row)); err != nil {
			return consumed, err
		}
	}
}
