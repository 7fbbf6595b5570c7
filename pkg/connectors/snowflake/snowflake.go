// Package snowflake implements the warehouse polling connector.
//
// The table is keyed by a monotonically increasing watermark column. Cold
// start reads everything once; after that each poll selects only rows whose
// watermark exceeds the checkpointed value. The watermark is compared as the
// driver returns it, so numeric, timestamp and string columns all work as
// long as their ordering matches ingestion order.
package snowflake

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	_ "github.com/snowflakedb/gosnowflake"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/connectors"
	"github.com/aaryaattrey/dozer/pkg/errors"
	"github.com/aaryaattrey/dozer/pkg/ingest"
)

func init() {
	connectors.Register("snowflake", func(cfg *config.ConnectorConfig, logger *zap.Logger) (ingest.Connector, error) {
		return New(cfg.ID, cfg.Snowflake, cfg.PollInterval(), logger)
	})
}

// position is the checkpoint payload for this kind. Watermark holds the
// string form of the highest ingested watermark value.
type position struct {
	Watermark string `json:"watermark"`
}

// Connector polls a Snowflake table for rows above a watermark.
type Connector struct {
	id           string
	cfg          *config.SnowflakeConfig
	pollInterval time.Duration
	logger       *zap.Logger

	db *sql.DB

	watermark    string
	snapshotDone bool
}

// New creates a Snowflake connector.
func New(id string, cfg *config.SnowflakeConfig, pollInterval time.Duration, logger *zap.Logger) (*Connector, error) {
	if cfg == nil || cfg.DSN == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "snowflake: dsn is required")
	}
	if cfg.Table == "" || cfg.WatermarkColumn == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "snowflake: table and watermark_column are required")
	}
	return &Connector{
		id:           id,
		cfg:          cfg,
		pollInterval: pollInterval,
		logger:       logger.With(zap.String("connector", id)),
	}, nil
}

func (c *Connector) ID() string        { return c.id }
func (c *Connector) Kind() ingest.Kind { return ingest.KindPolling }

// Open connects to the warehouse and restores the watermark.
func (c *Connector) Open(ctx context.Context, resume *checkpoint.Checkpoint) error {
	db, err := sql.Open("snowflake", c.cfg.DSN)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "opening snowflake connection")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "pinging snowflake")
	}
	c.db = db

	if resume != nil {
		var pos position
		if err := resume.Decode(&pos); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCheckpointInvalid, "decoding checkpoint")
		}
		// an empty watermark is a valid checkpoint: the table was empty at
		// the initial read
		c.watermark = pos.Watermark
		c.snapshotDone = true
	}
	return nil
}

// Produce polls forever. The initial full read and every non-empty poll end
// with a commit carrying the highest watermark seen.
func (c *Connector) Produce(ctx context.Context, emit ingest.EmitFunc) error {
	for {
		ingested, err := c.pollOnce(ctx, emit)
		if err != nil {
			return err
		}

		if !c.snapshotDone {
			c.snapshotDone = true
			if err := c.emitCommit(ctx, emit); err != nil {
				return err
			}
		} else if ingested > 0 {
			if err := c.emitCommit(ctx, emit); err != nil {
				return err
			}
		}

		select {
		case <-time.After(c.pollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close releases the connection pool.
func (c *Connector) Close(ctx context.Context) error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Connector) pollOnce(ctx context.Context, emit ingest.EmitFunc) (int, error) {
	query := "SELECT * FROM " + quoteTable(c.cfg.Table)
	args := []any{}
	if c.watermark != "" {
		query += " WHERE " + quoteIdent(c.cfg.WatermarkColumn) + " > ?"
		args = append(args, c.watermark)
	}
	query += " ORDER BY " + quoteIdent(c.cfg.WatermarkColumn)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "querying "+c.cfg.Table)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeData, "reading result columns")
	}
	// result columns come back in the server's case, usually upper
	watermarkIdx := -1
	for i, col := range cols {
		if strings.EqualFold(col, c.cfg.WatermarkColumn) {
			watermarkIdx = i
		}
	}
	if watermarkIdx == -1 {
		return 0, errors.Newf(errors.ErrorTypeConfig,
			"watermark column %s not present in %s", c.cfg.WatermarkColumn, c.cfg.Table)
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return count, errors.Wrap(err, errors.ErrorTypeData, "reading row")
		}

		row := make(ingest.Row, len(cols))
		for i, col := range cols {
			row[col] = normalize(values[i])
		}
		if err := emit(ctx, ingest.NewInsert(c.cfg.Table, row)); err != nil {
			return count, err
		}

		c.watermark = fmt.Sprint(normalize(values[watermarkIdx]))
		count++
	}
	if err := rows.Err(); err != nil {
		return count, errors.Wrap(err, errors.ErrorTypeConnection, "poll interrupted")
	}

	if count > 0 {
		c.logger.Debug("poll ingested rows",
			zap.Int("rows", count), zap.String("watermark", c.watermark))
	}
	return count, nil
}

func (c *Connector) emitCommit(ctx context.Context, emit ingest.EmitFunc) error {
	cp, err := checkpoint.New(string(ingest.KindPolling), position{Watermark: c.watermark})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "building checkpoint")
	}
	return emit(ctx, ingest.NewCommit(cp))
}

var bareIdent = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// quoteIdent quotes a config-supplied identifier. Bare identifiers are
// uppercased first so the quoted form resolves to the same object the
// unquoted form would.
func quoteIdent(name string) string {
	if bareIdent.MatchString(name) {
		name = strings.ToUpper(name)
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// quoteTable quotes each part of a possibly qualified table name.
func quoteTable(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = quoteIdent(p)
	}
	return strings.Join(parts, ".")
}

func normalize(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
