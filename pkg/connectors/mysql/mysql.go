// Package mysql implements the MySQL binlog connector.
//
// Cold start records the server's binlog position, scans the configured
// tables and emits them as inserts, then tails the binary log from the
// recorded position. Checkpoints carry the {file, offset} binlog coordinate
// of the last committed transaction.
package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/connectors"
	"github.com/aaryaattrey/dozer/pkg/errors"
	"github.com/aaryaattrey/dozer/pkg/ingest"
)

func init() {
	connectors.Register("mysql", func(cfg *config.ConnectorConfig, logger *zap.Logger) (ingest.Connector, error) {
		return New(cfg.ID, cfg.MySQL, logger)
	})
}

// position is the checkpoint payload for this kind.
type position struct {
	File   string `json:"file"`
	Offset uint32 `json:"offset"`
}

// Connector streams row changes from a MySQL binary log.
type Connector struct {
	id     string
	cfg    *config.MySQLConfig
	logger *zap.Logger

	db     *sql.DB
	syncer *replication.BinlogSyncer

	pos          mysql.Position
	snapshotDone bool

	// columns caches ordered column names per "db.table"
	columns map[string][]string
	watched map[string]bool
}

// New creates a MySQL connector.
func New(id string, cfg *config.MySQLConfig, logger *zap.Logger) (*Connector, error) {
	if cfg == nil || cfg.Addr == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "mysql: addr is required")
	}
	if cfg.Database == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "mysql: database is required")
	}
	if len(cfg.Tables) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "mysql: at least one table is required")
	}
	if cfg.ServerID == 0 {
		cfg.ServerID = 4213
	}

	watched := make(map[string]bool, len(cfg.Tables))
	for _, t := range cfg.Tables {
		watched[cfg.Database+"."+t] = true
	}

	return &Connector{
		id:      id,
		cfg:     cfg,
		logger:  logger.With(zap.String("connector", id)),
		columns: make(map[string][]string),
		watched: watched,
	}, nil
}

func (c *Connector) ID() string        { return c.id }
func (c *Connector) Kind() ingest.Kind { return ingest.KindRelationalCDC }

// Open connects to the server, loads table schemas and positions the
// connector at either the checkpointed coordinate or the server's current
// binlog head.
func (c *Connector) Open(ctx context.Context, resume *checkpoint.Checkpoint) error {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s", c.cfg.User, c.cfg.Password, c.cfg.Addr, c.cfg.Database)
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "opening mysql connection")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.Wrap(err, errors.ErrorTypeConnection, "pinging mysql")
	}
	c.db = db

	for _, table := range c.cfg.Tables {
		if err := c.loadColumns(ctx, table); err != nil {
			return err
		}
	}

	host, port, err := splitAddr(c.cfg.Addr)
	if err != nil {
		return err
	}
	c.syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID: c.cfg.ServerID,
		Flavor:   "mysql",
		Host:     host,
		Port:     port,
		User:     c.cfg.User,
		Password: c.cfg.Password,
		Charset:  "utf8mb4",
	})

	if resume != nil {
		var pos position
		if err := resume.Decode(&pos); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCheckpointInvalid, "decoding checkpoint")
		}
		if pos.File == "" {
			return errors.New(errors.ErrorTypeCheckpointInvalid, "checkpoint missing binlog file")
		}
		c.pos = mysql.Position{Name: pos.File, Pos: pos.Offset}
		c.snapshotDone = true
		return nil
	}

	if err := c.currentPosition(ctx); err != nil {
		return err
	}
	c.logger.Info("binlog position recorded",
		zap.String("file", c.pos.Name), zap.Uint32("offset", c.pos.Pos))
	return nil
}

// Produce snapshots on first run, then tails the binlog. Re-invocation after
// a transient error resumes streaming from the last processed coordinate.
func (c *Connector) Produce(ctx context.Context, emit ingest.EmitFunc) error {
	if !c.snapshotDone {
		for _, table := range c.cfg.Tables {
			if err := c.snapshotTable(ctx, table, emit); err != nil {
				return err
			}
		}
		c.snapshotDone = true

		if err := c.emitCommit(ctx, emit); err != nil {
			return err
		}
	}

	return c.stream(ctx, emit)
}

// Close stops the syncer and the query connection.
func (c *Connector) Close(ctx context.Context) error {
	if c.syncer != nil {
		c.syncer.Close()
	}
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *Connector) currentPosition(ctx context.Context) error {
	var file string
	var offset uint32
	var discard any
	row := c.db.QueryRowContext(ctx, "SHOW MASTER STATUS")
	if err := row.Scan(&file, &offset, &discard, &discard, &discard); err != nil {
		return errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "reading binlog position")
	}
	c.pos = mysql.Position{Name: file, Pos: offset}
	return nil
}

func (c *Connector) loadColumns(ctx context.Context, table string) error {
	rows, err := c.db.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`,
		c.cfg.Database, table)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "loading columns for "+table)
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "scanning column name")
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "column scan interrupted")
	}
	if len(cols) == 0 {
		return errors.Newf(errors.ErrorTypeConfig, "table %s.%s not found", c.cfg.Database, table)
	}

	c.columns[c.cfg.Database+"."+table] = cols
	return nil
}

func (c *Connector) snapshotTable(ctx context.Context, table string, emit ingest.EmitFunc) error {
	entity := c.cfg.Database + "." + table
	cols := c.columns[entity]

	rows, err := c.db.QueryContext(ctx, "SELECT * FROM `"+table+"`")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "scanning table "+table)
	}
	defer rows.Close()

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	count := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "reading snapshot row")
		}
		row := make(ingest.Row, len(cols))
		for i, col := range cols {
			row[col] = normalize(values[i])
		}
		if err := emit(ctx, ingest.NewInsert(entity, row)); err != nil {
			return err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "snapshot scan interrupted")
	}

	c.logger.Info("table snapshot complete",
		zap.String("table", entity), zap.Int("rows", count))
	return nil
}

func (c *Connector) stream(ctx context.Context, emit ingest.EmitFunc) error {
	streamer, err := c.syncer.StartSync(c.pos)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "starting binlog sync")
	}

	c.logger.Info("streaming from binlog",
		zap.String("file", c.pos.Name), zap.Uint32("offset", c.pos.Pos))

	for {
		recvCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		ev, err := streamer.GetEvent(recvCtx)
		cancel()
		if err != nil {
			if err == context.DeadlineExceeded {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, errors.ErrorTypeConnection, "reading binlog event")
		}

		if err := c.handleEvent(ctx, ev, emit); err != nil {
			return err
		}
	}
}

func (c *Connector) handleEvent(ctx context.Context, ev *replication.BinlogEvent, emit ingest.EmitFunc) error {
	c.pos.Pos = ev.Header.LogPos

	switch e := ev.Event.(type) {
	case *replication.RotateEvent:
		c.pos.Name = string(e.NextLogName)
		c.pos.Pos = uint32(e.Position)
		return nil

	case *replication.RowsEvent:
		return c.handleRows(ctx, ev.Header, e, emit)

	case *replication.XIDEvent:
		// transaction boundary
		return c.emitCommit(ctx, emit)

	case *replication.QueryEvent:
		return c.handleQuery(ctx, e, emit)
	}
	return nil
}

func (c *Connector) handleRows(ctx context.Context, header *replication.EventHeader, e *replication.RowsEvent, emit ingest.EmitFunc) error {
	entity := string(e.Table.Schema) + "." + string(e.Table.Table)
	if !c.watched[entity] {
		return nil
	}
	cols, ok := c.columns[entity]
	if !ok {
		return errors.Newf(errors.ErrorTypeData, "no schema for table %s", entity)
	}

	switch header.EventType {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		for _, raw := range e.Rows {
			row, err := c.rowToMap(raw, cols, entity)
			if err != nil {
				return err
			}
			if err := emit(ctx, ingest.NewInsert(entity, row)); err != nil {
				return err
			}
		}

	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		// update events carry before/after image pairs
		if len(e.Rows)%2 != 0 {
			return errors.New(errors.ErrorTypeData, "incomplete update row pair")
		}
		for i := 0; i+1 < len(e.Rows); i += 2 {
			before, err := c.rowToMap(e.Rows[i], cols, entity)
			if err != nil {
				return err
			}
			after, err := c.rowToMap(e.Rows[i+1], cols, entity)
			if err != nil {
				return err
			}
			if err := emit(ctx, ingest.NewUpdate(entity, before, after)); err != nil {
				return err
			}
		}

	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		for _, raw := range e.Rows {
			row, err := c.rowToMap(raw, cols, entity)
			if err != nil {
				return err
			}
			if err := emit(ctx, ingest.NewDelete(entity, row)); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleQuery surfaces DDL against watched tables as schema changes and
// refreshes the cached column list.
func (c *Connector) handleQuery(ctx context.Context, e *replication.QueryEvent, emit ingest.EmitFunc) error {
	query := strings.ToUpper(strings.TrimSpace(string(e.Query)))
	if !strings.HasPrefix(query, "ALTER TABLE") {
		return nil
	}

	for _, table := range c.cfg.Tables {
		if !strings.Contains(query, strings.ToUpper(table)) {
			continue
		}
		if err := c.loadColumns(ctx, table); err != nil {
			return errors.Wrap(err, errors.ErrorTypeSchemaIncompatible, "reloading schema after DDL")
		}

		entity := c.cfg.Database + "." + table
		desc := &ingest.SchemaDescriptor{Entity: entity, Change: "alter"}
		for _, col := range c.columns[entity] {
			desc.Columns = append(desc.Columns, ingest.ColumnDescriptor{Name: col})
		}
		if err := emit(ctx, ingest.NewSchemaChange(desc)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) emitCommit(ctx context.Context, emit ingest.EmitFunc) error {
	cp, err := checkpoint.New(string(ingest.KindRelationalCDC),
		position{File: c.pos.Name, Offset: c.pos.Pos})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "building checkpoint")
	}
	return emit(ctx, ingest.NewCommit(cp))
}

func (c *Connector) rowToMap(raw []any, cols []string, entity string) (ingest.Row, error) {
	if len(raw) != len(cols) {
		return nil, errors.Newf(errors.ErrorTypeData,
			"row column count mismatch for %s: got %d, expected %d", entity, len(raw), len(cols))
	}
	row := make(ingest.Row, len(cols))
	for i, col := range cols {
		row[col] = normalize(raw[i])
	}
	return row, nil
}

// normalize widens driver-specific scan types to plain JSON-friendly values.
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

func splitAddr(addr string) (string, uint16, error) {
	host, portStr, found := strings.Cut(addr, ":")
	if !found {
		return addr, 3306, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, errors.Newf(errors.ErrorTypeConfig, "invalid mysql addr %q", addr)
	}
	return host, uint16(port), nil
}
