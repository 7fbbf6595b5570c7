// Package postgres implements the PostgreSQL logical-replication connector.
//
// Cold start creates (or reuses) a replication slot with an exported
// snapshot, scans the configured tables inside that snapshot so the initial
// inserts and the replication start point are consistent, then streams WAL
// from the slot's consistent point. Resumption restarts replication strictly
// after the checkpointed LSN; the slot retains WAL until the consumer
// acknowledges, which this connector forwards as standby status updates.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/connectors"
	"github.com/aaryaattrey/dozer/pkg/errors"
	"github.com/aaryaattrey/dozer/pkg/ingest"
)

const outputPlugin = "pgoutput"

func init() {
	connectors.Register("postgres", func(cfg *config.ConnectorConfig, logger *zap.Logger) (ingest.Connector, error) {
		return New(cfg.ID, cfg.Postgres, logger)
	})
}

// position is the checkpoint payload for this kind.
type position struct {
	LSN string `json:"lsn"`
}

// Connector streams changes from a PostgreSQL database.
type Connector struct {
	id     string
	cfg    *config.PostgresConfig
	logger *zap.Logger

	conn     *pgx.Conn     // snapshot and catalog queries
	replConn *pgconn.PgConn

	startLSN     pglogrepl.LSN
	snapshotName string
	snapshotDone bool

	// relations caches the most recent RelationMessage per relation id
	relations map[uint32]*pglogrepl.RelationMessage

	mu       sync.Mutex
	ackedLSN pglogrepl.LSN
}

// New creates a PostgreSQL connector.
func New(id string, cfg *config.PostgresConfig, logger *zap.Logger) (*Connector, error) {
	if cfg == nil || cfg.ConnString == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "postgres: conn_string is required")
	}
	if len(cfg.Tables) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "postgres: at least one table is required")
	}
	if cfg.SlotName == "" {
		cfg.SlotName = "dozer_" + strings.ReplaceAll(id, "-", "_")
	}
	if cfg.Publication == "" {
		cfg.Publication = "dozer_" + strings.ReplaceAll(id, "-", "_")
	}

	return &Connector{
		id:        id,
		cfg:       cfg,
		logger:    logger.With(zap.String("connector", id)),
		relations: make(map[uint32]*pglogrepl.RelationMessage),
	}, nil
}

func (c *Connector) ID() string        { return c.id }
func (c *Connector) Kind() ingest.Kind { return ingest.KindRelationalCDC }

// Open connects both the query and replication connections and positions the
// connector: at the checkpointed LSN when resuming, or at a freshly created
// slot's consistent point with an exported snapshot on cold start.
func (c *Connector) Open(ctx context.Context, resume *checkpoint.Checkpoint) error {
	pgxCfg, err := pgx.ParseConfig(c.cfg.ConnString)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "parsing conn_string")
	}
	c.conn, err = pgx.ConnectConfig(ctx, pgxCfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "connecting to postgres")
	}

	replCfg, err := pgconn.ParseConfig(c.cfg.ConnString)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "parsing conn_string")
	}
	replCfg.RuntimeParams["replication"] = "database"
	c.replConn, err = pgconn.ConnectConfig(ctx, replCfg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "connecting replication session")
	}

	if err := c.ensurePublication(ctx); err != nil {
		return err
	}

	if resume != nil {
		var pos position
		if err := resume.Decode(&pos); err != nil {
			return errors.Wrap(err, errors.ErrorTypeCheckpointInvalid, "decoding checkpoint")
		}
		lsn, err := pglogrepl.ParseLSN(pos.LSN)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeCheckpointInvalid, "parsing checkpointed LSN")
		}
		if err := c.verifySlot(ctx, lsn); err != nil {
			return err
		}
		c.startLSN = lsn
		c.snapshotDone = true
		return nil
	}

	// A slot left behind by a crash before the first acknowledged commit is
	// reused; the snapshot re-runs, which at-least-once delivery permits.
	existing, err := slotConfirmedLSN(ctx, c.conn, c.cfg.SlotName)
	if err != nil {
		return err
	}
	if existing != nil {
		c.startLSN = *existing
		c.logger.Info("reusing replication slot",
			zap.String("slot", c.cfg.SlotName),
			zap.String("confirmed_flush_lsn", existing.String()))
		return nil
	}

	// Fresh slot with an exported snapshot ties the table scan to the
	// replication start point.
	result, err := pglogrepl.CreateReplicationSlot(ctx, c.replConn, c.cfg.SlotName, outputPlugin,
		pglogrepl.CreateReplicationSlotOptions{SnapshotAction: "EXPORT_SNAPSHOT"})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "creating replication slot")
	}

	consistentPoint, err := pglogrepl.ParseLSN(result.ConsistentPoint)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "parsing consistent point")
	}

	c.startLSN = consistentPoint
	c.snapshotName = result.SnapshotName
	c.logger.Info("replication slot created",
		zap.String("slot", c.cfg.SlotName),
		zap.String("consistent_point", result.ConsistentPoint))
	return nil
}

// Produce snapshots on first run, then streams WAL. After a transient error
// the engine calls Produce again; the snapshot is not repeated and streaming
// restarts from the last processed LSN.
func (c *Connector) Produce(ctx context.Context, emit ingest.EmitFunc) error {
	if !c.snapshotDone {
		if err := c.snapshot(ctx, emit); err != nil {
			return err
		}
		c.snapshotDone = true

		cp, err := checkpoint.New(string(ingest.KindRelationalCDC), position{LSN: c.startLSN.String()})
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "building checkpoint")
		}
		if err := emit(ctx, ingest.NewCommit(cp)); err != nil {
			return err
		}
	}

	return c.stream(ctx, emit)
}

// Acknowledge advances the confirmed LSN reported to the server, letting it
// reclaim WAL behind the durable consumer position.
func (c *Connector) Acknowledge(cp *checkpoint.Checkpoint) {
	var pos position
	if err := cp.Decode(&pos); err != nil {
		return
	}
	lsn, err := pglogrepl.ParseLSN(pos.LSN)
	if err != nil {
		return
	}
	c.mu.Lock()
	if lsn > c.ackedLSN {
		c.ackedLSN = lsn
	}
	c.mu.Unlock()
}

// Close releases both connections. The slot is left in place so the next run
// can resume.
func (c *Connector) Close(ctx context.Context) error {
	if c.replConn != nil {
		_ = c.replConn.Close(ctx)
	}
	if c.conn != nil {
		_ = c.conn.Close(ctx)
	}
	return nil
}

func (c *Connector) ensurePublication(ctx context.Context) error {
	var exists bool
	err := c.conn.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM pg_publication WHERE pubname = $1)",
		c.cfg.Publication).Scan(&exists)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "checking publication")
	}
	if exists {
		return nil
	}

	tables := make([]string, len(c.cfg.Tables))
	for i, t := range c.cfg.Tables {
		if !strings.Contains(t, ".") {
			t = "public." + t
		}
		tables[i] = t
	}

	_, err = c.conn.Exec(ctx, fmt.Sprintf("CREATE PUBLICATION %s FOR TABLE %s",
		c.cfg.Publication, strings.Join(tables, ", ")))
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "creating publication")
	}
	c.logger.Info("publication created", zap.String("publication", c.cfg.Publication))
	return nil
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// slotConfirmedLSN returns the slot's confirmed flush LSN when the slot
// already exists, or nil when it does not.
func slotConfirmedLSN(ctx context.Context, q rowQuerier, slot string) (*pglogrepl.LSN, error) {
	var confirmed *string
	err := q.QueryRow(ctx,
		"SELECT confirmed_flush_lsn::text FROM pg_replication_slots WHERE slot_name = $1",
		slot).Scan(&confirmed)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "checking replication slot")
	}
	if confirmed == nil {
		return nil, errors.Newf(errors.ErrorTypeSourceUnavailable,
			"slot %s exists without a confirmed flush position", slot)
	}
	lsn, err := pglogrepl.ParseLSN(*confirmed)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "parsing confirmed flush LSN")
	}
	return &lsn, nil
}

// verifySlot confirms the slot still exists and has not been recycled past
// the checkpointed LSN.
func (c *Connector) verifySlot(ctx context.Context, lsn pglogrepl.LSN) error {
	var restartLSN *string
	err := c.conn.QueryRow(ctx,
		"SELECT restart_lsn::text FROM pg_replication_slots WHERE slot_name = $1",
		c.cfg.SlotName).Scan(&restartLSN)
	if err != nil {
		if err == pgx.ErrNoRows {
			return errors.Newf(errors.ErrorTypeCheckpointInvalid,
				"replication slot %s no longer exists; re-snapshot required", c.cfg.SlotName)
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "checking replication slot")
	}
	if restartLSN == nil {
		return nil
	}
	restart, err := pglogrepl.ParseLSN(*restartLSN)
	if err == nil && restart > lsn {
		return errors.Newf(errors.ErrorTypeCheckpointInvalid,
			"slot restart LSN %s passed checkpoint %s; re-snapshot required", restart, lsn)
	}
	return nil
}

// snapshot scans every configured table inside the exported snapshot and
// emits each row as an insert.
func (c *Connector) snapshot(ctx context.Context, emit ingest.EmitFunc) error {
	tx, err := c.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "beginning snapshot transaction")
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	if c.snapshotName != "" {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET TRANSACTION SNAPSHOT '%s'", c.snapshotName)); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConnection, "importing snapshot")
		}
	}

	for _, table := range c.cfg.Tables {
		if err := c.snapshotTable(ctx, tx, table, emit); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connector) snapshotTable(ctx context.Context, tx pgx.Tx, table string, emit ingest.EmitFunc) error {
	rows, err := tx.Query(ctx, "SELECT * FROM "+pgx.Identifier(strings.Split(table, ".")).Sanitize())
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "scanning table "+table)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	count := 0
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeData, "reading snapshot row")
		}
		row := make(ingest.Row, len(fields))
		for i, fd := range fields {
			row[fd.Name] = values[i]
		}
		if err := emit(ctx, ingest.NewInsert(table, row)); err != nil {
			return err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "snapshot scan interrupted")
	}

	c.logger.Info("table snapshot complete",
		zap.String("table", table), zap.Int("rows", count))
	return nil
}

// stream tails the replication slot from startLSN, mapping logical messages
// to envelopes. Commit messages become commit envelopes carrying the
// transaction end LSN.
func (c *Connector) stream(ctx context.Context, emit ingest.EmitFunc) error {
	pluginArgs := []string{
		"proto_version '1'",
		fmt.Sprintf("publication_names '%s'", c.cfg.Publication),
	}
	err := pglogrepl.StartReplication(ctx, c.replConn, c.cfg.SlotName, c.startLSN,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "starting replication")
	}

	c.logger.Info("streaming from replication slot",
		zap.String("slot", c.cfg.SlotName),
		zap.String("start_lsn", c.startLSN.String()))

	standbyDeadline := time.Now().Add(10 * time.Second)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if time.Now().After(standbyDeadline) {
			if err := c.sendStandbyStatus(ctx); err != nil {
				return err
			}
			standbyDeadline = time.Now().Add(10 * time.Second)
		}

		recvCtx, cancel := context.WithDeadline(ctx, standbyDeadline)
		msg, err := c.replConn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if pgconn.Timeout(err) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, errors.ErrorTypeConnection, "receiving replication message")
		}

		copyData, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}

		switch copyData.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(copyData.Data[1:])
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeData, "parsing keepalive")
			}
			if ka.ReplyRequested {
				if err := c.sendStandbyStatus(ctx); err != nil {
					return err
				}
			}
		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(copyData.Data[1:])
			if err != nil {
				return errors.Wrap(err, errors.ErrorTypeData, "parsing xlog data")
			}
			if err := c.handleWAL(ctx, xld, emit); err != nil {
				return err
			}
		}
	}
}

func (c *Connector) handleWAL(ctx context.Context, xld pglogrepl.XLogData, emit ingest.EmitFunc) error {
	logicalMsg, err := pglogrepl.Parse(xld.WALData)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "parsing logical message")
	}

	switch msg := logicalMsg.(type) {
	case *pglogrepl.RelationMessage:
		return c.handleRelation(ctx, msg, emit)

	case *pglogrepl.InsertMessage:
		rel, row, err := c.decodeTuple(msg.RelationID, msg.Tuple)
		if err != nil {
			return err
		}
		return emit(ctx, ingest.NewInsert(relationName(rel), row))

	case *pglogrepl.UpdateMessage:
		rel, after, err := c.decodeTuple(msg.RelationID, msg.NewTuple)
		if err != nil {
			return err
		}
		var before ingest.Row
		if msg.OldTuple != nil {
			_, before, err = c.decodeTuple(msg.RelationID, msg.OldTuple)
			if err != nil {
				return err
			}
		}
		return emit(ctx, ingest.NewUpdate(relationName(rel), before, after))

	case *pglogrepl.DeleteMessage:
		rel, before, err := c.decodeTuple(msg.RelationID, msg.OldTuple)
		if err != nil {
			return err
		}
		return emit(ctx, ingest.NewDelete(relationName(rel), before))

	case *pglogrepl.CommitMessage:
		c.startLSN = msg.TransactionEndLSN
		cp, err := checkpoint.New(string(ingest.KindRelationalCDC),
			position{LSN: msg.TransactionEndLSN.String()})
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "building checkpoint")
		}
		return emit(ctx, ingest.NewCommit(cp))
	}

	// Begin, Origin, Type and Truncate messages carry no row data
	return nil
}

// handleRelation caches the relation and surfaces column-set changes as
// schema-change envelopes.
func (c *Connector) handleRelation(ctx context.Context, msg *pglogrepl.RelationMessage, emit ingest.EmitFunc) error {
	prev, seen := c.relations[msg.RelationID]
	c.relations[msg.RelationID] = msg

	if !seen || sameColumns(prev, msg) {
		return nil
	}

	desc := &ingest.SchemaDescriptor{
		Entity: relationName(msg),
		Change: "alter",
	}
	for _, col := range msg.Columns {
		desc.Columns = append(desc.Columns, ingest.ColumnDescriptor{
			Name: col.Name,
			Type: fmt.Sprintf("oid:%d", col.DataType),
		})
	}
	return emit(ctx, ingest.NewSchemaChange(desc))
}

func (c *Connector) decodeTuple(relationID uint32, tuple *pglogrepl.TupleData) (*pglogrepl.RelationMessage, ingest.Row, error) {
	rel, ok := c.relations[relationID]
	if !ok {
		return nil, nil, errors.Newf(errors.ErrorTypeData, "unknown relation id %d", relationID)
	}
	if tuple == nil {
		return rel, nil, nil
	}

	row := make(ingest.Row, len(tuple.Columns))
	for i, col := range tuple.Columns {
		if i >= len(rel.Columns) {
			break
		}
		name := rel.Columns[i].Name
		switch col.DataType {
		case 'n': // null
			row[name] = nil
		case 'u': // unchanged TOAST value, not present in the message
		case 't':
			row[name] = string(col.Data)
		}
	}
	return rel, row, nil
}

func (c *Connector) sendStandbyStatus(ctx context.Context) error {
	c.mu.Lock()
	acked := c.ackedLSN
	c.mu.Unlock()
	if acked == 0 {
		return nil
	}

	err := pglogrepl.SendStandbyStatusUpdate(ctx, c.replConn,
		pglogrepl.StandbyStatusUpdate{WALWritePosition: acked})
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConnection, "sending standby status")
	}
	return nil
}

func relationName(rel *pglogrepl.RelationMessage) string {
	if rel == nil {
		return ""
	}
	return rel.Namespace + "." + rel.RelationName
}

func sameColumns(a, b *pglogrepl.RelationMessage) bool {
	if len(a.Columns) != len(b.Columns) {
		return false
	}
	for i := range a.Columns {
		if a.Columns[i].Name != b.Columns[i].Name || a.Columns[i].DataType != b.Columns[i].DataType {
			return false
		}
	}
	return true
}
