// Package ingest implements the connector engine: it drives every configured
// source through its snapshot/streaming lifecycle and merges the resulting
// change events into a single ordered, resumable, backpressured stream.
package ingest

import (
	"time"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
)

// Kind is the closed set of connector kinds. Each kind implies which
// lifecycle states are meaningful and how the scope is interpreted.
type Kind string

const (
	// KindRelationalCDC covers logical-replication style sources
	KindRelationalCDC Kind = "relational_cdc"
	// KindAppendLog covers infinite append-only logs: blockchain logs,
	// message broker topics
	KindAppendLog Kind = "append_log"
	// KindPolling covers query-based polling sources such as warehouses
	KindPolling Kind = "polling"
	// KindBatchPush covers sources that deliver batches via RPC
	KindBatchPush Kind = "batch_push"
	// KindObjectScan covers object storage, local files, table-format
	// storage and document stores
	KindObjectScan Kind = "object_scan"
)

// OpType is the operation an envelope carries.
type OpType string

const (
	OpInsert       OpType = "insert"
	OpUpdate       OpType = "update"
	OpDelete       OpType = "delete"
	OpSchemaChange OpType = "schema_change"
	// OpCommit marks a durable point: everything emitted before it for the
	// same connector is safe to persist as checkpointed.
	OpCommit OpType = "commit"
)

// Row is a single record as produced by a source.
type Row map[string]interface{}

// ColumnDescriptor describes one column of a source entity.
type ColumnDescriptor struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// SchemaDescriptor describes a schema change observed on the source.
type SchemaDescriptor struct {
	Entity    string             `json:"entity"`
	Change    string             `json:"change"` // create, alter, drop
	Columns   []ColumnDescriptor `json:"columns,omitempty"`
	Statement string             `json:"statement,omitempty"`
}

// Envelope is the common unit of change data flowing through the engine.
//
// For a fixed connector, Sequence values are strictly increasing and gapless
// relative to the source's own order; the multiplexer never reorders
// envelopes from the same connector. Sequence and BatchID are assigned by the
// engine, not by connectors.
type Envelope struct {
	ConnectorID string                 `json:"connector_id"`
	Sequence    uint64                 `json:"sequence"`
	Op          OpType                 `json:"op"`
	Entity      string                 `json:"entity,omitempty"`
	Before      Row                    `json:"before,omitempty"`
	After       Row                    `json:"after,omitempty"`
	Schema      *SchemaDescriptor      `json:"schema,omitempty"`
	Checkpoint  *checkpoint.Checkpoint `json:"checkpoint,omitempty"`
	BatchID     string                 `json:"batch_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
}

// NewInsert builds an insert envelope for a new or pre-existing record.
func NewInsert(entity string, row Row) *Envelope {
	return &Envelope{Op: OpInsert, Entity: entity, After: row}
}

// NewUpdate builds an update envelope. before may be nil when the source does
// not expose old row images.
func NewUpdate(entity string, before, after Row) *Envelope {
	return &Envelope{Op: OpUpdate, Entity: entity, Before: before, After: after}
}

// NewDelete builds a delete envelope carrying the deleted row.
func NewDelete(entity string, row Row) *Envelope {
	return &Envelope{Op: OpDelete, Entity: entity, Before: row}
}

// NewSchemaChange builds a schema-change envelope.
func NewSchemaChange(desc *SchemaDescriptor) *Envelope {
	return &Envelope{Op: OpSchemaChange, Entity: desc.Entity, Schema: desc}
}

// NewCommit builds a commit envelope carrying the connector's checkpoint. The
// engine fills in the checkpoint's Sequence when the envelope is emitted.
func NewCommit(cp *checkpoint.Checkpoint) *Envelope {
	return &Envelope{Op: OpCommit, Checkpoint: cp}
}

// sizeHint estimates the in-memory footprint of an envelope for byte-bounded
// buffering. The estimate only needs to be proportional, not exact.
func (e *Envelope) sizeHint() int64 {
	size := int64(128)
	size += rowSize(e.Before)
	size += rowSize(e.After)
	if e.Schema != nil {
		size += int64(len(e.Schema.Statement)) + int64(len(e.Schema.Columns))*48
	}
	return size
}

func rowSize(r Row) int64 {
	var size int64
	for k, v := range r {
		size += int64(len(k)) + 16
		if s, ok := v.(string); ok {
			size += int64(len(s))
		} else {
			size += 8
		}
	}
	return size
}
