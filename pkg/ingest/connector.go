package ingest

import (
	"context"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
)

// EmitFunc delivers one envelope into the connector's buffer. It blocks while
// the buffer is full (backpressure) and returns the context error on
// shutdown. Connectors must stop producing as soon as emit returns an error.
type EmitFunc func(ctx context.Context, env *Envelope) error

// Connector turns one external source into an ordered envelope sequence.
//
// Lifecycle: Open is called exactly once before Produce, with the last saved
// checkpoint or nil on first run. With a nil checkpoint Produce performs a
// snapshot (a consistent, bounded read of current state emitted as inserts
// and terminated by a commit that marks where streaming starts) and then
// streams live changes. With a checkpoint it skips the snapshot
// and resumes strictly after it.
//
// Produce returns nil when a bounded scope is exhausted (the connector is
// then Completed), or an error. Transient errors (pkg/errors.IsRetryable)
// cause the engine to call Produce again after a backoff; the connector must
// resume from its internal position without re-emitting the snapshot. Fatal
// errors move the connector to Failed.
//
// Connectors only read from their source, never mutate it, and must honor
// ctx cancellation at every blocking point.
type Connector interface {
	// ID is the immutable connector identity, unique within a run. It is the
	// checkpoint key.
	ID() string

	// Kind reports the connector kind.
	Kind() Kind

	// Open acquires source resources and positions the connector at resume
	// (nil means cold start).
	Open(ctx context.Context, resume *checkpoint.Checkpoint) error

	// Produce emits envelopes in source-local order until the scope is
	// exhausted, the context is canceled, or an error occurs.
	Produce(ctx context.Context, emit EmitFunc) error

	// Close releases source connections, file handles and subscriptions.
	Close(ctx context.Context) error
}

// Acknowledger is implemented by connectors that need to observe durable
// consumer acknowledgements, e.g. to advance a replication slot or commit a
// broker offset upstream.
type Acknowledger interface {
	Acknowledge(cp *checkpoint.Checkpoint)
}
