package checkpoint

import (
	"context"
)

// Store persists the latest checkpoint per connector identity.
//
// Implementations must be crash-safe: a checkpoint is considered saved only
// after the write is durable, and a partially written checkpoint must never
// be observable as valid. Saves for different connectors may proceed
// concurrently; saves for the same connector are serialized by the caller
// (the multiplexer is the single writer per connector id).
type Store interface {
	// Save durably persists cp as the latest checkpoint for id, replacing any
	// prior value. Attempts to save a checkpoint with a Sequence strictly
	// below the stored one are rejected with an
	// errors.ErrorTypeCheckpointRegression error and leave the stored value
	// untouched.
	Save(ctx context.Context, id string, cp *Checkpoint) error

	// Load returns the last saved checkpoint for id, or nil if none was ever
	// saved.
	Load(ctx context.Context, id string) (*Checkpoint, error)

	// Close flushes and releases the store.
	Close() error
}
