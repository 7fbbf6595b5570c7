// Package checkpoint provides durable, per-connector resume-token persistence.
//
// A checkpoint is opaque to the engine: the kind-specific payload is produced
// and consumed only by the owning connector. The engine relies solely on the
// Sequence field, which mirrors the source-local sequence of the commit
// envelope that carried the checkpoint and advances monotonically.
package checkpoint

import (
	json "github.com/goccy/go-json"
)

// Checkpoint is a monotonically advancing resume token for one connector.
type Checkpoint struct {
	// Kind names the connector kind that produced the checkpoint so a
	// connector can refuse a token written by an incompatible implementation.
	Kind string `json:"kind"`
	// Sequence is the source-local sequence of the commit that carried this
	// checkpoint. Used for the store's monotonicity check.
	Sequence uint64 `json:"sequence"`
	// Payload is the kind-specific position: an LSN, a binlog file/offset,
	// broker offsets, a block number, a file/byte offset, a resume token.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a checkpoint for the given kind, marshaling the kind-specific
// position into the payload. Sequence is filled in by the engine when the
// commit envelope is emitted.
func New(kind string, position interface{}) (*Checkpoint, error) {
	payload, err := json.Marshal(position)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{Kind: kind, Payload: payload}, nil
}

// Decode unmarshals the kind-specific payload into position.
func (c *Checkpoint) Decode(position interface{}) error {
	return json.Unmarshal(c.Payload, position)
}

// Encode serializes the whole checkpoint to a durable byte sequence.
func (c *Checkpoint) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// DecodeBytes parses a checkpoint previously produced by Encode.
func DecodeBytes(data []byte) (*Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
