package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/errors"
)

const (
	// DefaultBoltFileMode is the file mode for the checkpoint database
	DefaultBoltFileMode = 0o600

	// DefaultBoltTimeout bounds the wait for the file lock on open
	DefaultBoltTimeout = 1 * time.Second
)

var checkpointBucket = []byte("checkpoints")

// BoltStore is a bbolt-backed checkpoint store. bbolt commits each update
// transaction atomically, which gives the atomic-replace guarantee the store
// contract requires, and serializes writers, which covers same-key ordering.
type BoltStore struct {
	db     *bolt.DB
	path   string
	logger *zap.Logger
}

// OpenBolt opens (or creates) the checkpoint database at path.
func OpenBolt(path string, logger *zap.Logger) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "creating checkpoint directory")
	}

	db, err := bolt.Open(path, DefaultBoltFileMode, &bolt.Options{Timeout: DefaultBoltTimeout})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "opening checkpoint database")
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeInternal, "initializing checkpoint bucket")
	}

	logger.Info("checkpoint store opened", zap.String("path", path))

	return &BoltStore{
		db:     db,
		path:   path,
		logger: logger.With(zap.String("component", "checkpoint_store")),
	}, nil
}

// Save persists cp for id, rejecting regressions.
func (s *BoltStore) Save(ctx context.Context, id string, cp *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	encoded, err := cp.Encode()
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "encoding checkpoint")
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(checkpointBucket)

		if prev := bucket.Get([]byte(id)); prev != nil {
			stored, derr := DecodeBytes(prev)
			if derr == nil && cp.Sequence < stored.Sequence {
				s.logger.Warn("rejecting checkpoint regression",
					zap.String("connector", id),
					zap.Uint64("stored_sequence", stored.Sequence),
					zap.Uint64("offered_sequence", cp.Sequence))
				return errors.Newf(errors.ErrorTypeCheckpointRegression,
					"checkpoint for %s regresses from %d to %d", id, stored.Sequence, cp.Sequence)
			}
		}

		return bucket.Put([]byte(id), encoded)
	})
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeCheckpointRegression) {
			return err
		}
		return errors.Wrap(err, errors.ErrorTypeInternal, "saving checkpoint")
	}

	s.logger.Debug("checkpoint saved",
		zap.String("connector", id),
		zap.Uint64("sequence", cp.Sequence))

	return nil
}

// Load returns the last saved checkpoint for id, or nil.
func (s *BoltStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var cp *Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(checkpointBucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		decoded, derr := DecodeBytes(data)
		if derr != nil {
			return errors.Wrap(derr, errors.ErrorTypeCheckpointInvalid, "decoding stored checkpoint")
		}
		cp = decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cp, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	s.logger.Info("checkpoint store closed", zap.String("path", s.path))
	return s.db.Close()
}
