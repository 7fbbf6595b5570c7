package mongodb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/errors"
	"github.com/aaryaattrey/dozer/pkg/ingest"
)

func TestNewValidatesConfig(t *testing.T) {
	_, err := New("mg", nil, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = New("mg", &config.MongoDBConfig{URI: "mongodb://h"}, zap.NewNop())
	require.Error(t, err, "database and collection are required")

	conn, err := New("mg", &config.MongoDBConfig{URI: "mongodb://h", Database: "app", Collection: "events"}, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, ingest.KindObjectScan, conn.Kind())
}

func TestCheckpointCarriesObjectScanKind(t *testing.T) {
	conn := &Connector{resumeToken: bson.Raw{5, 0, 0, 0, 0}}

	var commit *ingest.Envelope
	err := conn.emitCommit(context.Background(), func(ctx context.Context, env *ingest.Envelope) error {
		commit = env
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, ingest.OpCommit, commit.Op)
	assert.Equal(t, string(ingest.KindObjectScan), commit.Checkpoint.Kind)
}

func TestEnvelopeForInsert(t *testing.T) {
	env, skip := envelopeFor("app.events", &changeEvent{
		OperationType: "insert",
		FullDocument:  bson.M{"_id": "a1", "value": 7},
	})
	require.False(t, skip)
	assert.Equal(t, ingest.OpInsert, env.Op)
	assert.Equal(t, "app.events", env.Entity)
	assert.Equal(t, 7, env.After["value"])
}

func TestEnvelopeForUpdate(t *testing.T) {
	env, skip := envelopeFor("app.events", &changeEvent{
		OperationType: "update",
		FullDocument:  bson.M{"_id": "a1", "value": 8},
		DocumentKey:   bson.M{"_id": "a1"},
	})
	require.False(t, skip)
	assert.Equal(t, ingest.OpUpdate, env.Op)
	assert.Equal(t, "a1", env.Before["_id"])
	assert.Equal(t, 8, env.After["value"])
}

func TestEnvelopeForUpdateWithoutLookup(t *testing.T) {
	// document deleted between the update and the fullDocument lookup
	env, skip := envelopeFor("app.events", &changeEvent{
		OperationType: "update",
		DocumentKey:   bson.M{"_id": "a1"},
	})
	require.False(t, skip)
	assert.Equal(t, "a1", env.After["_id"], "falls back to the key-only image")
}

func TestEnvelopeForDelete(t *testing.T) {
	env, skip := envelopeFor("app.events", &changeEvent{
		OperationType: "delete",
		DocumentKey:   bson.M{"_id": "a1"},
	})
	require.False(t, skip)
	assert.Equal(t, ingest.OpDelete, env.Op)
	assert.Equal(t, "a1", env.Before["_id"])
}

func TestEnvelopeForUnmodeledOperations(t *testing.T) {
	for _, op := range []string{"drop", "rename", "invalidate", "dropDatabase"} {
		_, skip := envelopeFor("app.events", &changeEvent{OperationType: op})
		assert.True(t, skip, "operation %s only advances the resume token", op)
	}
}

func TestHistoryLost(t *testing.T) {
	assert.True(t, historyLost(mongo.CommandError{Code: 286, Name: "ChangeStreamHistoryLost"}))
	assert.False(t, historyLost(mongo.CommandError{Code: 11600}))
	assert.False(t, historyLost(assert.AnError))
}
