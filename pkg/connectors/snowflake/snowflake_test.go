package snowflake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/errors"
)

func TestNewValidatesConfig(t *testing.T) {
	_, err := New("sf", nil, time.Second, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = New("sf", &config.SnowflakeConfig{DSN: "u:p@acct/db"}, time.Second, zap.NewNop())
	require.Error(t, err, "table and watermark column are required")

	conn, err := New("sf", &config.SnowflakeConfig{
		DSN:             "u:p@acct/db",
		Table:           "events",
		WatermarkColumn: "updated_at",
	}, time.Second, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "polling", string(conn.Kind()))
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"UPDATED_AT"`, quoteIdent("updated_at"), "bare identifiers uppercase before quoting")
	assert.Equal(t, `"Mixed Case"`, quoteIdent("Mixed Case"), "non-bare identifiers quote as-is")
	assert.Equal(t, `"evil""col"`, quoteIdent(`evil"col`), "embedded quotes are doubled")
}

func TestQuoteTable(t *testing.T) {
	assert.Equal(t, `"EVENTS"`, quoteTable("events"))
	assert.Equal(t, `"DB"."APP"."EVENTS"`, quoteTable("db.app.events"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "abc", normalize([]byte("abc")))
	assert.Equal(t, int64(5), normalize(int64(5)))

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	assert.Equal(t, "2024-05-01T11:00:00Z", normalize(ts), "timestamps normalize to UTC")
}
