package postgres

import (
	"context"
	"testing"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/errors"
	"github.com/aaryaattrey/dozer/pkg/ingest"
)

func relation(id uint32, cols ...string) *pglogrepl.RelationMessage {
	rel := &pglogrepl.RelationMessage{
		RelationID:   id,
		Namespace:    "public",
		RelationName: "orders",
	}
	for _, name := range cols {
		rel.Columns = append(rel.Columns, &pglogrepl.RelationMessageColumn{Name: name, DataType: 25})
	}
	return rel
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New("pg", nil, zap.NewNop())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	_, err = New("pg", &config.PostgresConfig{ConnString: "postgres://h/db"}, zap.NewNop())
	require.Error(t, err, "tables are required")

	conn, err := New("pg-main", &config.PostgresConfig{
		ConnString: "postgres://h/db",
		Tables:     []string{"orders"},
	}, zap.NewNop())
	require.NoError(t, err)

	// derived names use underscores so they are valid identifiers
	assert.Equal(t, "dozer_pg_main", conn.cfg.SlotName)
	assert.Equal(t, "dozer_pg_main", conn.cfg.Publication)
	assert.Equal(t, ingest.KindRelationalCDC, conn.Kind())
}

func TestDecodeTuple(t *testing.T) {
	conn := &Connector{relations: map[uint32]*pglogrepl.RelationMessage{
		7: relation(7, "id", "name", "notes"),
	}}

	tuple := &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		{DataType: 't', Data: []byte("42")},
		{DataType: 'n'},
		{DataType: 'u'},
	}}

	rel, row, err := conn.decodeTuple(7, tuple)
	require.NoError(t, err)
	assert.Equal(t, "public.orders", relationName(rel))
	assert.Equal(t, "42", row["id"])
	val, present := row["name"]
	assert.True(t, present)
	assert.Nil(t, val)
	_, present = row["notes"]
	assert.False(t, present, "unchanged TOAST columns are omitted")
}

func TestDecodeTupleUnknownRelation(t *testing.T) {
	conn := &Connector{relations: map[uint32]*pglogrepl.RelationMessage{}}
	_, _, err := conn.decodeTuple(99, &pglogrepl.TupleData{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
}

type fakeRow struct {
	lsn *string
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(**string)) = r.lsn
	return nil
}

type fakeQuerier struct{ row fakeRow }

func (q fakeQuerier) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return q.row
}

func TestSlotConfirmedLSN(t *testing.T) {
	ctx := context.Background()

	// no slot yet: cold start proceeds to create one
	lsn, err := slotConfirmedLSN(ctx, fakeQuerier{fakeRow{err: pgx.ErrNoRows}}, "dozer_pg_main")
	require.NoError(t, err)
	assert.Nil(t, lsn)

	// slot survived an earlier run that never acknowledged a commit
	confirmed := "0/16B3748"
	lsn, err = slotConfirmedLSN(ctx, fakeQuerier{fakeRow{lsn: &confirmed}}, "dozer_pg_main")
	require.NoError(t, err)
	require.NotNil(t, lsn)
	assert.Equal(t, "0/16B3748", lsn.String())

	// slot present but without a flush position
	lsn, err = slotConfirmedLSN(ctx, fakeQuerier{fakeRow{}}, "dozer_pg_main")
	require.Error(t, err)
	assert.Nil(t, lsn)
	assert.True(t, errors.IsType(err, errors.ErrorTypeSourceUnavailable))
}

func TestSameColumns(t *testing.T) {
	a := relation(1, "id", "name")
	assert.True(t, sameColumns(a, relation(1, "id", "name")))
	assert.False(t, sameColumns(a, relation(1, "id")))
	assert.False(t, sameColumns(a, relation(1, "id", "email")))

	changedType := relation(1, "id", "name")
	changedType.Columns[1].DataType = 23
	assert.False(t, sameColumns(a, changedType))
}
