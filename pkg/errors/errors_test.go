package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCarriesTypeAndMessage(t *testing.T) {
	err := New(ErrorTypeConnection, "connect refused")
	assert.Equal(t, "connection: connect refused", err.Error())
	assert.Equal(t, ErrorTypeConnection, TypeOf(err))
	assert.NotEmpty(t, err.Stack)
}

func TestWrapPreservesCause(t *testing.T) {
	err := Wrap(io.EOF, ErrorTypeData, "reading record")
	assert.ErrorIs(t, err, io.EOF)
	assert.Contains(t, err.Error(), "reading record")
	assert.Equal(t, ErrorTypeData, TypeOf(err))
}

func TestWrapNilReturnsNil(t *testing.T) {
	var err *Error = Wrap(nil, ErrorTypeData, "nothing")
	assert.Nil(t, err)
}

func TestWrapfFormats(t *testing.T) {
	err := Wrapf(io.EOF, ErrorTypeData, "decoding line %d of %s", 7, "a.ndjson")
	assert.Contains(t, err.Error(), "decoding line 7 of a.ndjson")
}

func TestRewrapKeepsOriginalStack(t *testing.T) {
	inner := New(ErrorTypeConnection, "reset")
	outer := Wrap(inner, ErrorTypeSourceUnavailable, "source gone")

	require.NotEmpty(t, outer.Stack)
	assert.Equal(t, inner.Stack, outer.Stack)
	assert.Equal(t, ErrorTypeSourceUnavailable, TypeOf(outer))

	// the inner typed error stays reachable for IsType checks on the chain
	var typed *Error
	require.ErrorAs(t, outer.Unwrap(), &typed)
	assert.Equal(t, ErrorTypeConnection, typed.Type)
}

func TestIsRetryable(t *testing.T) {
	retryable := []ErrorType{ErrorTypeTimeout, ErrorTypeConnection, ErrorTypeRateLimit}
	for _, typ := range retryable {
		assert.True(t, IsRetryable(New(typ, "x")), string(typ))
	}

	terminal := []ErrorType{
		ErrorTypeInternal, ErrorTypeConfig, ErrorTypeData,
		ErrorTypeSourceUnavailable, ErrorTypeSchemaIncompatible,
		ErrorTypeCheckpointInvalid, ErrorTypeCheckpointRegression,
	}
	for _, typ := range terminal {
		assert.False(t, IsRetryable(New(typ, "x")), string(typ))
	}

	assert.False(t, IsRetryable(io.EOF), "untyped errors are not retryable")
}

func TestIsFatal(t *testing.T) {
	fatal := []ErrorType{ErrorTypeSchemaIncompatible, ErrorTypeCheckpointInvalid, ErrorTypeConfig}
	for _, typ := range fatal {
		assert.True(t, IsFatal(New(typ, "x")), string(typ))
	}
	assert.False(t, IsFatal(New(ErrorTypeConnection, "x")))
	assert.False(t, IsFatal(io.EOF))
}

func TestTypeOfUntyped(t *testing.T) {
	assert.Equal(t, ErrorTypeInternal, TypeOf(io.EOF))
	assert.Equal(t, ErrorTypeInternal, TypeOf(fmt.Errorf("plain: %w", io.EOF)))
}

func TestIsTypeWalksChain(t *testing.T) {
	inner := New(ErrorTypeCheckpointRegression, "regresses")
	wrapped := fmt.Errorf("store: %w", inner)
	assert.True(t, IsType(wrapped, ErrorTypeCheckpointRegression))
	assert.False(t, IsType(wrapped, ErrorTypeConfig))
}

func TestWithDetail(t *testing.T) {
	err := New(ErrorTypeSourceUnavailable, "slot missing").
		WithDetail("slot", "dozer_pg_main").
		WithDetail("attempt", 3)
	assert.Equal(t, "dozer_pg_main", err.Details["slot"])
	assert.Equal(t, 3, err.Details["attempt"])
}
