package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aaryaattrey/dozer/pkg/config"
)

func TestBatchingFor(t *testing.T) {
	cfg := &config.PipelineConfig{Connectors: []config.ConnectorConfig{
		{Buffer: config.BufferConfig{BatchSize: 256, TimeoutInMillis: 100}},
		{Buffer: config.BufferConfig{BatchSize: 64, TimeoutInMillis: 25}},
	}}

	size, flush := batchingFor(cfg)
	assert.Equal(t, 256, size, "largest configured batch wins")
	assert.Equal(t, 25*time.Millisecond, flush, "shortest configured flush wins")
}

func TestBatchingForUnset(t *testing.T) {
	size, flush := batchingFor(&config.PipelineConfig{})
	assert.Equal(t, 1, size)
	assert.Equal(t, time.Duration(0), flush, "multiplexer applies its own default")
}
