// Package connectors manages registration and construction of source
// connectors. Each connector package registers a factory for its kind in an
// init function; importing the all subpackage pulls every built-in kind into
// a binary.
package connectors

import (
	"sync"

	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/errors"
	"github.com/aaryaattrey/dozer/pkg/ingest"
)

// Factory builds a connector from its validated configuration entry.
type Factory func(cfg *config.ConnectorConfig, logger *zap.Logger) (ingest.Connector, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
)

// Register associates a configuration kind with a factory. Called from
// connector package init functions; duplicate registration panics because it
// is always a programming error.
func Register(kind string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[kind]; exists {
		panic("connectors: duplicate registration for kind " + kind)
	}
	factories[kind] = factory
}

// New builds one connector from a configuration entry.
func New(cfg *config.ConnectorConfig, logger *zap.Logger) (ingest.Connector, error) {
	mu.RLock()
	factory, ok := factories[cfg.Kind]
	mu.RUnlock()

	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "no connector registered for kind %q", cfg.Kind)
	}

	conn, err := factory(cfg, logger)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "building connector "+cfg.ID)
	}
	return conn, nil
}

// Build constructs every connector in the pipeline configuration.
func Build(cfgs []config.ConnectorConfig, logger *zap.Logger) ([]ingest.Connector, error) {
	conns := make([]ingest.Connector, 0, len(cfgs))
	for i := range cfgs {
		conn, err := New(&cfgs[i], logger)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, nil
}

// Kinds lists the registered configuration kinds.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]string, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	return kinds
}
