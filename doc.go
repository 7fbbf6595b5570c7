// Package dozer is a change-data-capture ingestion engine. It pulls change
// streams out of heterogeneous sources and merges them into a single ordered,
// resumable event stream that downstream consumers can process and
// acknowledge.
//
// Every source is driven through the same lifecycle: an initial snapshot of
// pre-existing data, a commit envelope marking the snapshot boundary, then an
// open-ended stream of live changes punctuated by further commits. Consumers
// acknowledge commit envelopes; acknowledged checkpoints are persisted
// durably, so a restarted pipeline resumes from the last acknowledged commit
// without losing data (at-least-once delivery).
//
// # Architecture
//
// The engine is split into small packages:
//
//   - pkg/ingest: the core engine. Runners drive connectors through the
//     snapshot/streaming state machine, assign gapless per-connector
//     sequences, and apply backpressure through bounded buffers; the
//     Multiplexer merges all runners into one pull-based stream.
//   - pkg/checkpoint: durable per-connector resume tokens, stored in bbolt
//     with a monotonicity check that rejects regressions.
//   - pkg/connectors: the source implementations, one package per kind, each
//     registering a factory under its configuration kind.
//   - pkg/config: the YAML pipeline configuration with validation and
//     defaulting.
//
// # Quick Start
//
// Run a pipeline from a configuration file:
//
//	dozer run --config pipeline.yaml
//
// Or embed the engine:
//
//	store, _ := checkpoint.OpenBolt("checkpoints.db", log)
//	mux := ingest.NewMultiplexer(store, log, ingest.Options{})
//	mux.Add(conn, ingest.RunnerConfig{})
//	mux.Start(ctx)
//	for {
//		env, err := mux.Next(ctx)
//		if err != nil {
//			break
//		}
//		process(env)
//		if env.Op == ingest.OpCommit {
//			mux.Acknowledge(ctx, env.ConnectorID, env.Checkpoint)
//		}
//	}
package dozer
