package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sort"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
	"github.com/aaryaattrey/dozer/pkg/config"
	"github.com/aaryaattrey/dozer/pkg/connectors"
	_ "github.com/aaryaattrey/dozer/pkg/connectors/all"
	"github.com/aaryaattrey/dozer/pkg/ingest"
	"github.com/aaryaattrey/dozer/pkg/logger"
)

var version = "0.1.0"

func main() {
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:   "dozer",
		Short: "Dozer - change data capture ingestion engine",
		Long: `Dozer ingests change streams from heterogeneous sources into one ordered,
resumable event stream. Sources snapshot on first run, then stream live
changes; acknowledged commits persist checkpoints so a restart resumes
without data loss.`,
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Dozer v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "kinds",
		Short: "List available connector kinds",
		Run: func(cmd *cobra.Command, args []string) {
			kinds := connectors.Kinds()
			sort.Strings(kinds)
			for _, kind := range kinds {
				fmt.Printf("  - %s\n", kind)
			}
		},
	})

	var checkFile string
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate a pipeline configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(checkFile)
			if err != nil {
				return err
			}
			fmt.Printf("pipeline %q: %d connector(s) ok\n", cfg.Name, len(cfg.Connectors))
			return nil
		},
	}
	checkCmd.Flags().StringVarP(&checkFile, "config", "c", "", "Path to pipeline configuration YAML file (required)")
	_ = checkCmd.MarkFlagRequired("config")
	root.AddCommand(checkCmd)

	var runFile, logLevel string
	var statusInterval time.Duration
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run an ingestion pipeline",
		Long: `Run an ingestion pipeline with the connectors named in the configuration
file. Envelopes are written to stdout as JSON lines; commit envelopes are
acknowledged after they are written, which persists their checkpoints.

Example:
  dozer run --config pipeline.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(runFile, logLevel, statusInterval)
		},
	}
	runCmd.Flags().StringVarP(&runFile, "config", "c", "", "Path to pipeline configuration YAML file (required)")
	_ = runCmd.MarkFlagRequired("config")
	runCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	runCmd.Flags().DurationVar(&statusInterval, "status-interval", 30*time.Second, "Interval between connector status log lines (0 disables)")
	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runPipeline(configFile, logLevel string, statusInterval time.Duration) error {
	// stdout carries the JSON event stream; logs must not interleave with it
	if err := logger.Init(logger.Config{Level: logLevel, OutputPaths: []string{"stderr"}}); err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Get()

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	batchSize, flushTimeout := batchingFor(cfg)
	mux := ingest.NewMultiplexer(store, log, ingest.Options{
		OutputDepth:  1024,
		FlushTimeout: flushTimeout,
	})

	conns, err := connectors.Build(cfg.Connectors, log)
	if err != nil {
		return err
	}
	for i, conn := range conns {
		cc := &cfg.Connectors[i]
		err := mux.Add(conn, ingest.RunnerConfig{
			Buffer: ingest.BufferConfig{
				Capacity: cc.Buffer.Size,
				MaxBytes: cc.Buffer.MaxBytes,
				LowWater: cc.Buffer.LowWater,
			},
			Retry: ingest.RetryPolicy{
				MaxAttempts:  cc.Retry.MaxAttempts,
				InitialDelay: time.Duration(cc.Retry.InitialDelayInMillis) * time.Millisecond,
				MaxDelay:     time.Duration(cc.Retry.MaxDelayInMillis) * time.Millisecond,
				Multiplier:   cc.Retry.Multiplier,
			},
		})
		if err != nil {
			return err
		}
	}

	if err := mux.Start(ctx); err != nil {
		return err
	}
	log.Info("pipeline started",
		zap.String("pipeline", cfg.Name),
		zap.Int("connectors", len(conns)))

	if statusInterval > 0 {
		go logStatus(ctx, mux, log, statusInterval)
	}

	consumeErr := consume(ctx, mux, batchSize)

	if err := mux.Stop(); err != nil && consumeErr == nil {
		consumeErr = err
	}
	reportFailures(mux, log)
	return consumeErr
}

// batchingFor derives the consume-loop batching from the per-connector
// buffer settings: the largest batch size, flushed at the shortest timeout.
func batchingFor(cfg *config.PipelineConfig) (int, time.Duration) {
	size := 1
	var flush time.Duration
	for i := range cfg.Connectors {
		b := &cfg.Connectors[i].Buffer
		if b.BatchSize > size {
			size = b.BatchSize
		}
		t := time.Duration(b.TimeoutInMillis) * time.Millisecond
		if t > 0 && (flush == 0 || t < flush) {
			flush = t
		}
	}
	return size, flush
}

// consume drains the merged stream to stdout in batches, acknowledging each
// commit envelope after it has been written.
func consume(ctx context.Context, mux *ingest.Multiplexer, batchSize int) error {
	enc := json.NewEncoder(os.Stdout)
	for {
		batch, err := mux.NextBatch(ctx, batchSize)
		if err != nil {
			if err == ingest.ErrStreamClosed || ctx.Err() != nil {
				return nil
			}
			return err
		}

		for _, env := range batch {
			if err := enc.Encode(env); err != nil {
				return err
			}

			if env.Op == ingest.OpCommit {
				if err := mux.Acknowledge(ctx, env.ConnectorID, env.Checkpoint); err != nil {
					return err
				}
			}
		}
	}
}

func openStore(cfg *config.PipelineConfig, log *zap.Logger) (checkpoint.Store, error) {
	if cfg.Checkpoint.Path == "" {
		log.Warn("no checkpoint path configured; progress will not survive restarts")
		return checkpoint.NewMemoryStore(), nil
	}
	return checkpoint.OpenBolt(cfg.Checkpoint.Path, log)
}

func logStatus(ctx context.Context, mux *ingest.Multiplexer, log *zap.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, st := range mux.Status() {
				log.Info("connector status",
					zap.String("connector", st.ID),
					zap.String("state", string(st.State)),
					zap.Uint64("last_sequence", st.LastSequence),
					zap.Uint64("acked_sequence", st.AckedSequence),
					zap.Int("buffer_len", st.BufferLen))
			}
		case <-ctx.Done():
			return
		}
	}
}

func reportFailures(mux *ingest.Multiplexer, log *zap.Logger) {
	for _, st := range mux.Status() {
		if st.State == ingest.StateFailed {
			log.Error("connector failed",
				zap.String("connector", st.ID),
				zap.String("cause", st.Failure))
		}
	}
}
