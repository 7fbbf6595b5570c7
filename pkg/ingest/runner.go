package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
	"github.com/aaryaattrey/dozer/pkg/errors"
)

// RunnerConfig carries the per-connector buffering and retry settings.
type RunnerConfig struct {
	Buffer BufferConfig
	Retry  RetryPolicy
}

// runner drives one connector through its lifecycle: open, snapshot or
// resume, stream, retry transient errors in place, and terminate in
// Completed or Failed. It owns the connector's buffer (single producer) and
// its state machine.
type runner struct {
	conn    Connector
	sm      *StateMachine
	buf     *Buffer
	retry   RetryPolicy
	logger  *zap.Logger
	metrics *Metrics

	resume *checkpoint.Checkpoint

	lastSeq  atomic.Uint64
	ackedSeq atomic.Uint64
	emitted  atomic.Uint64

	// batchID groups envelopes between commit boundaries; only the runner
	// goroutine touches it
	batchID string
}

func newRunner(conn Connector, cfg RunnerConfig, metrics *Metrics, logger *zap.Logger) *runner {
	return &runner{
		conn:    conn,
		sm:      NewStateMachine(conn.ID(), logger),
		buf:     NewBuffer(cfg.Buffer),
		retry:   cfg.Retry.normalized(),
		logger:  logger.With(zap.String("connector", conn.ID())),
		metrics: metrics,
	}
}

// setResume seeds the runner with the last saved checkpoint. The sequence
// counter continues strictly after it so re-delivered data keeps gapless,
// increasing sequences.
func (r *runner) setResume(cp *checkpoint.Checkpoint) {
	r.resume = cp
	if cp != nil {
		r.lastSeq.Store(cp.Sequence)
	}
}

// run executes the connector until its scope is exhausted, a fatal error
// occurs, or ctx is canceled. Connector failures are absorbed here so one
// connector cannot halt its peers; only the shutdown signal propagates.
func (r *runner) run(ctx context.Context) error {
	defer r.buf.Close()
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.conn.Close(closeCtx); err != nil {
			r.logger.Warn("connector close failed", zap.Error(err))
		}
	}()

	if err := r.openWithRetry(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		r.fail(err)
		return nil
	}

	if r.resume == nil {
		r.transition(StateSnapshotting)
	} else {
		r.transition(StateStreaming)
		r.logger.Info("resuming from checkpoint",
			zap.Uint64("sequence", r.resume.Sequence))
	}

	attempts := 0
	for {
		before := r.emitted.Load()
		err := r.conn.Produce(ctx, r.emit)
		if err == nil {
			// bounded scope exhausted
			if r.sm.State() == StateSnapshotting {
				r.transition(StateStreaming)
			}
			r.transition(StateCompleted)
			r.logger.Info("connector completed",
				zap.Uint64("envelopes", r.emitted.Load()))
			return nil
		}

		if ctx.Err() != nil {
			return nil
		}

		if errors.IsFatal(err) || !r.retryable(err) {
			r.fail(err)
			return nil
		}

		// forward progress restores the retry budget
		if r.emitted.Load() > before {
			attempts = 0
		}
		if attempts >= r.retry.MaxAttempts {
			r.fail(errors.Wrap(err, errors.ErrorTypeSourceUnavailable, "retry budget exhausted"))
			return nil
		}

		r.metrics.observeRetry(r.conn.ID())
		r.logger.Warn("transient source error, retrying",
			zap.Int("attempt", attempts+1),
			zap.Int("budget", r.retry.MaxAttempts),
			zap.Error(err))

		if werr := r.retry.Wait(ctx, attempts); werr != nil {
			return nil
		}
		attempts++
	}
}

func (r *runner) openWithRetry(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < r.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			r.metrics.observeRetry(r.conn.ID())
			if err := r.retry.Wait(ctx, attempt-1); err != nil {
				return err
			}
		}

		err := r.conn.Open(ctx, r.resume)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || errors.IsFatal(err) || !r.retryable(err) {
			return err
		}

		r.logger.Warn("connector open failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return lastErr
}

// retryable covers the transient taxonomy plus source_unavailable, which is
// retried up to the budget before being surfaced as a connector failure.
func (r *runner) retryable(err error) bool {
	return errors.IsRetryable(err) || errors.IsType(err, errors.ErrorTypeSourceUnavailable)
}

// emit is the EmitFunc handed to the connector. It assigns sequence and
// batch identity, enforces backpressure, and performs the
// snapshotting-to-streaming transition on the snapshot-complete commit.
func (r *runner) emit(ctx context.Context, env *Envelope) error {
	if env == nil {
		return errors.New(errors.ErrorTypeInternal, "nil envelope emitted")
	}

	env.ConnectorID = r.conn.ID()
	env.Sequence = r.lastSeq.Add(1)
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}

	switch env.Op {
	case OpCommit:
		if env.Checkpoint == nil {
			return errors.New(errors.ErrorTypeInternal, "commit envelope without checkpoint")
		}
		if env.Checkpoint.Kind == "" {
			env.Checkpoint.Kind = string(r.conn.Kind())
		}
		env.Checkpoint.Sequence = env.Sequence
		env.BatchID = r.batchID
		r.batchID = ""
	case OpInsert, OpUpdate, OpDelete, OpSchemaChange:
		if r.batchID == "" {
			r.batchID = uuid.NewString()
		}
		env.BatchID = r.batchID
	default:
		return errors.Newf(errors.ErrorTypeInternal, "unknown envelope op %q", env.Op)
	}

	if !r.buf.TryPush(env) {
		// full buffer suspends production; mid-stream that is the Paused state
		paused := r.sm.State() == StateStreaming
		if paused {
			r.transition(StatePaused)
		}
		if err := r.buf.Push(ctx, env); err != nil {
			return err
		}
		if paused {
			r.transition(StateStreaming)
		}
	}

	if env.Op == OpCommit && r.sm.State() == StateSnapshotting {
		r.transition(StateStreaming)
		r.logger.Info("snapshot complete, streaming",
			zap.Uint64("sequence", env.Sequence))
	}

	r.emitted.Add(1)
	r.metrics.observeEnvelope(r.conn.ID(), env.Op)
	r.metrics.observeBuffer(r.conn.ID(), r.buf.Len())
	return nil
}

// acknowledge records a durable consumer acknowledgement and forwards it to
// connectors that track upstream positions.
func (r *runner) acknowledge(cp *checkpoint.Checkpoint) {
	r.ackedSeq.Store(cp.Sequence)
	if acker, ok := r.conn.(Acknowledger); ok {
		acker.Acknowledge(cp)
	}
}

func (r *runner) transition(next State) {
	if err := r.sm.To(next); err != nil {
		r.logger.Warn("state transition rejected", zap.Error(err))
		return
	}
	r.metrics.observeState(r.conn.ID(), next)
}

func (r *runner) fail(err error) {
	r.sm.Fail(err)
	r.metrics.observeState(r.conn.ID(), StateFailed)
}

func (r *runner) status() ConnectorStatus {
	st := ConnectorStatus{
		ID:            r.conn.ID(),
		Kind:          r.conn.Kind(),
		State:         r.sm.State(),
		LastSequence:  r.lastSeq.Load(),
		AckedSequence: r.ackedSeq.Load(),
		BufferLen:     r.buf.Len(),
		BufferCap:     r.buf.Cap(),
	}
	if cause := r.sm.Cause(); cause != nil {
		st.Failure = cause.Error()
	}
	return st
}
