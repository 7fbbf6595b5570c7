package ingest

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aaryaattrey/dozer/pkg/checkpoint"
	"github.com/aaryaattrey/dozer/pkg/errors"
)

// ErrStreamClosed is returned by Next once every connector has terminated
// and all buffered envelopes were delivered. Callers should inspect Status
// to distinguish completion from failure.
var ErrStreamClosed = stderrors.New("ingest: stream closed")

// Options tunes the multiplexer.
type Options struct {
	// OutputDepth is the capacity of the merged output channel. Zero keeps
	// it unbuffered so backpressure reaches the per-connector buffers with
	// at most one envelope in flight per connector.
	OutputDepth int
	// FlushTimeout is the default partial-batch flush for NextBatch.
	FlushTimeout time.Duration
	// Registerer receives the engine metrics; nil uses a private registry.
	Registerer prometheus.Registerer
}

// ConnectorStatus is the read-only introspection record for one connector.
type ConnectorStatus struct {
	ID            string `json:"id"`
	Kind          Kind   `json:"kind"`
	State         State  `json:"state"`
	Failure       string `json:"failure,omitempty"`
	LastSequence  uint64 `json:"last_sequence"`
	AckedSequence uint64 `json:"acked_sequence"`
	BufferLen     int    `json:"buffer_len"`
	BufferCap     int    `json:"buffer_cap"`
}

// Multiplexer runs all configured connectors concurrently and merges their
// envelope sequences into one pull-based stream.
//
// Ordering: envelopes from a single connector preserve that connector's
// order; envelopes from different connectors interleave arbitrarily. A
// failure in one connector never halts the others. Checkpoints are persisted
// only on consumer acknowledgement of a commit envelope, which preserves
// at-least-once resumption after a crash.
type Multiplexer struct {
	store   checkpoint.Store
	logger  *zap.Logger
	metrics *Metrics
	opts    Options

	mu      sync.Mutex
	runners map[string]*runner
	order   []string
	started bool

	out        chan *Envelope
	cancel     context.CancelFunc
	group      *errgroup.Group
	forwarders sync.WaitGroup
}

// NewMultiplexer creates a multiplexer backed by the given checkpoint store.
func NewMultiplexer(store checkpoint.Store, logger *zap.Logger, opts Options) *Multiplexer {
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 100 * time.Millisecond
	}
	return &Multiplexer{
		store:   store,
		logger:  logger.With(zap.String("component", "multiplexer")),
		metrics: NewMetrics(opts.Registerer),
		opts:    opts,
		runners: make(map[string]*runner),
		out:     make(chan *Envelope, opts.OutputDepth),
	}
}

// Add registers a connector before Start. Connector ids must be unique
// within a run.
func (m *Multiplexer) Add(conn Connector, cfg RunnerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New(errors.ErrorTypeConfig, "cannot add connectors after start")
	}
	if _, exists := m.runners[conn.ID()]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "duplicate connector id %q", conn.ID())
	}

	m.runners[conn.ID()] = newRunner(conn, cfg, m.metrics, m.logger)
	m.order = append(m.order, conn.ID())
	return nil
}

// Start loads every connector's last checkpoint and launches all runners. A
// checkpoint store failure here is fatal for the whole ingestion run, since
// progress could not be recorded safely.
func (m *Multiplexer) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.New(errors.ErrorTypeConfig, "multiplexer already started")
	}
	if len(m.runners) == 0 {
		return errors.New(errors.ErrorTypeConfig, "no connectors configured")
	}

	for _, id := range m.order {
		cp, err := m.store.Load(ctx, id)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "loading checkpoint for "+id)
		}
		m.runners[id].setResume(cp)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.group, runCtx = errgroup.WithContext(runCtx)

	for _, id := range m.order {
		r := m.runners[id]
		m.metrics.observeState(id, StateIdle)
		m.group.Go(func() error { return r.run(runCtx) })

		m.forwarders.Add(1)
		go m.forward(runCtx, r)
	}

	go func() {
		m.forwarders.Wait()
		close(m.out)
	}()

	m.started = true
	m.logger.Info("ingestion started", zap.Int("connectors", len(m.order)))
	return nil
}

// forward drains one connector's buffer into the merged output, preserving
// that connector's order.
func (m *Multiplexer) forward(ctx context.Context, r *runner) {
	defer m.forwarders.Done()

	for {
		env, err := r.buf.Pop(ctx)
		if err != nil {
			// closed after drain, or shutdown
			return
		}
		m.metrics.observeBuffer(r.conn.ID(), r.buf.Len())

		select {
		case m.out <- env:
		case <-ctx.Done():
			return
		}
	}
}

// Next returns the next envelope, blocking until one is available, the
// stream ends, or ctx is canceled.
func (m *Multiplexer) Next(ctx context.Context) (*Envelope, error) {
	select {
	case env, ok := <-m.out:
		if !ok {
			return nil, ErrStreamClosed
		}
		return env, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// NextBatch returns up to max envelopes. It blocks for the first envelope,
// then collects more until max is reached or the flush timeout elapses.
// Batching never reorders envelopes.
func (m *Multiplexer) NextBatch(ctx context.Context, max int) ([]*Envelope, error) {
	first, err := m.Next(ctx)
	if err != nil {
		return nil, err
	}

	batch := make([]*Envelope, 0, max)
	batch = append(batch, first)

	timer := time.NewTimer(m.opts.FlushTimeout)
	defer timer.Stop()

	for len(batch) < max {
		select {
		case env, ok := <-m.out:
			if !ok {
				return batch, nil
			}
			batch = append(batch, env)
		case <-timer.C:
			return batch, nil
		case <-ctx.Done():
			return batch, nil
		}
	}
	return batch, nil
}

// Acknowledge durably persists the checkpoint of an already-consumed commit
// envelope for the given connector. This is the only trigger for checkpoint
// persistence. A store failure other than a regression rejection is fatal
// for the ingestion run and is returned to the caller.
func (m *Multiplexer) Acknowledge(ctx context.Context, connectorID string, cp *checkpoint.Checkpoint) error {
	m.mu.Lock()
	r, ok := m.runners[connectorID]
	m.mu.Unlock()
	if !ok {
		return errors.Newf(errors.ErrorTypeConfig, "unknown connector %q", connectorID)
	}
	if cp == nil {
		return errors.New(errors.ErrorTypeConfig, "acknowledgement without checkpoint")
	}

	if err := m.store.Save(ctx, connectorID, cp); err != nil {
		if errors.IsType(err, errors.ErrorTypeCheckpointRegression) {
			return err
		}
		m.logger.Error("checkpoint store unavailable",
			zap.String("connector", connectorID), zap.Error(err))
		return errors.Wrap(err, errors.ErrorTypeInternal, "persisting checkpoint")
	}

	r.acknowledge(cp)
	m.metrics.observeAck(connectorID)
	return nil
}

// Status reports per-connector lifecycle state, checkpoint progress and
// buffer occupancy. Read-only, no side effects.
func (m *Multiplexer) Status() []ConnectorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := make([]ConnectorStatus, 0, len(m.order))
	for _, id := range m.order {
		statuses = append(statuses, m.runners[id].status())
	}
	return statuses
}

// Stop cancels all connectors and waits for them to flush and release their
// resources. In-flight, unacknowledged envelopes are discarded; they will be
// re-delivered from the last saved checkpoint on restart.
func (m *Multiplexer) Stop() error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	err := m.group.Wait()
	m.forwarders.Wait()

	m.logger.Info("ingestion stopped")
	return err
}
