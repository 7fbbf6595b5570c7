package ingest

import (
	"sync"

	"go.uber.org/zap"

	"github.com/aaryaattrey/dozer/pkg/errors"
)

// State is a connector's lifecycle state. State is owned exclusively by the
// connector's runner; the multiplexer only observes it for scheduling and
// status reporting.
type State string

const (
	StateIdle         State = "idle"
	StateSnapshotting State = "snapshotting"
	StateStreaming    State = "streaming"
	StatePaused       State = "paused"
	StateFailed       State = "failed"
	StateCompleted    State = "completed"
)

// validTransitions is the legal transition set. Failed is reachable from any
// non-terminal state and is handled separately in Fail.
var validTransitions = map[State][]State{
	StateIdle:         {StateSnapshotting, StateStreaming},
	StateSnapshotting: {StateStreaming},
	StateStreaming:    {StatePaused, StateCompleted},
	StatePaused:       {StateStreaming},
	StateFailed:       {},
	StateCompleted:    {},
}

// StateMachine tracks one connector's lifecycle and enforces the legal
// transition set.
type StateMachine struct {
	mu     sync.RWMutex
	id     string
	state  State
	cause  error
	logger *zap.Logger
}

// NewStateMachine creates a state machine in the Idle state.
func NewStateMachine(id string, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		id:     id,
		state:  StateIdle,
		logger: logger.With(zap.String("connector", id)),
	}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Cause returns the failure cause, or nil if the connector has not failed.
func (m *StateMachine) Cause() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cause
}

// Terminal reports whether the connector can make no further transitions.
func (m *StateMachine) Terminal() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state == StateFailed || m.state == StateCompleted
}

// To transitions to next, returning an error for illegal transitions.
func (m *StateMachine) To(next State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range validTransitions[m.state] {
		if allowed == next {
			m.logger.Debug("state transition",
				zap.String("from", string(m.state)),
				zap.String("to", string(next)))
			m.state = next
			return nil
		}
	}

	return errors.Newf(errors.ErrorTypeInternal,
		"illegal state transition for %s: %s -> %s", m.id, m.state, next)
}

// Fail moves the connector to Failed with the given cause. Allowed from any
// non-terminal state; a second call keeps the first cause.
func (m *StateMachine) Fail(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateFailed || m.state == StateCompleted {
		return
	}

	m.logger.Error("connector failed",
		zap.String("from", string(m.state)),
		zap.Error(cause))
	m.state = StateFailed
	m.cause = cause
}
