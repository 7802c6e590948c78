// Package takeout manages bulk-export sessions. A session is opened once,
// every query is issued under its handle, and it is finished exactly once.
package takeout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatvault/internal/bus"
	"github.com/matheus3301/chatvault/internal/remote"
	"github.com/matheus3301/chatvault/internal/retry"
	"github.com/matheus3301/chatvault/internal/status"
)

var (
	// ErrFinished is returned by Query and Finish once a session is finished.
	ErrFinished = errors.New("takeout: session already finished")
	// ErrNotOpen is returned by Query on a session that never opened.
	ErrNotOpen = errors.New("takeout: session not open")
)

// Session states.
const (
	Closed    status.State = "CLOSED"
	Opening   status.State = "OPENING"
	Open      status.State = "OPEN"
	Finishing status.State = "FINISHING"
)

// Transitions is the session lifecycle. Opening falls back to Closed only
// when the open request fails.
var Transitions = status.Transitions{
	Closed:    {Opening},
	Opening:   {Open, Closed},
	Open:      {Finishing},
	Finishing: {Closed},
}

// DefaultQuota is the file size quota requested when none is configured.
const DefaultQuota int64 = 1 << 30

const finishTimeout = 15 * time.Second

// Manager opens takeout sessions against a remote provider.
type Manager struct {
	provider    remote.TakeoutProvider
	quota       int64
	bus         *bus.Bus
	logger      *zap.Logger
	finishRetry retry.Policy
}

// Option configures a Manager.
type Option func(*Manager)

// WithQuota sets the file size quota requested on open.
func WithQuota(q int64) Option {
	return func(m *Manager) {
		if q > 0 {
			m.quota = q
		}
	}
}

// WithBus publishes session state changes on b.
func WithBus(b *bus.Bus) Option { return func(m *Manager) { m.bus = b } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithFinishRetry sets the policy for retrying a transient finish failure.
func WithFinishRetry(p retry.Policy) Option { return func(m *Manager) { m.finishRetry = p } }

// NewManager creates a Manager.
func NewManager(p remote.TakeoutProvider, opts ...Option) *Manager {
	m := &Manager{
		provider: p,
		quota:    DefaultQuota,
		logger:   zap.NewNop(),
		finishRetry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   200 * time.Millisecond,
			MaxDelay:    2 * time.Second,
			Retryable:   remote.Retryable,
		},
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Session is an open takeout session. It must not outlive the fetch that
// opened it.
type Session struct {
	ID            int64
	FileSizeQuota int64
	CreatedAt     time.Time

	m       *Manager
	machine *status.Machine
	handle  remote.Handle

	mu       sync.Mutex
	finished bool
	queries  int
}

// Open requests a new session. It is a single attempt: a refusal, including a
// rate limit, is returned as is and the session never reaches Open.
func (m *Manager) Open(ctx context.Context) (*Session, error) {
	s := &Session{
		m:       m,
		machine: status.New("takeout", Closed, Transitions, m.bus, bus.KindTakeoutState),
	}
	_ = s.machine.Transition(Opening)

	h, err := m.provider.OpenTakeout(ctx, m.quota)
	if err != nil {
		_ = s.machine.Transition(Closed)
		m.logger.Warn("takeout open failed", zap.Error(err))
		return nil, fmt.Errorf("takeout open: %w", err)
	}
	s.handle = h
	s.ID = h.ID
	s.FileSizeQuota = h.FileSizeQuota
	s.CreatedAt = h.CreatedAt
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_ = s.machine.Transition(Open)
	m.logger.Info("takeout session opened", zap.Int64("takeout_id", s.ID), zap.Int64("quota", s.FileSizeQuota))
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() status.State { return s.machine.Current() }

// Queries returns how many queries were issued under the session.
func (s *Session) Queries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

// Query fetches one history page under the session handle.
func (s *Session) Query(ctx context.Context, req remote.PageRequest) ([]remote.Message, error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return nil, ErrFinished
	}
	if s.machine.Current() != Open {
		s.mu.Unlock()
		return nil, ErrNotOpen
	}
	s.queries++
	s.mu.Unlock()

	return s.m.provider.TakeoutQuery(ctx, s.handle, req)
}

// Finish commits (success) or aborts the session. Only the first call reaches
// the provider; later calls return ErrFinished. Finish runs even when ctx is
// already cancelled.
func (s *Session) Finish(ctx context.Context, success bool) error {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return ErrFinished
	}
	s.finished = true
	s.mu.Unlock()

	_ = s.machine.Transition(Finishing)
	defer func() { _ = s.machine.Transition(Closed) }()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	err := retry.Run(ctx, s.m.finishRetry, func(ctx context.Context) error {
		return s.m.provider.FinishTakeout(ctx, s.handle, success)
	})
	if err != nil {
		return fmt.Errorf("takeout finish: %w", err)
	}
	s.m.logger.Info("takeout session finished",
		zap.Int64("takeout_id", s.ID),
		zap.Bool("success", success),
		zap.Int("queries", s.Queries()))
	return nil
}

// Run opens a session, calls fn, and always finishes the session. The session
// is committed only when fn returns nil. A finish failure is logged and does
// not change the returned error.
func Run(ctx context.Context, m *Manager, fn func(context.Context, *Session) error) error {
	s, err := m.Open(ctx)
	if err != nil {
		return err
	}
	fnErr := fn(ctx, s)
	if err := s.Finish(ctx, fnErr == nil); err != nil {
		m.logger.Warn("takeout finish failed", zap.Int64("takeout_id", s.ID), zap.Error(err))
	}
	return fnErr
}
