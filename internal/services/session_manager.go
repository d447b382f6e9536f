package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// SessionManager keeps one SessionController per attempt for the HTTP layer.
type SessionManager struct {
	deps   SessionDeps
	opts   SessionOptions
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*SessionController
	closed   bool
}

func NewSessionManager(deps SessionDeps, opts SessionOptions) *SessionManager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SessionManager{
		deps:     deps,
		opts:     opts,
		logger:   logger,
		sessions: make(map[string]*SessionController),
	}
}

// Session returns the controller of an attempt, creating it on first use.
func (m *SessionManager) Session(attemptID string) (*SessionController, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrSessionClosed
	}
	if s, ok := m.sessions[attemptID]; ok {
		return s, nil
	}

	s, err := NewSessionController(attemptID, m.deps, m.opts)
	if err != nil {
		return nil, err
	}
	m.sessions[attemptID] = s
	m.logger.Info("Session opened", "attempt_id", attemptID)
	return s, nil
}

// Get returns an existing controller.
func (m *SessionManager) Get(attemptID string) (*SessionController, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[attemptID]
	return s, ok
}

// End closes the session of an attempt and forgets it.
func (m *SessionManager) End(ctx context.Context, attemptID string) error {
	m.mu.Lock()
	s, ok := m.sessions[attemptID]
	delete(m.sessions, attemptID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return s.Close(ctx)
}

func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session, flushing their pending answers.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	sessions := m.sessions
	m.sessions = make(map[string]*SessionController)
	m.mu.Unlock()

	var errs []error
	for id, s := range sessions {
		if err := s.Close(ctx); err != nil {
			m.logger.Warn("Session closed with unsynced answers", "attempt_id", id, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
