package runner

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/maestro/pkg/ledger"
)

var ErrSessionNotFound = errors.New("run session not found")

// SessionStatus is the poller-visible state of an async run.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionFailed    SessionStatus = "failed"
)

// Session is a snapshot of one async run.
type Session struct {
	ID       string        `json:"id"`
	Status   SessionStatus `json:"status"`
	Progress Progress      `json:"progress"`
	Result   *RunResult    `json:"result,omitempty"`
	Error    string        `json:"error,omitempty"`
}

type sessionState struct {
	session Session
	cancel  context.CancelFunc
}

// SessionStore tracks async runs and their cancellation tokens.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*sessionState
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*sessionState)}
}

// StartAsync launches the run in a spawned task and returns its session id
// immediately. The session transitions to completed/cancelled/failed when the
// run returns.
func (s *SessionStore) StartAsync(ctx context.Context, r *Runner, in RunInputs) string {
	if in.RunSessionID == "" {
		in.RunSessionID = uuid.NewString()
	}
	runCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.sessions[in.RunSessionID] = &sessionState{
		session: Session{
			ID:       in.RunSessionID,
			Status:   SessionRunning,
			Progress: Progress{TotalPackages: len(in.Packages)},
		},
		cancel: cancel,
	}
	s.mu.Unlock()

	in.OnProgress = func(p Progress) {
		s.mu.Lock()
		if state, ok := s.sessions[in.RunSessionID]; ok {
			state.session.Progress = p
		}
		s.mu.Unlock()
	}

	go func() {
		defer cancel()
		result, err := r.Run(runCtx, in)

		s.mu.Lock()
		defer s.mu.Unlock()
		state, ok := s.sessions[in.RunSessionID]
		if !ok {
			return
		}
		switch {
		case err != nil:
			state.session.Status = SessionFailed
			state.session.Error = err.Error()
		case result.Status == ledger.StatusCancelled:
			state.session.Status = SessionCancelled
			state.session.Result = result
		default:
			state.session.Status = SessionCompleted
			state.session.Result = result
		}
	}()

	return in.RunSessionID
}

// Get returns a snapshot of the session.
func (s *SessionStore) Get(id string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return state.session, nil
}

// Cancel requests cooperative cancellation; in-flight packages finish.
func (s *SessionStore) Cancel(id string) error {
	s.mu.RLock()
	state, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	state.cancel()
	return nil
}
