package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/maestro/pkg/planner"
)

func waitForTerminal(t *testing.T, store *SessionStore, id string) Session {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("session %s never reached a terminal status", id)
		case <-time.After(10 * time.Millisecond):
		}
		s, err := store.Get(id)
		require.NoError(t, err)
		if s.Status != SessionRunning {
			return s
		}
	}
}

func TestSessionCompletes(t *testing.T) {
	exec := &scriptedExecutor{
		workerText: []string{longOutput()},
		usage:      Usage{InputTokens: 100, OutputTokens: 100},
	}
	h := newHarness(t, exec, nil)
	store := NewSessionStore()

	id := store.StartAsync(context.Background(), h.runner, RunInputs{
		Packages:         []planner.AtomicWorkPackage{workerPkg("wp-01-parser")},
		ProjectBudgetUSD: 1.0,
	})
	require.NotEmpty(t, id, "a session id is generated when none is supplied")

	s := waitForTerminal(t, store, id)
	assert.Equal(t, SessionCompleted, s.Status)
	require.NotNil(t, s.Result)
	assert.Equal(t, id, s.Result.RunSessionID)
	assert.Equal(t, 1, s.Result.Counts.Completed)
	assert.Equal(t, 1, s.Progress.CompletedPackages)
}

func TestSessionCancel(t *testing.T) {
	h := newHarness(t, blockingExecutor{}, nil)
	store := NewSessionStore()

	id := store.StartAsync(context.Background(), h.runner, RunInputs{
		RunSessionID:     "run-async-cancel",
		Packages:         []planner.AtomicWorkPackage{workerPkg("wp-01-parser")},
		ProjectBudgetUSD: 1.0,
	})
	assert.Equal(t, "run-async-cancel", id)

	require.NoError(t, store.Cancel(id))

	s := waitForTerminal(t, store, id)
	assert.Equal(t, SessionCancelled, s.Status)
	require.NotNil(t, s.Result)
	assert.NotEqual(t, 1, s.Result.Counts.Completed)
}

func TestSessionStoreErrors(t *testing.T) {
	store := NewSessionStore()

	_, err := store.Get("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.ErrorIs(t, store.Cancel("nope"), ErrSessionNotFound)
}

func TestSessionFailsOnInvalidInputs(t *testing.T) {
	h := newHarness(t, &scriptedExecutor{workerText: []string{"x"}}, nil)
	store := NewSessionStore()

	// budget of zero fails Run before any package starts
	id := store.StartAsync(context.Background(), h.runner, RunInputs{
		Packages: []planner.AtomicWorkPackage{workerPkg("wp-01-parser")},
	})
	s := waitForTerminal(t, store, id)
	assert.Equal(t, SessionFailed, s.Status)
	assert.Contains(t, s.Error, "projectBudgetUSD")
	assert.Nil(t, s.Result)
}
