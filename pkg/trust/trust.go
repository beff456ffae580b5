// Package trust keeps role-scoped Bayesian trust per model and the variance
// calibration stats that drive portfolio cache invalidation. Updates are
// commutative per (modelId, role) cell, so concurrent workers can report
// without coordination beyond the lock.
package trust

import (
	"sort"
	"sync"
	"time"
)

// Role separates worker and QA trust: the same model can be a strong worker
// and a weak judge.
type Role string

const (
	RoleWorker Role = "worker"
	RoleQA     Role = "qa"
)

// Score is a Bayesian success/failure counter with a Beta(1,1) origin.
type Score struct {
	ModelID   string    `json:"modelId"`
	Role      Role      `json:"role"`
	Successes float64   `json:"successes"`
	Failures  float64   `json:"failures"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Value is the posterior mean (successes+1)/(successes+failures+2).
func (s Score) Value() float64 {
	return (s.Successes + 1) / (s.Successes + s.Failures + 2)
}

// Samples is the observation count behind the score.
func (s Score) Samples() float64 { return s.Successes + s.Failures }

// Delta is one trust update as recorded into the run ledger.
type Delta struct {
	ModelID string  `json:"modelId"`
	Role    Role    `json:"role"`
	Before  float64 `json:"before"`
	After   float64 `json:"after"`
	Quality float64 `json:"quality"`
	TsISO   string  `json:"tsISO"`
}

// Tracker is the process-wide trust state. Tests inject private copies.
type Tracker struct {
	mu     sync.RWMutex
	scores map[string]map[Role]*Score // modelId -> role -> score
	clock  func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{scores: make(map[string]map[Role]*Score), clock: time.Now}
}

// WithClock injects a deterministic clock for tests.
func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

// Record folds one outcome into the (modelId, role) cell. Quality in [0,1]
// is treated as a fractional success, so updates commute.
func (t *Tracker) Record(modelID string, role Role, quality float64) Delta {
	if quality < 0 {
		quality = 0
	}
	if quality > 1 {
		quality = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	byRole, ok := t.scores[modelID]
	if !ok {
		byRole = make(map[Role]*Score)
		t.scores[modelID] = byRole
	}
	score, ok := byRole[role]
	if !ok {
		score = &Score{ModelID: modelID, Role: role}
		byRole[role] = score
	}

	before := score.Value()
	score.Successes += quality
	score.Failures += 1 - quality
	score.UpdatedAt = t.clock()

	return Delta{
		ModelID: modelID,
		Role:    role,
		Before:  before,
		After:   score.Value(),
		Quality: quality,
		TsISO:   t.clock().UTC().Format(time.RFC3339),
	}
}

// Get returns the current score for a cell; an unseen cell reads as the
// neutral prior 0.5 with zero samples.
func (t *Tracker) Get(modelID string, role Role) Score {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if byRole, ok := t.scores[modelID]; ok {
		if s, ok := byRole[role]; ok {
			return *s
		}
	}
	return Score{ModelID: modelID, Role: role}
}

// Snapshot returns all scores sorted by (modelId, role) for stable hashing.
func (t *Tracker) Snapshot() []Score {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Score, 0, len(t.scores)*2)
	for _, byRole := range t.scores {
		for _, s := range byRole {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModelID != out[j].ModelID {
			return out[i].ModelID < out[j].ModelID
		}
		return out[i].Role < out[j].Role
	})
	return out
}
