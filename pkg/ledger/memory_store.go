package ledger

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/maestro/pkg/trust"
)

const (
	// Per-ledger decision cap; oldest entries drop first.
	decisionCap = 200
	// Store-wide ledger cap; oldest completed ledgers evict first.
	ledgerCap = 200
)

// MemoryStore is the default Store: a mutex-guarded map of ledgers.
type MemoryStore struct {
	mu      sync.Mutex
	ledgers map[string]*Ledger
	logger  *slog.Logger
	clock   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledgers: make(map[string]*Ledger),
		logger:  slog.Default().With("component", "run-ledger"),
		clock:   time.Now,
	}
}

// WithClock injects a deterministic clock for tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Create starts a ledger for the run. Idempotent: a second create for the
// same id is a no-op.
func (s *MemoryStore) Create(runSessionID string, opts CreateOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ledgers[runSessionID]; ok {
		return nil
	}
	s.ledgers[runSessionID] = &Ledger{
		RunSessionID:  runSessionID,
		StartedAtISO:  s.clock().UTC().Format(time.RFC3339),
		Status:        StatusRunning,
		PortfolioMode: opts.PortfolioMode,
		Variance:      Variance{SkipReasons: make(map[string]int)},
		Meta:          opts.Meta,
	}
	s.evictLocked()
	return nil
}

// Put inserts a complete ledger, replacing any existing entry with the
// same id. Used when restoring archived history at startup.
func (s *MemoryStore) Put(l *Ledger) {
	if l == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[l.RunSessionID] = l
	s.evictLocked()
}

// RecordDecision appends a decision, dropping the oldest past the cap.
func (s *MemoryStore) RecordDecision(runSessionID string, d Decision) error {
	return s.mutate(runSessionID, func(l *Ledger) {
		if d.TsISO == "" {
			d.TsISO = s.clock().UTC().Format(time.RFC3339)
		}
		l.Decisions = append(l.Decisions, d)
		if len(l.Decisions) > decisionCap {
			l.Decisions = l.Decisions[len(l.Decisions)-decisionCap:]
		}
	})
}

func (s *MemoryStore) RecordCost(runSessionID string, kind CostKind, amountUSD float64) error {
	return s.mutate(runSessionID, func(l *Ledger) {
		switch kind {
		case CostCouncil:
			l.Costs.CouncilUSD += amountUSD
		case CostWorker:
			l.Costs.WorkerUSD += amountUSD
		case CostQA:
			l.Costs.QAUSD += amountUSD
		case CostDeterministicQA:
			l.Costs.DeterministicQaUSD += amountUSD
		}
	})
}

func (s *MemoryStore) RecordTrustDelta(runSessionID string, delta trust.Delta) error {
	return s.mutate(runSessionID, func(l *Ledger) {
		l.TrustDeltas = append(l.TrustDeltas, delta)
	})
}

func (s *MemoryStore) RecordVarianceRecorded(runSessionID string) error {
	return s.mutate(runSessionID, func(l *Ledger) {
		l.Variance.Recorded++
	})
}

func (s *MemoryStore) RecordVarianceSkipped(runSessionID, reason string) error {
	return s.mutate(runSessionID, func(l *Ledger) {
		l.Variance.Skipped++
		if l.Variance.SkipReasons == nil {
			l.Variance.SkipReasons = make(map[string]int)
		}
		l.Variance.SkipReasons[reason]++
	})
}

func (s *MemoryStore) AddWarning(runSessionID, warning string) error {
	return s.mutate(runSessionID, func(l *Ledger) {
		l.Warnings = append(l.Warnings, warning)
	})
}

// Finalize stamps finishedAtISO and freezes the ledger. Further mutation
// attempts return ErrFinalized.
func (s *MemoryStore) Finalize(runSessionID string, opts FinalizeOptions) error {
	return s.mutate(runSessionID, func(l *Ledger) {
		l.FinishedAtISO = s.clock().UTC().Format(time.RFC3339)
		l.Status = StatusCompleted
		if opts.Status != "" {
			l.Status = opts.Status
		}
		if opts.Counts != nil {
			l.Counts = *opts.Counts
		}
		l.RoleExecutions = opts.RoleExecutions
		l.Warnings = append(l.Warnings, opts.Warnings...)
		if len(opts.Meta) > 0 {
			if l.Meta == nil {
				l.Meta = make(map[string]any, len(opts.Meta))
			}
			for k, v := range opts.Meta {
				l.Meta[k] = v
			}
		}
		if len(opts.RoleExecutions) == 0 {
			s.logger.Warn("ledger finalized without role executions", "runSessionId", runSessionID)
		}
	})
}

// Get returns a deep-copied snapshot.
func (s *MemoryStore) Get(runSessionID string) (*Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.ledgers[runSessionID]
	if !ok {
		return nil, ErrLedgerNotFound
	}
	return snapshot(l), nil
}

// List returns snapshots sorted by startedAt descending.
func (s *MemoryStore) List() []*Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Ledger, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		out = append(out, snapshot(l))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAtISO != out[j].StartedAtISO {
			return out[i].StartedAtISO > out[j].StartedAtISO
		}
		return out[i].RunSessionID > out[j].RunSessionID
	})
	return out
}

// mutate applies fn under the lock, refusing mutation of finalized ledgers.
func (s *MemoryStore) mutate(runSessionID string, fn func(*Ledger)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.ledgers[runSessionID]
	if !ok {
		return ErrLedgerNotFound
	}
	if l.FinishedAtISO != "" {
		return ErrFinalized
	}
	fn(l)
	return nil
}

// evictLocked drops the oldest completed ledgers past the store cap. Running
// ledgers are never evicted.
func (s *MemoryStore) evictLocked() {
	if len(s.ledgers) <= ledgerCap {
		return
	}
	var completed []*Ledger
	for _, l := range s.ledgers {
		if l.FinishedAtISO != "" {
			completed = append(completed, l)
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		return completed[i].StartedAtISO < completed[j].StartedAtISO
	})
	for _, l := range completed {
		if len(s.ledgers) <= ledgerCap {
			break
		}
		delete(s.ledgers, l.RunSessionID)
	}
}

// snapshot deep-copies via JSON; ledgers are plain data, so the round-trip
// is lossless.
func snapshot(l *Ledger) *Ledger {
	raw, err := json.Marshal(l)
	if err != nil {
		dup := *l
		return &dup
	}
	var out Ledger
	if err := json.Unmarshal(raw, &out); err != nil {
		dup := *l
		return &dup
	}
	return &out
}
