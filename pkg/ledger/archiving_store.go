package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/maestro/pkg/trust"
)

// ArchivingStore decorates a live Store with a write-behind SQL archive.
// All reads and writes go to the live store; Finalize additionally copies
// the finished ledger into the archive. Archive failures are logged, never
// surfaced, so a database outage cannot fail a run.
type ArchivingStore struct {
	live    Store
	archive *SQLArchive
	logger  *slog.Logger
}

func NewArchivingStore(live Store, archive *SQLArchive, logger *slog.Logger) *ArchivingStore {
	if logger == nil {
		logger = slog.Default().With("component", "ledger")
	}
	return &ArchivingStore{live: live, archive: archive, logger: logger}
}

// Restore loads archived ledgers into the live store's history. Called once
// at startup so KPI windows span restarts.
func (s *ArchivingStore) Restore(ctx context.Context, into *MemoryStore) error {
	ledgers, err := s.archive.LoadAll(ctx)
	if err != nil {
		return err
	}
	for _, l := range ledgers {
		into.Put(l)
	}
	s.logger.Info("restored archived ledgers", "count", len(ledgers))
	return nil
}

func (s *ArchivingStore) Create(runSessionID string, opts CreateOptions) error {
	return s.live.Create(runSessionID, opts)
}

func (s *ArchivingStore) RecordDecision(runSessionID string, d Decision) error {
	return s.live.RecordDecision(runSessionID, d)
}

func (s *ArchivingStore) RecordCost(runSessionID string, kind CostKind, amountUSD float64) error {
	return s.live.RecordCost(runSessionID, kind, amountUSD)
}

func (s *ArchivingStore) RecordTrustDelta(runSessionID string, delta trust.Delta) error {
	return s.live.RecordTrustDelta(runSessionID, delta)
}

func (s *ArchivingStore) RecordVarianceRecorded(runSessionID string) error {
	return s.live.RecordVarianceRecorded(runSessionID)
}

func (s *ArchivingStore) RecordVarianceSkipped(runSessionID, reason string) error {
	return s.live.RecordVarianceSkipped(runSessionID, reason)
}

func (s *ArchivingStore) AddWarning(runSessionID, warning string) error {
	return s.live.AddWarning(runSessionID, warning)
}

func (s *ArchivingStore) Finalize(runSessionID string, opts FinalizeOptions) error {
	if err := s.live.Finalize(runSessionID, opts); err != nil {
		return err
	}

	l, err := s.live.Get(runSessionID)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.archive.Save(ctx, l); err != nil {
		s.logger.Warn("ledger archive write failed", "runSessionId", runSessionID, "error", err)
	}
	return nil
}

func (s *ArchivingStore) Get(runSessionID string) (*Ledger, error) {
	return s.live.Get(runSessionID)
}

func (s *ArchivingStore) List() []*Ledger {
	return s.live.List()
}
