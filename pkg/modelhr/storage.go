package modelhr

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/maestro/pkg/config"
)

// Storage is the persistence contract for Model HR state. Two interchangeable
// implementations exist: a file layout under a data directory, and a
// relational store with JSON payload columns. Callers treat every write as
// best-effort; storage failures are surfaced as errors and swallowed to
// warnings at the subsystem edge.
type Storage interface {
	LoadModels(ctx context.Context) ([]RegistryEntry, error)
	SaveModels(ctx context.Context, entries []RegistryEntry) error

	LoadObservations(ctx context.Context, modelID string) ([]Observation, error)
	SaveObservations(ctx context.Context, modelID string, obs []Observation) error

	LoadPriors(ctx context.Context, modelID string) ([]PerformancePrior, error)
	SavePriors(ctx context.Context, modelID string, priors []PerformancePrior) error

	AppendSignal(ctx context.Context, sig HrSignal) error
	LoadSignals(ctx context.Context) ([]HrSignal, error)

	LoadActions(ctx context.Context) ([]HrAction, error)
	SaveActions(ctx context.Context, actions []HrAction) error

	AppendFallbackEvent(ctx context.Context, ev FallbackEvent) error
	LoadFallbackEvents(ctx context.Context) ([]FallbackEvent, error)
}

// OpenStorage builds the storage driver selected by the process-wide
// persistence driver: `file` (default) or `db`.
func OpenStorage(cfg *config.Config) (Storage, error) {
	switch cfg.PersistenceDriver {
	case config.DriverDB:
		driver := "sqlite"
		if strings.HasPrefix(cfg.DatabaseDSN, "postgres://") || strings.HasPrefix(cfg.DatabaseDSN, "postgresql://") {
			driver = "postgres"
		}
		db, err := sql.Open(driver, cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("open %s storage: %w", driver, err)
		}
		store := NewSQLStorage(db)
		if err := store.Init(context.Background()); err != nil {
			return nil, fmt.Errorf("init db storage: %w", err)
		}
		return store, nil
	default:
		return NewFileStorage(cfg.DataDir)
	}
}
