package modelhr

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"       // postgres driver
	_ "modernc.org/sqlite"      // sqlite driver
)

// SQLStorage implements Storage over database/sql with JSON payload columns.
// It supports both Postgres and SQLite via standard drivers; upserts are
// keyed by canonical id.
type SQLStorage struct {
	db *sql.DB
}

func NewSQLStorage(db *sql.DB) *SQLStorage {
	return &SQLStorage{db: db}
}

const hrSchema = `
CREATE TABLE IF NOT EXISTS hr_models (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	updated_at TIMESTAMP
);
CREATE TABLE IF NOT EXISTS hr_observations (
	model_id TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS hr_priors (
	model_id TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS hr_signals (
	ts TIMESTAMP,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS hr_actions (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS hr_fallback_events (
	ts TIMESTAMP,
	payload TEXT NOT NULL
);
`

func (s *SQLStorage) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, hrSchema)
	return err
}

func (s *SQLStorage) LoadModels(ctx context.Context) ([]RegistryEntry, error) {
	return loadPayloads[RegistryEntry](ctx, s.db, `SELECT payload FROM hr_models ORDER BY id`)
}

func (s *SQLStorage) SaveModels(ctx context.Context, entries []RegistryEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM hr_models`); err != nil {
		return fmt.Errorf("clear models: %w", err)
	}
	for i := range entries {
		payload, err := json.Marshal(&entries[i])
		if err != nil {
			return fmt.Errorf("encode model %s: %w", entries[i].ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO hr_models (id, payload, updated_at) VALUES ($1, $2, $3)
			 ON CONFLICT (id) DO UPDATE SET payload = $2, updated_at = $3`,
			entries[i].ID, string(payload), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("upsert model %s: %w", entries[i].ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLStorage) LoadObservations(ctx context.Context, modelID string) ([]Observation, error) {
	return loadKeyedPayload[Observation](ctx, s.db,
		`SELECT payload FROM hr_observations WHERE model_id = $1`, modelID)
}

func (s *SQLStorage) SaveObservations(ctx context.Context, modelID string, obs []Observation) error {
	return saveKeyedPayload(ctx, s.db, "hr_observations", modelID, obs)
}

func (s *SQLStorage) LoadPriors(ctx context.Context, modelID string) ([]PerformancePrior, error) {
	return loadKeyedPayload[PerformancePrior](ctx, s.db,
		`SELECT payload FROM hr_priors WHERE model_id = $1`, modelID)
}

func (s *SQLStorage) SavePriors(ctx context.Context, modelID string, priors []PerformancePrior) error {
	return saveKeyedPayload(ctx, s.db, "hr_priors", modelID, priors)
}

func (s *SQLStorage) AppendSignal(ctx context.Context, sig HrSignal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("encode signal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hr_signals (ts, payload) VALUES ($1, $2)`, time.Now().UTC(), string(payload))
	return err
}

func (s *SQLStorage) LoadSignals(ctx context.Context) ([]HrSignal, error) {
	return loadPayloads[HrSignal](ctx, s.db, `SELECT payload FROM hr_signals ORDER BY ts`)
}

func (s *SQLStorage) LoadActions(ctx context.Context) ([]HrAction, error) {
	return loadPayloads[HrAction](ctx, s.db, `SELECT payload FROM hr_actions ORDER BY id`)
}

func (s *SQLStorage) SaveActions(ctx context.Context, actions []HrAction) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM hr_actions`); err != nil {
		return fmt.Errorf("clear actions: %w", err)
	}
	for i := range actions {
		payload, err := json.Marshal(&actions[i])
		if err != nil {
			return fmt.Errorf("encode action: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO hr_actions (id, payload) VALUES ($1, $2)`,
			actions[i].ID, string(payload)); err != nil {
			return fmt.Errorf("insert action: %w", err)
		}
	}
	return tx.Commit()
}

func (s *SQLStorage) AppendFallbackEvent(ctx context.Context, ev FallbackEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode fallback event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO hr_fallback_events (ts, payload) VALUES ($1, $2)`, time.Now().UTC(), string(payload))
	return err
}

func (s *SQLStorage) LoadFallbackEvents(ctx context.Context) ([]FallbackEvent, error) {
	return loadPayloads[FallbackEvent](ctx, s.db, `SELECT payload FROM hr_fallback_events ORDER BY ts`)
}

func loadPayloads[T any](ctx context.Context, db *sql.DB, query string) ([]T, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []T
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var item T
		if err := json.Unmarshal([]byte(payload), &item); err != nil {
			continue // skip invalid persisted rows
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func loadKeyedPayload[T any](ctx context.Context, db *sql.DB, query, key string) ([]T, error) {
	var payload string
	err := db.QueryRowContext(ctx, query, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []T
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("parse payload for %s: %w", key, err)
	}
	return out, nil
}

func saveKeyedPayload(ctx context.Context, db *sql.DB, table, key string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", key, err)
	}
	//nolint:gosec // table name is a compile-time constant at call sites
	query := `INSERT INTO ` + table + ` (model_id, payload) VALUES ($1, $2)
		 ON CONFLICT (model_id) DO UPDATE SET payload = $2`
	_, err = db.ExecContext(ctx, query, key, string(payload))
	return err
}
