package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SQLArchive persists finalized ledgers so run history survives restarts.
// The live store stays in memory; the archive is write-once per run.
type SQLArchive struct {
	db *sql.DB
}

func NewSQLArchive(db *sql.DB) *SQLArchive {
	return &SQLArchive{db: db}
}

const archiveSchema = `
CREATE TABLE IF NOT EXISTS run_ledgers (
	run_session_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	status TEXT NOT NULL,
	payload TEXT NOT NULL
);
`

func (a *SQLArchive) Init(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, archiveSchema)
	return err
}

// Save upserts a finalized ledger snapshot.
func (a *SQLArchive) Save(ctx context.Context, l *Ledger) error {
	payload, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", l.RunSessionID, err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO run_ledgers (run_session_id, started_at, status, payload) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_session_id) DO UPDATE SET started_at = $2, status = $3, payload = $4`,
		l.RunSessionID, l.StartedAtISO, string(l.Status), string(payload))
	if err != nil {
		return fmt.Errorf("archive ledger %s: %w", l.RunSessionID, err)
	}
	return nil
}

// Load returns one archived ledger.
func (a *SQLArchive) Load(ctx context.Context, runSessionID string) (*Ledger, error) {
	var payload string
	err := a.db.QueryRowContext(ctx,
		`SELECT payload FROM run_ledgers WHERE run_session_id = $1`, runSessionID).Scan(&payload)
	if err == sql.ErrNoRows { //nolint:errorlint // database/sql returns the sentinel directly
		return nil, ErrLedgerNotFound
	}
	if err != nil {
		return nil, err
	}
	var l Ledger
	if err := json.Unmarshal([]byte(payload), &l); err != nil {
		return nil, fmt.Errorf("parse archived ledger %s: %w", runSessionID, err)
	}
	return &l, nil
}

// LoadAll returns archived ledgers newest-first.
func (a *SQLArchive) LoadAll(ctx context.Context) ([]*Ledger, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT payload FROM run_ledgers ORDER BY started_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Ledger
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var l Ledger
		if err := json.Unmarshal([]byte(payload), &l); err != nil {
			continue // skip corrupt rows
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}
