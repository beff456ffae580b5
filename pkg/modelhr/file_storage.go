package modelhr

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileStorage persists Model HR state as JSON/JSONL files under a data
// directory:
//
//	models.json                    registry entries (array)
//	observations/<safeId>.json     per-model observations
//	priors/<safeId>.json           per-model priors
//	signals.jsonl                  HR signals, append-only
//	actions.jsonl                  HR actions queue (rewritten on save)
//	registry-fallback.jsonl        fallback events, append-only
type FileStorage struct {
	dir string
	mu  sync.Mutex
}

// NewFileStorage creates the data directory layout if missing.
func NewFileStorage(dir string) (*FileStorage, error) {
	for _, sub := range []string{"", "observations", "priors"} {
		//nolint:gosec // G301: shared data directory
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("ensure data dir: %w", err)
		}
	}
	return &FileStorage{dir: dir}, nil
}

// Dir returns the data directory root.
func (s *FileStorage) Dir() string { return s.dir }

// ModelsFileInfo reports size and mtime of models.json for the health surface.
func (s *FileStorage) ModelsFileInfo() (size int64, modifiedISO string) {
	info, err := os.Stat(filepath.Join(s.dir, "models.json"))
	if err != nil {
		return 0, ""
	}
	return info.Size(), NowISO(info.ModTime())
}

func (s *FileStorage) LoadModels(ctx context.Context) ([]RegistryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []RegistryEntry
	if err := s.readJSON("models.json", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *FileStorage) SaveModels(ctx context.Context, entries []RegistryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON("models.json", entries)
}

func (s *FileStorage) LoadObservations(ctx context.Context, modelID string) ([]Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var obs []Observation
	if err := s.readJSON(filepath.Join("observations", SafeID(modelID)+".json"), &obs); err != nil {
		return nil, err
	}
	return obs, nil
}

func (s *FileStorage) SaveObservations(ctx context.Context, modelID string, obs []Observation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join("observations", SafeID(modelID)+".json"), obs)
}

func (s *FileStorage) LoadPriors(ctx context.Context, modelID string) ([]PerformancePrior, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var priors []PerformancePrior
	if err := s.readJSON(filepath.Join("priors", SafeID(modelID)+".json"), &priors); err != nil {
		return nil, err
	}
	return priors, nil
}

func (s *FileStorage) SavePriors(ctx context.Context, modelID string, priors []PerformancePrior) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join("priors", SafeID(modelID)+".json"), priors)
}

func (s *FileStorage) AppendSignal(ctx context.Context, sig HrSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLine("signals.jsonl", sig)
}

func (s *FileStorage) LoadSignals(ctx context.Context) ([]HrSignal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readLines[HrSignal](filepath.Join(s.dir, "signals.jsonl"))
}

func (s *FileStorage) LoadActions(ctx context.Context) ([]HrAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readLines[HrAction](filepath.Join(s.dir, "actions.jsonl"))
}

// SaveActions rewrites the queue file. Approve/reject mutate records in
// place, so the JSONL file is treated as a snapshot, not a log.
func (s *FileStorage) SaveActions(ctx context.Context, actions []HrAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := filepath.Join(s.dir, "actions.jsonl.tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600) //nolint:gosec
	if err != nil {
		return fmt.Errorf("open actions file: %w", err)
	}
	enc := json.NewEncoder(f)
	for i := range actions {
		if err := enc.Encode(actions[i]); err != nil {
			_ = f.Close()
			return fmt.Errorf("encode action: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close actions file: %w", err)
	}
	return os.Rename(tmp, filepath.Join(s.dir, "actions.jsonl"))
}

func (s *FileStorage) AppendFallbackEvent(ctx context.Context, ev FallbackEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLine("registry-fallback.jsonl", ev)
}

func (s *FileStorage) LoadFallbackEvents(ctx context.Context) ([]FallbackEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return readLines[FallbackEvent](filepath.Join(s.dir, "registry-fallback.jsonl"))
}

func (s *FileStorage) readJSON(rel string, out any) error {
	path := filepath.Join(s.dir, rel)
	data, err := os.ReadFile(path) //nolint:gosec // path built from sanitised ids
	if err != nil {
		if os.IsNotExist(err) {
			return nil // start empty
		}
		return fmt.Errorf("read %s: %w", rel, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", rel, err)
	}
	return nil
}

func (s *FileStorage) writeJSON(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", rel, err)
	}
	path := filepath.Join(s.dir, rel)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return os.Rename(tmp, path)
}

func (s *FileStorage) appendLine(rel string, v any) error {
	path := filepath.Join(s.dir, rel)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600) //nolint:gosec
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer f.Close() //nolint:errcheck // best-effort close
	return json.NewEncoder(f).Encode(v)
}

// readLines parses a JSONL file, skipping unparseable lines.
func readLines[T any](path string) ([]T, error) {
	f, err := os.Open(path) //nolint:gosec // path built from sanitised ids
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close() //nolint:errcheck // best-effort close

	var out []T
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item T
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		out = append(out, item)
	}
	if err := scanner.Err(); err != nil {
		return out, fmt.Errorf("scan %s: %w", filepath.Base(path), err)
	}
	return out, nil
}
