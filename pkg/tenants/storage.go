package tenants

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
)

var tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// MemoryStorage is the in-process driver; tests and single-tenant
// deployments use it.
type MemoryStorage struct {
	mu      sync.RWMutex
	configs map[string]Config
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{configs: make(map[string]Config)}
}

func (s *MemoryStorage) Load(tenantID string) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[tenantID]
	if !ok {
		return nil, ErrTenantNotFound
	}
	return &cfg, nil
}

func (s *MemoryStorage) Save(cfg Config) error {
	if !tenantIDPattern.MatchString(cfg.TenantID) {
		return fmt.Errorf("invalid tenantId %q", cfg.TenantID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.TenantID] = cfg
	return nil
}

func (s *MemoryStorage) List() ([]Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Config, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

// FileStorage keeps one JSON file per tenant under dir. Files are edited
// out of band; Load always re-reads from disk.
type FileStorage struct {
	dir string
	mu  sync.Mutex
}

func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("tenants: ensure dir: %w", err)
	}
	return &FileStorage{dir: dir}, nil
}

func (s *FileStorage) pathFor(tenantID string) string {
	return filepath.Join(s.dir, tenantID+".json")
}

func (s *FileStorage) Load(tenantID string) (*Config, error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return nil, fmt.Errorf("invalid tenantId %q", tenantID)
	}
	data, err := os.ReadFile(s.pathFor(tenantID)) //nolint:gosec // id validated above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrTenantNotFound
		}
		return nil, fmt.Errorf("tenants: read %s: %w", tenantID, err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("tenants: parse %s: %w", tenantID, err)
	}
	if cfg.TenantID == "" {
		cfg.TenantID = tenantID
	}
	return &cfg, nil
}

func (s *FileStorage) Save(cfg Config) error {
	if !tenantIDPattern.MatchString(cfg.TenantID) {
		return fmt.Errorf("invalid tenantId %q", cfg.TenantID)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("tenants: marshal %s: %w", cfg.TenantID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	path := s.pathFor(cfg.TenantID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil { //nolint:gosec // shared config file
		return fmt.Errorf("tenants: write %s: %w", cfg.TenantID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("tenants: commit %s: %w", cfg.TenantID, err)
	}
	return nil
}

func (s *FileStorage) List() ([]Config, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("tenants: list: %w", err)
	}
	var out []Config
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		cfg, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue // unreadable files are skipped, not fatal
		}
		out = append(out, *cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}
