// Package artifacts stores finished run deliverables (zip archives and
// manifests) behind one interface with filesystem and S3 backends.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"
)

// Ref identifies one stored deliverable and its integrity hash.
type Ref struct {
	Key       string `json:"key"`
	SHA256    string `json:"sha256"`
	SizeBytes int    `json:"sizeBytes"`
}

// Store is the deliverable archive contract. Keys are scoped per run
// session; Put is idempotent for identical content.
type Store interface {
	Put(ctx context.Context, runSessionID string, data []byte) (Ref, error)
	Get(ctx context.Context, runSessionID string) ([]byte, error)
	Exists(ctx context.Context, runSessionID string) (bool, error)
	Delete(ctx context.Context, runSessionID string) error
}

var runSessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func checkRunSessionID(id string) error {
	if !runSessionIDPattern.MatchString(id) {
		return fmt.Errorf("invalid runSessionId %q", id)
	}
	return nil
}

func hashOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// FileStore keeps deliverables under baseDir/<runSessionId>.zip.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the backing directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for shared deliverable directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure deliverable dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) pathFor(runSessionID string) string {
	return filepath.Join(s.baseDir, runSessionID+".zip")
}

func (s *FileStore) Put(ctx context.Context, runSessionID string, data []byte) (Ref, error) {
	if err := checkRunSessionID(runSessionID); err != nil {
		return Ref{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.pathFor(runSessionID)

	// write to temp, then rename
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable archives
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return Ref{}, fmt.Errorf("failed to write deliverable: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return Ref{}, fmt.Errorf("failed to commit deliverable: %w", err)
	}

	return Ref{Key: runSessionID + ".zip", SHA256: hashOf(data), SizeBytes: len(data)}, nil
}

func (s *FileStore) Get(ctx context.Context, runSessionID string) ([]byte, error) {
	if err := checkRunSessionID(runSessionID); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.pathFor(runSessionID)) //nolint:gosec // id validated above
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("deliverable not found: %s", runSessionID)
		}
		//nolint:wrapcheck // caller provides context
		return nil, err
	}
	defer f.Close() //nolint:errcheck // best-effort close

	//nolint:wrapcheck // caller provides context
	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, runSessionID string) (bool, error) {
	if err := checkRunSessionID(runSessionID); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.pathFor(runSessionID))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	//nolint:wrapcheck // caller provides context
	return false, err
}

func (s *FileStore) Delete(ctx context.Context, runSessionID string) error {
	if err := checkRunSessionID(runSessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.pathFor(runSessionID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete deliverable: %w", err)
	}
	return nil
}
