package assembler

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// runSessionIDPattern guards ids before they touch paths or shell-adjacent
// contexts.
var runSessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// harnessTsconfig overwrites any model-produced tsconfig so verification
// always compiles with known settings.
const harnessTsconfig = `{
  "compilerOptions": {
    "target": "ES2020",
    "module": "commonjs",
    "outDir": "dist",
    "rootDir": "src",
    "strict": true,
    "esModuleInterop": true,
    "skipLibCheck": true
  },
  "include": ["src/**/*.ts"]
}
`

// Manifest records what an assembly wrote.
type Manifest struct {
	RunSessionID   string            `json:"runSessionId"`
	FileCount      int               `json:"fileCount"`
	GeneratedAtISO string            `json:"generatedAtISO"`
	FileHashes     map[string]string `json:"fileHashes"`
}

// Assembler writes validated artifacts under <dataDir>/runs/<id>/output/.
type Assembler struct {
	dataDir string
	logger  *slog.Logger
	clock   func() time.Time
}

func New(dataDir string) *Assembler {
	return &Assembler{
		dataDir: dataDir,
		logger:  slog.Default().With("component", "assembler"),
		clock:   time.Now,
	}
}

// WithClock injects a deterministic clock for tests.
func (a *Assembler) WithClock(clock func() time.Time) *Assembler {
	a.clock = clock
	return a
}

// OutputDir is where a run's assembled files land.
func (a *Assembler) OutputDir(runSessionID string) string {
	return filepath.Join(a.dataDir, "runs", runSessionID, "output")
}

// AssembleDeliverable writes every artifact file, the report, the sha256
// manifest, and the harness tsconfig. Traversal paths are rejected before
// anything is written.
func (a *Assembler) AssembleDeliverable(runSessionID string, artifact *Artifact) (*Manifest, error) {
	if !runSessionIDPattern.MatchString(runSessionID) {
		return nil, fmt.Errorf("assemble: invalid runSessionId %q", runSessionID)
	}
	if artifact == nil {
		return nil, fmt.Errorf("assemble: nil artifact")
	}

	for _, path := range artifact.FileTree {
		if err := checkSafeRelPath(path); err != nil {
			return nil, fmt.Errorf("assemble: %w", err)
		}
	}

	outDir := a.OutputDir(runSessionID)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("assemble: create output dir: %w", err)
	}

	manifest := &Manifest{
		RunSessionID:   runSessionID,
		GeneratedAtISO: a.clock().UTC().Format(time.RFC3339),
		FileHashes:     make(map[string]string, len(artifact.FileTree)),
	}

	for _, path := range artifact.FileTree {
		content, ok := artifact.Files[path]
		if !ok {
			return nil, fmt.Errorf("assemble: fileTree path %q has no content", path)
		}
		full := filepath.Join(outDir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, fmt.Errorf("assemble: %w", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return nil, fmt.Errorf("assemble: write %s: %w", path, err)
		}
		sum := sha256.Sum256([]byte(content))
		manifest.FileHashes[path] = hex.EncodeToString(sum[:])
		manifest.FileCount++
	}

	if err := writeJSON(filepath.Join(outDir, "report.json"), artifact.Report); err != nil {
		return nil, fmt.Errorf("assemble: write report: %w", err)
	}
	// harness-owned tsconfig replaces whatever the model produced
	if err := os.WriteFile(filepath.Join(outDir, "tsconfig.json"), []byte(harnessTsconfig), 0o644); err != nil {
		return nil, fmt.Errorf("assemble: write tsconfig: %w", err)
	}
	if err := writeJSON(filepath.Join(a.dataDir, "runs", runSessionID, "manifest.json"), manifest); err != nil {
		return nil, fmt.Errorf("assemble: write manifest: %w", err)
	}

	a.logger.Info("deliverable assembled", "runSessionId", runSessionID, "files", manifest.FileCount)
	return manifest, nil
}

// checkSafeRelPath rejects empty, absolute, and traversal paths.
func checkSafeRelPath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path in fileTree")
	}
	if strings.HasPrefix(path, "/") || filepath.IsAbs(path) {
		return fmt.Errorf("absolute path %q rejected", path)
	}
	clean := filepath.ToSlash(filepath.Clean(path))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("traversal path %q rejected", path)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
