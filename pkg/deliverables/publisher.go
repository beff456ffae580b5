// Package deliverables publishes finished run outputs: it assembles the
// final artifact on disk, zips it, and hands the archive to the configured
// deliverable store.
package deliverables

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Mindburn-Labs/maestro/pkg/artifacts"
	"github.com/Mindburn-Labs/maestro/pkg/assembler"
	"github.com/Mindburn-Labs/maestro/pkg/ledger"
	"github.com/Mindburn-Labs/maestro/pkg/planner"
	"github.com/Mindburn-Labs/maestro/pkg/runner"
)

type Publisher struct {
	assembler *assembler.Assembler
	store     artifacts.Store
	dataDir   string
	logger    *slog.Logger
}

func NewPublisher(a *assembler.Assembler, store artifacts.Store, dataDir string) *Publisher {
	return &Publisher{
		assembler: a,
		store:     store,
		dataDir:   dataDir,
		logger:    slog.Default().With("component", "deliverables"),
	}
}

// OnRunComplete is wired as the runner's completion hook. Publishing is
// best-effort: a failed publish leaves the run result intact.
func (p *Publisher) OnRunComplete(ctx context.Context, result *runner.RunResult) {
	if result == nil || result.Status != ledger.StatusCompleted {
		return
	}
	ref, err := p.Publish(ctx, result)
	if err != nil {
		p.logger.Warn("deliverable publish failed", "runSessionId", result.RunSessionID, "error", err)
		return
	}
	p.logger.Info("deliverable published",
		"runSessionId", result.RunSessionID, "key", ref.Key, "sizeBytes", ref.SizeBytes)
}

// Publish assembles the run's deliverable, zips it, and stores the archive.
func (p *Publisher) Publish(ctx context.Context, result *runner.RunResult) (artifacts.Ref, error) {
	artifact := artifactFromResult(result)
	if _, err := p.assembler.AssembleDeliverable(result.RunSessionID, artifact); err != nil {
		return artifacts.Ref{}, fmt.Errorf("publish: %w", err)
	}

	outDir := p.assembler.OutputDir(result.RunSessionID)
	zipPath := filepath.Join(p.dataDir, "runs", result.RunSessionID, "deliverable.zip")
	if err := assembler.ZipDeliverable(outDir, zipPath); err != nil {
		return artifacts.Ref{}, fmt.Errorf("publish: %w", err)
	}

	data, err := readFileBounded(zipPath)
	if err != nil {
		return artifacts.Ref{}, fmt.Errorf("publish: %w", err)
	}
	ref, err := p.store.Put(ctx, result.RunSessionID, data)
	if err != nil {
		return artifacts.Ref{}, fmt.Errorf("publish: %w", err)
	}
	return ref, nil
}

// artifactFromResult prefers a structured artifact emitted by the final
// aggregation worker; otherwise every completed worker output becomes one
// markdown file.
func artifactFromResult(result *runner.RunResult) *assembler.Artifact {
	for _, res := range result.Packages {
		if res.Role != planner.RoleWorker || res.Status != runner.PackageCompleted {
			continue
		}
		if !strings.HasPrefix(res.PackageID, "aggregation") {
			continue
		}
		var artifact assembler.Artifact
		if err := json.Unmarshal([]byte(res.Output), &artifact); err == nil && len(artifact.FileTree) > 0 {
			return &artifact
		}
	}

	artifact := &assembler.Artifact{
		Files: map[string]string{},
		Report: map[string]any{
			"runSessionId": result.RunSessionID,
			"status":       string(result.Status),
			"totalCostUSD": result.TotalCostUSD,
		},
	}
	ids := make([]string, 0, len(result.Packages))
	for id := range result.Packages {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		res := result.Packages[id]
		if res.Role != planner.RoleWorker || res.Status != runner.PackageCompleted {
			continue
		}
		name := sanitizeFileName(id) + ".md"
		artifact.FileTree = append(artifact.FileTree, name)
		artifact.Files[name] = res.Output
	}
	return artifact
}

const maxZipBytes = 256 << 20

func readFileBounded(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	if info.Size() > maxZipBytes {
		return nil, fmt.Errorf("deliverable zip exceeds %d bytes", maxZipBytes)
	}
	return os.ReadFile(path) //nolint:gosec,wrapcheck // path is built from a validated run id
}

func sanitizeFileName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, id)
}
