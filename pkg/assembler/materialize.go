package assembler

import (
	"archive/zip"
	"compress/flate"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// gitCommitEnv switches on the git branch/commit step after materialisation.
const gitCommitEnv = "MATERIALIZE_DELIVERABLE_GIT_COMMIT"

// Materialize clears the workspace and copies the assembled output into it.
// When MATERIALIZE_DELIVERABLE_GIT_COMMIT is truthy and the workspace is a
// git repository, the result is committed on a run/<id> branch.
func Materialize(outputDir, workspace, runSessionID string) error {
	if !runSessionIDPattern.MatchString(runSessionID) {
		return fmt.Errorf("materialize: invalid runSessionId %q", runSessionID)
	}

	entries, err := os.ReadDir(workspace)
	if err != nil {
		return fmt.Errorf("materialize: read workspace: %w", err)
	}
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		if err := os.RemoveAll(filepath.Join(workspace, entry.Name())); err != nil {
			return fmt.Errorf("materialize: clean workspace: %w", err)
		}
	}

	err = filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if err := checkSafeRelPath(filepath.ToSlash(rel)); err != nil {
			return err
		}
		target := filepath.Join(workspace, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
	if err != nil {
		return fmt.Errorf("materialize: copy: %w", err)
	}

	if isTruthy(os.Getenv(gitCommitEnv)) {
		if err := gitCommit(workspace, runSessionID); err != nil {
			return fmt.Errorf("materialize: git commit: %w", err)
		}
	}
	return nil
}

func gitCommit(workspace, runSessionID string) error {
	steps := [][]string{
		{"git", "checkout", "-b", "run/" + runSessionID},
		{"git", "add", "."},
		{"git", "commit", "-m", "Deliverable for run " + runSessionID},
	}
	for _, step := range steps {
		cmd := exec.Command(step[0], step[1:]...) //nolint:gosec // argv built from a validated id
		cmd.Dir = workspace
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("%s: %w: %s", strings.Join(step, " "), err, firstLine(string(out)))
		}
	}
	return nil
}

// ZipDeliverable archives the output directory at maximum compression.
func ZipDeliverable(outputDir, zipPath string) error {
	f, err := os.Create(zipPath)
	if err != nil {
		return fmt.Errorf("zip: %w", err)
	}
	defer f.Close()

	w := zip.NewWriter(f)
	w.RegisterCompressor(zip.Deflate, func(out io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(out, flate.BestCompression)
	})

	err = filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		rel, err := filepath.Rel(outputDir, path)
		if err != nil {
			return err
		}
		entry, err := w.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(entry, src)
		return err
	})
	if err != nil {
		w.Close()
		return fmt.Errorf("zip: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("zip: %w", err)
	}
	return f.Sync()
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
