package assembler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const (
	compileTimeout   = 20 * time.Second
	compileOutputCap = 1 << 20 // 1 MiB of combined output
)

// CompileResult reports a bounded external TS compile.
type CompileResult struct {
	Success  bool   `json:"success"`
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output,omitempty"`
}

// boundedWriter keeps at most cap bytes and drops the rest.
type boundedWriter struct {
	buf bytes.Buffer
	cap int
}

func (w *boundedWriter) Write(p []byte) (int, error) {
	remaining := w.cap - w.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			w.buf.Write(p[:remaining])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

// VerifyCompile compiles the assembled output with the external TypeScript
// compiler. Success requires exit code 0 and dist/index.js present. The
// compile is hard-bounded: 20 s timeout, 1 MiB of captured output.
func VerifyCompile(ctx context.Context, outputDir string) (*CompileResult, error) {
	ctx, cancel := context.WithTimeout(ctx, compileTimeout)
	defer cancel()

	out := &boundedWriter{cap: compileOutputCap}
	cmd := exec.CommandContext(ctx, "npx", "tsc", "-p", ".")
	cmd.Dir = outputDir
	cmd.Stdout = out
	cmd.Stderr = out

	err := cmd.Run()
	res := &CompileResult{Output: out.buf.String()}

	if ctx.Err() == context.DeadlineExceeded {
		return res, fmt.Errorf("verify: compile exceeded %s", compileTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return res, fmt.Errorf("verify: compiler invocation failed: %w", err)
	}

	if _, statErr := os.Stat(filepath.Join(outputDir, "dist", "index.js")); statErr != nil {
		return res, nil // compiled but produced no entrypoint
	}
	res.Success = true
	return res, nil
}
