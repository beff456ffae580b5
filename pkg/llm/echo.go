package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mindburn-Labs/maestro/pkg/runner"
)

// EchoProvider is the no-key development backend. It produces a
// deterministic completion long enough to pass deterministic QA, and
// answers QA judge prompts with a fixed verdict.
type EchoProvider struct{}

func (EchoProvider) Complete(ctx context.Context, model, prompt string, maxTokens int) (runner.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return runner.ExecResult{}, err //nolint:wrapcheck
	}

	var text string
	if strings.Contains(prompt, "strict QA reviewer") {
		text = `{"qualityScore": 0.8, "defects": []}`
	} else {
		text = fmt.Sprintf(
			"Echo completion from %s.\n\nThe requested work has been drafted locally without a provider API key. "+
				"Directive excerpt: %s\n", model, truncate(prompt, 400))
	}

	return runner.ExecResult{
		Text: text,
		Usage: runner.Usage{
			InputTokens:  len(prompt) / 4,
			OutputTokens: len(text) / 4,
		},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
