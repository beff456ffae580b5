// Package llm turns canonical "provider/model" ids into completion calls
// against the matching provider API. The Gateway implements the runner's
// Executor contract; unknown providers fail fast instead of guessing.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Mindburn-Labs/maestro/pkg/runner"
)

// Provider executes one completion against a single vendor API.
type Provider interface {
	Complete(ctx context.Context, modelID, prompt string, maxTokens int) (runner.ExecResult, error)
}

// Gateway dispatches on the provider segment of the canonical model id.
type Gateway struct {
	providers map[string]Provider
	timeout   time.Duration
	logger    *slog.Logger
}

type GatewayOption func(*Gateway)

func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) { g.timeout = d }
}

func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

func NewGateway(providers map[string]Provider, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		providers: providers,
		timeout:   90 * time.Second,
		logger:    slog.Default().With("component", "llm"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// NewGatewayFromEnv wires every provider that has an API key configured.
// OPENAI_API_KEY and ANTHROPIC_API_KEY select the real backends; with no
// keys set the gateway runs on the local echo provider so the server stays
// usable in development.
func NewGatewayFromEnv(getenv func(string) string) *Gateway {
	providers := map[string]Provider{}
	if key := getenv("OPENAI_API_KEY"); key != "" {
		providers["openai"] = NewOpenAIProvider(key, getenv("OPENAI_BASE_URL"))
	}
	if key := getenv("ANTHROPIC_API_KEY"); key != "" {
		providers["anthropic"] = NewAnthropicProvider(key, getenv("ANTHROPIC_BASE_URL"))
	}
	if len(providers) == 0 {
		providers["openai"] = EchoProvider{}
		providers["anthropic"] = EchoProvider{}
		providers["google"] = EchoProvider{}
	}
	return NewGateway(providers)
}

func (g *Gateway) Execute(ctx context.Context, modelID, prompt string, opts runner.ExecOptions) (runner.ExecResult, error) {
	provider, model, ok := strings.Cut(modelID, "/")
	if !ok {
		return runner.ExecResult{}, fmt.Errorf("llm: model id %q is not provider/model", modelID)
	}
	p, found := g.providers[provider]
	if !found {
		return runner.ExecResult{}, fmt.Errorf("llm: no provider configured for %q", provider)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	start := time.Now()
	res, err := p.Complete(ctx, model, prompt, opts.MaxTokens)
	if err != nil {
		g.logger.Warn("completion failed", "model", modelID, "error", err)
		return runner.ExecResult{}, fmt.Errorf("llm: %s: %w", modelID, err)
	}
	g.logger.Debug("completion",
		"model", modelID,
		"inputTokens", res.Usage.InputTokens,
		"outputTokens", res.Usage.OutputTokens,
		"durationMs", time.Since(start).Milliseconds())
	return res, nil
}

// CanaryExecutor adapts the gateway to the canary suite's narrower contract.
type CanaryExecutor struct {
	Gateway *Gateway
}

func (c CanaryExecutor) Execute(ctx context.Context, modelID, prompt string) (string, error) {
	res, err := c.Gateway.Execute(ctx, modelID, prompt, runner.ExecOptions{MaxTokens: 1024})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
