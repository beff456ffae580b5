// Package credentials resolves LLM provider credentials from the process
// environment. It never persists secrets; resolution is read-only.
package credentials

import (
	"os"
	"strings"
)

// Status of a provider's credential configuration.
type Status string

const (
	StatusConnected Status = "connected"
	StatusMissing   Status = "missing"
)

// CheckResult reports whether a provider is usable.
type CheckResult struct {
	Status      Status   `json:"status"`
	MissingVars []string `json:"missingVars,omitempty"`
}

// providerVars maps a provider id to the env vars it requires.
// Unknown providers fall back to <PROVIDER>_API_KEY.
var providerVars = map[string][]string{
	"openai":    {"OPENAI_API_KEY"},
	"anthropic": {"ANTHROPIC_API_KEY"},
	"google":    {"GOOGLE_API_KEY"},
	"mistral":   {"MISTRAL_API_KEY"},
	"bedrock":   {"AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY"},
}

// Resolver reads provider credentials from the environment.
type Resolver struct {
	lookup func(string) (string, bool)
}

// NewResolver creates an env-backed resolver.
func NewResolver() *Resolver {
	return &Resolver{lookup: os.LookupEnv}
}

// NewResolverWithLookup allows tests to inject a fake environment.
func NewResolverWithLookup(lookup func(string) (string, bool)) *Resolver {
	return &Resolver{lookup: lookup}
}

// CheckStatus reports whether all required env vars for the provider are set.
func (r *Resolver) CheckStatus(providerID string) CheckResult {
	var missing []string
	for _, name := range r.varsFor(providerID) {
		if v, ok := r.lookup(name); !ok || v == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return CheckResult{Status: StatusMissing, MissingVars: missing}
	}
	return CheckResult{Status: StatusConnected}
}

// GetCredential returns the credential value for a provider. When key is
// empty the provider's primary var is used. Returns "" when unset.
func (r *Resolver) GetCredential(providerID, key string) string {
	if key != "" {
		v, _ := r.lookup(key)
		return v
	}
	vars := r.varsFor(providerID)
	if len(vars) == 0 {
		return ""
	}
	v, _ := r.lookup(vars[0])
	return v
}

func (r *Resolver) varsFor(providerID string) []string {
	if vars, ok := providerVars[strings.ToLower(providerID)]; ok {
		return vars
	}
	return []string{strings.ToUpper(providerID) + "_API_KEY"}
}
