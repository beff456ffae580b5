package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoutingProfile is an optional YAML overlay for routing and tuning knobs.
// Deployments that need non-default thresholds drop a profile_<name>.yaml
// into the config directory and set MAESTRO_PROFILE.
type RoutingProfile struct {
	Name string `yaml:"name" json:"name"`

	// Tier cost-penalty thresholds, USD per package.
	TierThresholds map[string]float64 `yaml:"tier_thresholds,omitempty" json:"tier_thresholds,omitempty"`

	// QA escalation threshold (default 0.60).
	EscalationThreshold float64 `yaml:"escalation_threshold,omitempty" json:"escalation_threshold,omitempty"`

	// Tuning defaults.
	TuningEnabled  bool `yaml:"tuning_enabled" json:"tuning_enabled"`
	AllowAutoApply bool `yaml:"allow_auto_apply" json:"allow_auto_apply"`

	// Portfolio mode default: off | prefer | lock.
	PortfolioMode string `yaml:"portfolio_mode,omitempty" json:"portfolio_mode,omitempty"`
}

// LoadProfile loads a routing profile YAML by name from the given directory.
// It searches for profile_<name>.yaml.
func LoadProfile(dir, name string) (*RoutingProfile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("profile name is empty")
	}

	path := filepath.Join(dir, "profile_"+name+".yaml")
	data, err := os.ReadFile(path) //nolint:gosec // path is operator-controlled config
	if err != nil {
		return nil, fmt.Errorf("read profile %q: %w", name, err)
	}

	var profile RoutingProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}
	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}
