// Package tenants holds per-tenant procurement configuration and applies it
// to registry snapshots before routing.
package tenants

import (
	"errors"

	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
)

var ErrTenantNotFound = errors.New("tenant config not found")

// ModelAvailability restricts which providers, models, and tiers a tenant
// may use. Empty allow-lists mean no restriction; block-lists always apply.
type ModelAvailability struct {
	AllowedProviders []string              `json:"allowedProviders,omitempty"`
	BlockedProviders []string              `json:"blockedProviders,omitempty"`
	AllowedModels    []string              `json:"allowedModels,omitempty"`
	BlockedModels    []string              `json:"blockedModels,omitempty"`
	AllowedTiers     []modelhr.TierProfile `json:"allowedTiers,omitempty"`
}

// Config is one tenant's procurement view. Edited externally; the platform
// only reads it.
type Config struct {
	TenantID                      string            `json:"tenantId"`
	ProviderSubscriptions         []string          `json:"providerSubscriptions,omitempty"`
	ModelAvailability             ModelAvailability `json:"modelAvailability"`
	IgnoredRecommendationModelIDs []string          `json:"ignoredRecommendationModelIds,omitempty"`
}

// Storage is the tenant config persistence contract.
type Storage interface {
	Load(tenantID string) (*Config, error)
	Save(cfg Config) error
	List() ([]Config, error)
}

// FilterResult reports what procurement filtering did to a snapshot.
type FilterResult struct {
	Models   []modelhr.RegistryEntry
	Removed  []string // model ids dropped by the filter
	FellBack bool     // filter emptied the set; original snapshot returned
}

// FilterModels applies the tenant's availability rules to a registry
// snapshot. When the rules would leave no candidate at all the original
// snapshot is returned with FellBack set, so a run degrades instead of
// dying; callers record a PROCUREMENT_FALLBACK decision.
func FilterModels(cfg *Config, models []modelhr.RegistryEntry) FilterResult {
	if cfg == nil {
		return FilterResult{Models: models}
	}

	av := cfg.ModelAvailability
	allowedProviders := toSet(av.AllowedProviders)
	blockedProviders := toSet(av.BlockedProviders)
	allowedModels := toSet(av.AllowedModels)
	blockedModels := toSet(av.BlockedModels)

	var kept []modelhr.RegistryEntry
	var removed []string
	for i := range models {
		m := models[i]
		switch {
		case blockedProviders[m.Identity.Provider],
			blockedModels[m.ID],
			len(allowedProviders) > 0 && !allowedProviders[m.Identity.Provider],
			len(allowedModels) > 0 && !allowedModels[m.ID],
			!tierAllowed(av.AllowedTiers, m):
			removed = append(removed, m.ID)
		default:
			kept = append(kept, m)
		}
	}

	if len(kept) == 0 && len(models) > 0 {
		return FilterResult{Models: models, Removed: removed, FellBack: true}
	}
	return FilterResult{Models: kept, Removed: removed}
}

// tierAllowed checks that the model can serve at least one tenant-allowed
// tier. An empty tenant list allows every tier.
func tierAllowed(tiers []modelhr.TierProfile, m modelhr.RegistryEntry) bool {
	if len(tiers) == 0 {
		return true
	}
	for _, tier := range tiers {
		if m.AllowsTier(tier) {
			return true
		}
	}
	return false
}

// IgnoredForRecommendations reports whether the tenant opted a model out of
// portfolio slots.
func (c *Config) IgnoredForRecommendations(modelID string) bool {
	for _, id := range c.IgnoredRecommendationModelIDs {
		if id == modelID {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
