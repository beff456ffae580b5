package tenants

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
)

func tenantModel(provider, modelID string, tiers ...modelhr.TierProfile) modelhr.RegistryEntry {
	return modelhr.RegistryEntry{
		ID: modelhr.CanonicalID(provider, modelID),
		Identity: modelhr.Identity{
			Provider: provider,
			ModelID:  modelID,
			Status:   modelhr.StatusActive,
		},
		Governance: modelhr.Governance{AllowedTiers: tiers},
	}
}

func snapshot() []modelhr.RegistryEntry {
	return []modelhr.RegistryEntry{
		tenantModel("openai", "mini"),
		tenantModel("anthropic", "opus"),
		tenantModel("google", "flash", modelhr.TierCheap),
	}
}

func TestFilterModelsNilConfigPassesThrough(t *testing.T) {
	res := FilterModels(nil, snapshot())
	assert.Len(t, res.Models, 3)
	assert.False(t, res.FellBack)
	assert.Empty(t, res.Removed)
}

func TestFilterModelsBlockedProvider(t *testing.T) {
	cfg := &Config{
		TenantID: "acme",
		ModelAvailability: ModelAvailability{
			BlockedProviders: []string{"google"},
		},
	}
	res := FilterModels(cfg, snapshot())
	assert.Len(t, res.Models, 2)
	assert.Equal(t, []string{"google/flash"}, res.Removed)
}

func TestFilterModelsAllowListRestricts(t *testing.T) {
	cfg := &Config{
		TenantID: "acme",
		ModelAvailability: ModelAvailability{
			AllowedModels: []string{"anthropic/opus"},
		},
	}
	res := FilterModels(cfg, snapshot())
	require.Len(t, res.Models, 1)
	assert.Equal(t, "anthropic/opus", res.Models[0].ID)
}

func TestFilterModelsTierIntersection(t *testing.T) {
	// google/flash only serves cheap; a premium-only tenant cannot use it
	cfg := &Config{
		TenantID: "acme",
		ModelAvailability: ModelAvailability{
			AllowedTiers: []modelhr.TierProfile{modelhr.TierPremium},
		},
	}
	res := FilterModels(cfg, snapshot())
	assert.Len(t, res.Models, 2)
	assert.Contains(t, res.Removed, "google/flash")
}

func TestFilterModelsFallsBackWhenEmpty(t *testing.T) {
	cfg := &Config{
		TenantID: "acme",
		ModelAvailability: ModelAvailability{
			AllowedProviders: []string{"missing"},
		},
	}
	res := FilterModels(cfg, snapshot())
	assert.True(t, res.FellBack)
	assert.Len(t, res.Models, 3, "fallback returns the unfiltered snapshot")
	assert.Len(t, res.Removed, 3)
}

func TestIgnoredForRecommendations(t *testing.T) {
	cfg := &Config{
		TenantID:                      "acme",
		IgnoredRecommendationModelIDs: []string{"openai/mini"},
	}
	assert.True(t, cfg.IgnoredForRecommendations("openai/mini"))
	assert.False(t, cfg.IgnoredForRecommendations("anthropic/opus"))
}

func TestMemoryStorageRoundTrip(t *testing.T) {
	store := NewMemoryStorage()

	_, err := store.Load("acme")
	assert.ErrorIs(t, err, ErrTenantNotFound)

	require.NoError(t, store.Save(Config{TenantID: "acme"}))
	cfg, err := store.Load("acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", cfg.TenantID)

	require.NoError(t, store.Save(Config{TenantID: "beta"}))
	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "acme", all[0].TenantID)
}

func TestFileStorageRoundTrip(t *testing.T) {
	store, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	cfg := Config{
		TenantID: "acme",
		ModelAvailability: ModelAvailability{
			BlockedProviders: []string{"google"},
		},
	}
	require.NoError(t, store.Save(cfg))

	got, err := store.Load("acme")
	require.NoError(t, err)
	assert.Equal(t, cfg, *got)

	all, err := store.List()
	require.NoError(t, err)
	require.Len(t, all, 1)

	_, err = store.Load("missing")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestStorageRejectsBadTenantID(t *testing.T) {
	store, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	assert.Error(t, store.Save(Config{TenantID: "../escape"}))
	_, err = store.Load("a b")
	assert.Error(t, err)
}
