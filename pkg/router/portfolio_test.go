package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr/policy"
	"github.com/Mindburn-Labs/maestro/pkg/trust"
)

func builderPool() []modelhr.RegistryEntry {
	// scores at general/medium/standard: cheap 0.59, mid 0.63, strong 0.665
	cheap := mkModel("openai", "mini", 0.001, 0.001, 0.9, 0.8)
	mid := mkModel("anthropic", "haiku", 0.002, 0.002, 0.9, 0.9)
	strong := mkModel("anthropic", "opus", 0.005, 0.005, 0.95, 0.95)
	return []modelhr.RegistryEntry{cheap, mid, strong}
}

func TestBuilderFillsSlots(t *testing.T) {
	tracker := trust.NewTracker()
	tracker.Record("anthropic/haiku", trust.RoleQA, 1.0) // 0.667 beats neutral 0.5

	b := NewBuilder(policy.NewEngine(), tracker)
	rec := b.Build(builderPool(), BuilderConfig{})
	require.NotNil(t, rec)

	assert.Equal(t, "openai/mini", rec.WorkerCheap)
	assert.Equal(t, "anthropic/opus", rec.WorkerImplementation)
	assert.Equal(t, "anthropic/haiku", rec.WorkerStrategy)
	assert.Equal(t, "anthropic/haiku", rec.QAPrimary)
	assert.Equal(t, "anthropic/opus", rec.QABackup)
}

func TestBuilderSkipsDisabledAndKillSwitched(t *testing.T) {
	pool := builderPool()
	pool[2].Governance.KillSwitch = true
	dead := mkModel("openai", "legacy", 0.0001, 0.0001, 0.99, 0.99)
	dead.Identity.Status = modelhr.StatusDisabled
	pool = append(pool, dead)

	b := NewBuilder(policy.NewEngine(), trust.NewTracker())
	rec := b.Build(pool, BuilderConfig{})
	require.NotNil(t, rec)

	for _, id := range rec.SlotModelIDs() {
		assert.NotEqual(t, "anthropic/opus", id)
		assert.NotEqual(t, "openai/legacy", id)
	}
}

func TestBuilderQualityFloorFallsBackToBest(t *testing.T) {
	// both below the 0.60 floor; impl/strategy fall back to the best scorer
	a := mkModel("openai", "nano", 0.0005, 0.0005, 0.6, 0.4)
	bm := mkModel("openai", "micro", 0.0008, 0.0008, 0.6, 0.5)

	b := NewBuilder(policy.NewEngine(), trust.NewTracker())
	rec := b.Build([]modelhr.RegistryEntry{a, bm}, BuilderConfig{})
	require.NotNil(t, rec)

	assert.Equal(t, "openai/micro", rec.WorkerImplementation)
	assert.Equal(t, "openai/micro", rec.WorkerStrategy)
}

func TestBuilderEmptyPool(t *testing.T) {
	b := NewBuilder(policy.NewEngine(), trust.NewTracker())
	assert.Nil(t, b.Build(nil, BuilderConfig{}))
}

func TestSlotModelIDsDistinct(t *testing.T) {
	rec := &Recommendation{
		WorkerCheap:          "a",
		WorkerImplementation: "b",
		WorkerStrategy:       "b",
		QAPrimary:            "c",
		QABackup:             "a",
	}
	assert.Equal(t, []string{"a", "b", "c"}, rec.SlotModelIDs())
}

func TestValidateRecommendationMissingModels(t *testing.T) {
	rec := &Recommendation{
		WorkerCheap:          "openai/mini",
		WorkerImplementation: "anthropic/retired",
		QAPrimary:            "openai/also-gone",
	}
	v := ValidateRecommendation(rec, builderPool())
	assert.False(t, v.Valid)
	assert.Equal(t, []string{"anthropic/retired", "openai/also-gone"}, v.MissingModelIDs)

	ok := ValidateRecommendation(&Recommendation{WorkerCheap: "openai/mini"}, builderPool())
	assert.True(t, ok.Valid)
	assert.Empty(t, ok.MissingModelIDs)
}

func newTestCache(t *testing.T) (*PortfolioCache, *trust.Tracker, *trust.VarianceTracker) {
	t.Helper()
	tracker := trust.NewTracker()
	variance := trust.NewVarianceTracker()
	cache := NewPortfolioCache(NewBuilder(policy.NewEngine(), tracker), tracker, variance)
	return cache, tracker, variance
}

func TestPortfolioCacheReusesUntilInputsChange(t *testing.T) {
	cache, _, variance := newTestCache(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cache.clock = func() time.Time { return now }

	pool := builderPool()
	first := cache.Get(context.Background(), pool, BuilderConfig{})
	require.NotNil(t, first)
	assert.NotEmpty(t, first.Signature)

	// same inputs, later clock: cached entry returned, not rebuilt
	now = now.Add(10 * time.Second)
	second := cache.Get(context.Background(), pool, BuilderConfig{})
	assert.Equal(t, first.GeneratedAtISO, second.GeneratedAtISO)

	// a recorded variance sample ticks the version and misses the cache
	variance.Record("openai/mini", "general", 1.4)
	third := cache.Get(context.Background(), pool, BuilderConfig{})
	assert.NotEqual(t, first.Signature, third.Signature)
}

func TestPortfolioCacheSignatureTracksRegistryStatus(t *testing.T) {
	cache, _, _ := newTestCache(t)
	pool := builderPool()

	before := cache.Signature(pool)
	pool[0].Identity.Status = modelhr.StatusProbation
	after := cache.Signature(pool)
	assert.NotEqual(t, before, after)
}

func TestPortfolioCacheSignatureTracksTrust(t *testing.T) {
	cache, tracker, _ := newTestCache(t)
	pool := builderPool()

	before := cache.Signature(pool)
	tracker.Record("openai/mini", trust.RoleWorker, 0.9)
	assert.NotEqual(t, before, cache.Signature(pool))
}

func TestPortfolioCacheForceRefreshRebuilds(t *testing.T) {
	cache, _, _ := newTestCache(t)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	cache.clock = func() time.Time { return now }

	pool := builderPool()
	first := cache.Get(context.Background(), pool, BuilderConfig{})
	require.NotNil(t, first)

	now = now.Add(5 * time.Second)
	cache.SetForceRefreshNext()
	refreshed := cache.Get(context.Background(), pool, BuilderConfig{})
	assert.NotEqual(t, first.GeneratedAtISO, refreshed.GeneratedAtISO)

	// the flag is consumed by one read
	now = now.Add(5 * time.Second)
	again := cache.Get(context.Background(), pool, BuilderConfig{})
	assert.Equal(t, refreshed.GeneratedAtISO, again.GeneratedAtISO)
}

func TestMemoryBackendExpires(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	backend := newMemoryBackend()
	backend.clock = func() time.Time { return now }

	backend.Set(context.Background(), "sig", &Recommendation{WorkerCheap: "x"}, 60*time.Second)
	_, ok := backend.Get(context.Background(), "sig")
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	_, ok = backend.Get(context.Background(), "sig")
	assert.False(t, ok)
}
