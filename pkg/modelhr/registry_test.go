package modelhr

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEntry(provider, modelID string) RegistryEntry {
	return RegistryEntry{
		ID: CanonicalID(provider, modelID),
		Identity: Identity{
			Provider: provider,
			ModelID:  modelID,
			Status:   StatusActive,
		},
		Pricing:     Pricing{InPer1K: 0.001, OutPer1K: 0.002, Currency: "USD"},
		Expertise:   map[string]float64{"general": 0.7, "code": 0.8},
		Reliability: 0.9,
	}
}

func newTestRegistry(t *testing.T) (*Registry, *FileStorage) {
	t.Helper()
	store, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)
	return NewRegistry(context.Background(), store), store
}

func TestRegistryUpsertAndGet(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	saved, err := reg.UpsertModel(ctx, testEntry("openai", "gpt-4o"))
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", saved.ID)
	assert.NotEmpty(t, saved.CreatedAtISO)
	assert.NotEmpty(t, saved.UpdatedAtISO)

	got, err := reg.GetModel("openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, saved.ID, got.ID)

	// bare modelId resolution
	got, err = reg.GetModel("gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o", got.ID)

	_, err = reg.GetModel("nope")
	assert.ErrorIs(t, err, ErrModelNotFound)
}

func TestRegistryGetByAlias(t *testing.T) {
	reg, _ := newTestRegistry(t)
	e := testEntry("anthropic", "claude-3-5-sonnet")
	e.Identity.Aliases = []string{"sonnet", "claude-sonnet"}
	_, err := reg.UpsertModel(context.Background(), e)
	require.NoError(t, err)

	got, err := reg.GetModel("sonnet")
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-3-5-sonnet", got.ID)
}

func TestRegistryUpsertPreservesCreatedAt(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	reg.WithClock(func() time.Time { return base })
	first, err := reg.UpsertModel(ctx, testEntry("openai", "gpt-4o"))
	require.NoError(t, err)

	reg.WithClock(func() time.Time { return base.Add(time.Hour) })
	updated := testEntry("openai", "gpt-4o")
	updated.Reliability = 0.95
	second, err := reg.UpsertModel(ctx, updated)
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAtISO, second.CreatedAtISO)
	assert.NotEqual(t, first.UpdatedAtISO, second.UpdatedAtISO)
	assert.InDelta(t, 0.95, second.Reliability, 1e-9)
}

func TestRegistryUpsertRejectsInvalid(t *testing.T) {
	reg, _ := newTestRegistry(t)

	bad := testEntry("openai", "gpt-4o")
	bad.Identity.Status = Status("retired")
	_, err := reg.UpsertModel(context.Background(), bad)
	assert.Error(t, err)

	// mismatched canonical id
	bad2 := testEntry("openai", "gpt-4o")
	bad2.ID = "openai/other"
	_, err = reg.UpsertModel(context.Background(), bad2)
	assert.Error(t, err)
}

func TestRegistryListFilters(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	a := testEntry("openai", "gpt-4o")
	b := testEntry("anthropic", "claude-3-5-haiku")
	b.Identity.Status = StatusProbation
	c := testEntry("openai", "gpt-3.5-turbo")
	c.Identity.Status = StatusDisabled
	for _, e := range []RegistryEntry{a, b, c} {
		_, err := reg.UpsertModel(ctx, e)
		require.NoError(t, err)
	}

	// disabled excluded by default, sorted by id
	list := reg.ListModels(ListFilter{})
	require.Len(t, list, 2)
	assert.Equal(t, "anthropic/claude-3-5-haiku", list[0].ID)
	assert.Equal(t, "openai/gpt-4o", list[1].ID)

	list = reg.ListModels(ListFilter{IncludeDisabled: true})
	assert.Len(t, list, 3)

	list = reg.ListModels(ListFilter{Provider: "openai"})
	require.Len(t, list, 1)
	assert.Equal(t, "openai/gpt-4o", list[0].ID)

	list = reg.ListModels(ListFilter{Statuses: []Status{StatusProbation}})
	require.Len(t, list, 1)
	assert.Equal(t, "anthropic/claude-3-5-haiku", list[0].ID)

	// explicit disabled status filter surfaces disabled entries
	list = reg.ListModels(ListFilter{Statuses: []Status{StatusDisabled}})
	require.Len(t, list, 1)
	assert.Equal(t, "openai/gpt-3.5-turbo", list[0].ID)

	list = reg.ListModels(ListFilter{TaskType: "code"})
	assert.Len(t, list, 2)
	list = reg.ListModels(ListFilter{TaskType: "translation"})
	assert.Empty(t, list)
}

func TestRegistryTierFilter(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	premiumOnly := testEntry("openai", "gpt-4o")
	premiumOnly.Governance.AllowedTiers = []TierProfile{TierPremium}
	anyTier := testEntry("openai", "gpt-4o-mini")
	for _, e := range []RegistryEntry{premiumOnly, anyTier} {
		_, err := reg.UpsertModel(ctx, e)
		require.NoError(t, err)
	}

	list := reg.ListModels(ListFilter{Tiers: []TierProfile{TierCheap}})
	require.Len(t, list, 1)
	assert.Equal(t, "openai/gpt-4o-mini", list[0].ID)

	list = reg.ListModels(ListFilter{Tiers: []TierProfile{TierPremium}})
	assert.Len(t, list, 2)
}

func TestRegistryDisableEmitsSignal(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.UpsertModel(ctx, testEntry("openai", "gpt-4o"))
	require.NoError(t, err)

	got, err := reg.DisableModel(ctx, "openai/gpt-4o", "cost_variance")
	require.NoError(t, err)
	assert.Equal(t, StatusDisabled, got.Identity.Status)
	assert.Equal(t, "cost_variance", got.Identity.DisabledReason)
	assert.NotEmpty(t, got.Identity.DisabledAtISO)

	sigs, err := store.LoadSignals(ctx)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "openai/gpt-4o", sigs[0].ModelID)
	assert.Equal(t, string(StatusActive), sigs[0].PreviousStatus)
	assert.Equal(t, string(StatusDisabled), sigs[0].NewStatus)
}

func TestRegistrySetStatusClearsDisabledFields(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.UpsertModel(ctx, testEntry("openai", "gpt-4o"))
	require.NoError(t, err)
	_, err = reg.DisableModel(ctx, "openai/gpt-4o", "manual")
	require.NoError(t, err)

	got, err := reg.SetModelStatus(ctx, "openai/gpt-4o", StatusActive)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Identity.Status)
	assert.Empty(t, got.Identity.DisabledReason)
	assert.Empty(t, got.Identity.DisabledAtISO)

	_, err = reg.SetModelStatus(ctx, "openai/gpt-4o", StatusDisabled)
	assert.Error(t, err, "disable goes through DisableModel")
}

func TestRegistryFallbackWhenEmpty(t *testing.T) {
	reg, store := newTestRegistry(t)
	ctx := context.Background()

	models, fellBack := reg.ListModelsOrFallback(ctx, ListFilter{})
	assert.True(t, fellBack)
	require.Len(t, models, 2)

	events, err := store.LoadFallbackEvents(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	health := reg.Health(ctx)
	assert.Equal(t, HealthFallback, health.State)
	assert.Equal(t, 1, health.FallbackCount24h)
}

func TestRegistryLoadSkipsInvalidEntries(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStorage(dir)
	require.NoError(t, err)

	good := testEntry("openai", "gpt-4o")
	bad := testEntry("openai", "broken")
	bad.Identity.Status = Status("bogus")
	require.NoError(t, store.SaveModels(context.Background(), []RegistryEntry{good, bad}))

	reg := NewRegistry(context.Background(), store)
	list := reg.ListModels(ListFilter{})
	require.Len(t, list, 1)
	assert.Equal(t, "openai/gpt-4o", list[0].ID)
}

func TestRegistryPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStorage(dir)
	require.NoError(t, err)
	ctx := context.Background()

	reg := NewRegistry(ctx, store)
	_, err = reg.UpsertModel(ctx, testEntry("openai", "gpt-4o"))
	require.NoError(t, err)

	reloaded := NewRegistry(ctx, NewFileStorageMust(t, dir))
	got, err := reloaded.GetModel("openai/gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.Reliability)
}

func NewFileStorageMust(t *testing.T, dir string) *FileStorage {
	t.Helper()
	s, err := NewFileStorage(dir)
	require.NoError(t, err)
	return s
}

func TestRegistryUpsertReplacing(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	old := testEntry("openai", "gpt-4o")
	_, err := reg.UpsertModel(ctx, old)
	require.NoError(t, err)

	renamed := testEntry("openai", "gpt-4o-2026")
	_, err = reg.UpsertModelReplacing(ctx, renamed, "openai/gpt-4o")
	require.NoError(t, err)

	_, err = reg.GetModel("openai/gpt-4o")
	assert.ErrorIs(t, err, ErrModelNotFound)
	got, err := reg.GetModel("openai/gpt-4o-2026")
	require.NoError(t, err)
	assert.Equal(t, "openai/gpt-4o-2026", got.ID)
}

func TestSnapshotIsolation(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()
	_, err := reg.UpsertModel(ctx, testEntry("openai", "gpt-4o"))
	require.NoError(t, err)

	snap := reg.Snapshot()
	require.Len(t, snap, 1)

	_, err = reg.DisableModel(ctx, "openai/gpt-4o", "manual")
	require.NoError(t, err)

	// snapshot taken before the disable is unaffected
	assert.Equal(t, StatusActive, snap[0].Identity.Status)
}
