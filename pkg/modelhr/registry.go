package modelhr

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrModelNotFound is returned when no entry resolves for an id or alias.
var ErrModelNotFound = errors.New("model not found")

// Registry is the source of truth for candidate models. It exclusively owns
// every entry; other subsystems hold read-only views keyed by canonical id.
type Registry struct {
	mu      sync.RWMutex
	storage Storage
	entries map[string]*RegistryEntry // canonical id -> entry
	logger  *slog.Logger
	clock   func() time.Time

	lastLoadError string
}

// ListFilter narrows ListModels results.
type ListFilter struct {
	Statuses        []Status
	Provider        string
	Tiers           []TierProfile
	TaskType        string
	IncludeDisabled bool
}

// NewRegistry loads entries from storage. Invalid persisted entries are
// skipped with a single-line warning; a failing load starts empty.
func NewRegistry(ctx context.Context, storage Storage) *Registry {
	r := &Registry{
		storage: storage,
		entries: make(map[string]*RegistryEntry),
		logger:  slog.Default().With("component", "model-hr.registry"),
		clock:   time.Now,
	}

	loaded, err := storage.LoadModels(ctx)
	if err != nil {
		r.lastLoadError = err.Error()
		r.logger.Warn("registry load failed, starting empty", "error", err)
		return r
	}
	for i := range loaded {
		entry := loaded[i]
		if err := ValidateEntry(&entry); err != nil {
			r.logger.Warn("skipping invalid registry entry",
				"id", entry.ID, "modelId", entry.Identity.ModelID, "issue", firstLine(err))
			continue
		}
		r.entries[entry.ID] = &entry
	}
	return r
}

// WithClock injects a deterministic clock for tests.
func (r *Registry) WithClock(clock func() time.Time) *Registry {
	r.clock = clock
	return r
}

// ListModels returns entries matching the filter, sorted by canonical id.
// Disabled entries are excluded unless IncludeDisabled or an explicit
// disabled status filter is given.
func (r *Registry) ListModels(filter ListFilter) []RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		if !matchesFilter(e, filter) {
			continue
		}
		out = append(out, *cloneEntry(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListModelsOrFallback degrades to FallbackModels when the filtered list is
// empty, recording a registry-fallback event.
func (r *Registry) ListModelsOrFallback(ctx context.Context, filter ListFilter) (models []RegistryEntry, fellBack bool) {
	models = r.ListModels(filter)
	if len(models) > 0 {
		return models, false
	}

	ev := FallbackEvent{TsISO: NowISO(r.clock()), Reason: "registry_empty"}
	if err := r.storage.AppendFallbackEvent(ctx, ev); err != nil {
		r.logger.Warn("fallback event write failed", "error", err)
	}
	return FallbackModels(), true
}

// GetModel resolves canonical id, then identity.modelId, then aliases.
func (r *Registry) GetModel(id string) (*RegistryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[id]; ok {
		return cloneEntry(e), nil
	}
	for _, e := range r.entries {
		if e.Identity.ModelID == id {
			return cloneEntry(e), nil
		}
	}
	for _, e := range r.entries {
		for _, alias := range e.Identity.Aliases {
			if alias == id {
				return cloneEntry(e), nil
			}
		}
	}
	return nil, ErrModelNotFound
}

// UpsertModel validates and stores an entry, preserving createdAtISO for
// existing entries and stamping updatedAtISO. Persistence failures are
// swallowed to a warning (I2); validation failures are returned.
func (r *Registry) UpsertModel(ctx context.Context, entry RegistryEntry) (*RegistryEntry, error) {
	if entry.ID == "" {
		entry.ID = CanonicalID(entry.Identity.Provider, entry.Identity.ModelID)
	}
	if err := ValidateEntry(&entry); err != nil {
		r.logger.Warn("dropping invalid upsert",
			"id", entry.ID, "modelId", entry.Identity.ModelID, "issue", firstLine(err))
		return nil, err
	}

	r.mu.Lock()
	now := NowISO(r.clock())
	if existing, ok := r.entries[entry.ID]; ok {
		entry.CreatedAtISO = existing.CreatedAtISO
	} else if entry.CreatedAtISO == "" {
		entry.CreatedAtISO = now
	}
	entry.UpdatedAtISO = now
	r.entries[entry.ID] = &entry
	r.mu.Unlock()

	r.persist(ctx)
	return cloneEntry(&entry), nil
}

// UpsertModelReplacing atomically replaces oldID with the new entry; used
// for canonical-id migrations during recruiting.
func (r *Registry) UpsertModelReplacing(ctx context.Context, entry RegistryEntry, oldID string) (*RegistryEntry, error) {
	if err := ValidateEntry(&entry); err != nil {
		return nil, err
	}

	r.mu.Lock()
	now := NowISO(r.clock())
	if existing, ok := r.entries[oldID]; ok {
		entry.CreatedAtISO = existing.CreatedAtISO
		delete(r.entries, oldID)
	} else if entry.CreatedAtISO == "" {
		entry.CreatedAtISO = now
	}
	entry.UpdatedAtISO = now
	r.entries[entry.ID] = &entry
	r.mu.Unlock()

	r.persist(ctx)
	return cloneEntry(&entry), nil
}

// DisableModel marks an entry disabled and emits an HR signal.
func (r *Registry) DisableModel(ctx context.Context, id, reason string) (*RegistryEntry, error) {
	return r.transition(ctx, id, StatusDisabled, reason)
}

// SetModelStatus moves an entry to active or probation, clearing disabled
// fields, and emits an HR signal.
func (r *Registry) SetModelStatus(ctx context.Context, id string, status Status) (*RegistryEntry, error) {
	if status != StatusActive && status != StatusProbation {
		return nil, errors.New("status must be active or probation")
	}
	return r.transition(ctx, id, status, "status_set")
}

// SetModelStatusWithReason is SetModelStatus with a caller-supplied signal
// reason, used by evaluation transitions (canary, auto-probation).
func (r *Registry) SetModelStatusWithReason(ctx context.Context, id string, status Status, reason string) (*RegistryEntry, error) {
	if status != StatusActive && status != StatusProbation {
		return nil, errors.New("status must be active or probation")
	}
	return r.transition(ctx, id, status, reason)
}

func (r *Registry) transition(ctx context.Context, id string, status Status, reason string) (*RegistryEntry, error) {
	r.mu.Lock()
	e, ok := r.resolveLocked(id)
	if !ok {
		r.mu.Unlock()
		return nil, ErrModelNotFound
	}

	previous := e.Identity.Status
	now := NowISO(r.clock())
	e.Identity.Status = status
	if status == StatusDisabled {
		e.Identity.DisabledAtISO = now
		e.Identity.DisabledReason = reason
	} else {
		e.Identity.DisabledAtISO = ""
		e.Identity.DisabledReason = ""
	}
	e.UpdatedAtISO = now
	snapshot := cloneEntry(e)
	r.mu.Unlock()

	r.persist(ctx)
	r.EmitSignal(ctx, HrSignal{
		ModelID:        snapshot.ID,
		PreviousStatus: string(previous),
		NewStatus:      string(status),
		Reason:         reason,
		TsISO:          now,
	})
	return snapshot, nil
}

// EmitSignal appends an HR signal best-effort.
func (r *Registry) EmitSignal(ctx context.Context, sig HrSignal) {
	if sig.TsISO == "" {
		sig.TsISO = NowISO(r.clock())
	}
	if err := r.storage.AppendSignal(ctx, sig); err != nil {
		r.logger.Warn("signal write failed", "modelId", sig.ModelID, "error", err)
	}
}

// Signals returns signals newer than the cutoff.
func (r *Registry) Signals(ctx context.Context, since time.Time) []HrSignal {
	all, err := r.storage.LoadSignals(ctx)
	if err != nil {
		r.logger.Warn("signal read failed", "error", err)
		return nil
	}
	out := make([]HrSignal, 0, len(all))
	for _, sig := range all {
		ts, err := time.Parse(time.RFC3339, sig.TsISO)
		if err != nil || ts.Before(since) {
			continue
		}
		out = append(out, sig)
	}
	return out
}

// Snapshot returns a deep copy of all entries, including disabled ones.
// Runs take one snapshot at start; later registry updates do not affect it.
func (r *Registry) Snapshot() []RegistryEntry {
	return r.ListModels(ListFilter{IncludeDisabled: true})
}

// Health summarises the fallback window and last load error.
func (r *Registry) Health(ctx context.Context) Health {
	h := Health{State: HealthOK, LastRegistryLoadError: r.lastLoadError}

	events, err := r.storage.LoadFallbackEvents(ctx)
	if err != nil {
		r.logger.Warn("fallback events read failed", "error", err)
	}
	cutoff := r.clock().Add(-24 * time.Hour)
	for _, ev := range events {
		ts, err := time.Parse(time.RFC3339, ev.TsISO)
		if err == nil && ts.After(cutoff) {
			h.FallbackCount24h++
		}
	}
	if h.FallbackCount24h > 0 {
		h.State = HealthFallback
	}
	if fs, ok := r.storage.(*FileStorage); ok {
		h.RegistryFileSizeBytes, h.RegistryFileModified = fs.ModelsFileInfo()
	}
	return h
}

// resolveLocked resolves id to a live entry under the write lock.
func (r *Registry) resolveLocked(id string) (*RegistryEntry, bool) {
	if e, ok := r.entries[id]; ok {
		return e, true
	}
	for _, e := range r.entries {
		if e.Identity.ModelID == id {
			return e, true
		}
		for _, alias := range e.Identity.Aliases {
			if alias == id {
				return e, true
			}
		}
	}
	return nil, false
}

// persist writes the full entry set; failures are logged, never raised (I2).
func (r *Registry) persist(ctx context.Context) {
	r.mu.RLock()
	entries := make([]RegistryEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, *cloneEntry(e))
	}
	r.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	if err := r.storage.SaveModels(ctx, entries); err != nil {
		r.logger.Warn("registry persist failed", "error", err)
	}
}

func matchesFilter(e *RegistryEntry, f ListFilter) bool {
	if e.Identity.Status == StatusDisabled && !f.IncludeDisabled && !containsStatus(f.Statuses, StatusDisabled) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, e.Identity.Status) {
		return false
	}
	if f.Provider != "" && e.Identity.Provider != f.Provider {
		return false
	}
	if len(f.Tiers) > 0 {
		any := false
		for _, t := range f.Tiers {
			if e.AllowsTier(t) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	if f.TaskType != "" {
		if _, ok := e.Expertise[f.TaskType]; !ok {
			return false
		}
	}
	return true
}

func containsStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func cloneEntry(e *RegistryEntry) *RegistryEntry {
	out := *e
	out.Identity.Aliases = append([]string(nil), e.Identity.Aliases...)
	out.Capabilities = append([]string(nil), e.Capabilities...)
	out.PerformancePriors = append([]PerformancePrior(nil), e.PerformancePriors...)
	out.Guardrails.RestrictedUseCases = append([]string(nil), e.Guardrails.RestrictedUseCases...)
	out.Governance.AllowedTiers = append([]TierProfile(nil), e.Governance.AllowedTiers...)
	out.Governance.BlockedProviders = append([]string(nil), e.Governance.BlockedProviders...)
	out.Governance.BlockedTaskTypes = append([]string(nil), e.Governance.BlockedTaskTypes...)
	if e.Expertise != nil {
		out.Expertise = make(map[string]float64, len(e.Expertise))
		for k, v := range e.Expertise {
			out.Expertise[k] = v
		}
	}
	if e.Governance.CanaryThresholds != nil {
		ct := *e.Governance.CanaryThresholds
		out.Governance.CanaryThresholds = &ct
	}
	if e.Governance.EligibilityRules != nil {
		er := *e.Governance.EligibilityRules
		if e.Governance.EligibilityRules.WhenBudgetAbove != nil {
			b := *e.Governance.EligibilityRules.WhenBudgetAbove
			er.WhenBudgetAbove = &b
		}
		if e.Governance.EligibilityRules.WhenImportanceBelow != nil {
			imp := *e.Governance.EligibilityRules.WhenImportanceBelow
			er.WhenImportanceBelow = &imp
		}
		out.Governance.EligibilityRules = &er
	}
	return &out
}

func firstLine(err error) string {
	msg := err.Error()
	for i, r := range msg {
		if r == '\n' {
			return msg[:i]
		}
	}
	return msg
}
