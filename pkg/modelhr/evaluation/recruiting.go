package evaluation

import (
	"context"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/maestro/pkg/canonicalize"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
)

// ProviderModelInput is the provider-catalog view of one model, fed in by
// the recruiting sweep.
type ProviderModelInput struct {
	ModelID      string              `json:"modelId"`
	Aliases      []string            `json:"aliases,omitempty"`
	Pricing      modelhr.Pricing     `json:"pricing"`
	Expertise    map[string]float64  `json:"expertise,omitempty"`
	Reliability  float64             `json:"reliability,omitempty"`
	Capabilities []string            `json:"capabilities,omitempty"`
	Guardrails   modelhr.Guardrails  `json:"guardrails,omitempty"`
	Governance   *modelhr.Governance `json:"governance,omitempty"`
}

// RecruitOptions alter the recruiting defaults.
type RecruitOptions struct {
	// ForceActiveOverride admits a brand-new model as active instead of
	// the usual probation-with-pending-canary.
	ForceActiveOverride bool
}

// RecruitResult describes what the sweep did for one model.
type RecruitResult struct {
	Action string                 `json:"action"` // created | updated | skipped
	Reason string                 `json:"reason"` // model_created | status_forced_override | pricing_changed | metadata_changed | unchanged
	Entry  *modelhr.RegistryEntry `json:"entry,omitempty"`
}

// Recruiter diffs provider catalogs against the registry.
type Recruiter struct {
	registry *modelhr.Registry
	logger   *slog.Logger
	clock    func() time.Time
}

func NewRecruiter(registry *modelhr.Registry) *Recruiter {
	return &Recruiter{
		registry: registry,
		logger:   slog.Default().With("component", "model-hr.recruiting"),
		clock:    time.Now,
	}
}

// ProcessProviderModel creates or updates the registry entry for one
// provider model. New models land in probation with canary pending;
// pricing changes preserve priors and canary state.
func (r *Recruiter) ProcessProviderModel(ctx context.Context, provider string, input ProviderModelInput, opts RecruitOptions) (RecruitResult, error) {
	canonical := modelhr.CanonicalID(provider, input.ModelID)
	existing := r.locate(canonical, provider, input.ModelID)

	if existing == nil {
		return r.create(ctx, provider, canonical, input, opts)
	}

	updated := *existing
	updated.ID = canonical
	updated.Pricing = input.Pricing
	updated.Identity.Aliases = input.Aliases
	updated.Expertise = input.Expertise
	if input.Reliability > 0 {
		updated.Reliability = input.Reliability
	}
	updated.Capabilities = input.Capabilities
	updated.Guardrails = input.Guardrails

	migrating := existing.ID != canonical
	pricingChanged := existing.Pricing != input.Pricing
	metadataChanged := metadataHash(existing) != metadataHash(&updated)
	if !pricingChanged && !metadataChanged && !migrating {
		return RecruitResult{Action: "skipped", Reason: "unchanged", Entry: existing}, nil
	}

	// priors, canary metadata, and status all survive catalog updates; an
	// entry found under a stale id is re-keyed to its canonical id
	var saved *modelhr.RegistryEntry
	var err error
	if migrating {
		saved, err = r.registry.UpsertModelReplacing(ctx, updated, existing.ID)
	} else {
		saved, err = r.registry.UpsertModel(ctx, updated)
	}
	if err != nil {
		return RecruitResult{}, err
	}

	reason := "metadata_changed"
	if pricingChanged {
		reason = "pricing_changed"
	}
	r.registry.EmitSignal(ctx, modelhr.HrSignal{
		ModelID:        saved.ID,
		PreviousStatus: string(saved.Identity.Status),
		NewStatus:      string(saved.Identity.Status),
		Reason:         reason,
	})
	return RecruitResult{Action: "updated", Reason: reason, Entry: saved}, nil
}

func (r *Recruiter) create(ctx context.Context, provider, canonical string, input ProviderModelInput, opts RecruitOptions) (RecruitResult, error) {
	status := modelhr.StatusProbation
	reason := "model_created"
	if opts.ForceActiveOverride {
		status = modelhr.StatusActive
		reason = "status_forced_override"
	}

	entry := modelhr.RegistryEntry{
		ID: canonical,
		Identity: modelhr.Identity{
			Provider: provider,
			ModelID:  input.ModelID,
			Status:   status,
			Aliases:  input.Aliases,
		},
		Pricing:        input.Pricing,
		Expertise:      input.Expertise,
		Reliability:    input.Reliability,
		Capabilities:   input.Capabilities,
		Guardrails:     input.Guardrails,
		EvaluationMeta: modelhr.EvaluationMeta{CanaryStatus: modelhr.CanaryNone},
	}
	if input.Governance != nil {
		entry.Governance = *input.Governance
	}

	saved, err := r.registry.UpsertModel(ctx, entry)
	if err != nil {
		return RecruitResult{}, err
	}
	r.registry.EmitSignal(ctx, modelhr.HrSignal{
		ModelID:        saved.ID,
		PreviousStatus: "none",
		NewStatus:      string(status),
		Reason:         reason,
	})
	r.logger.Info("recruited model", "modelId", saved.ID, "status", status)
	return RecruitResult{Action: "created", Reason: reason, Entry: saved}, nil
}

// locate resolves by canonical id first, then by raw modelId within the
// same provider.
func (r *Recruiter) locate(canonical, provider, modelID string) *modelhr.RegistryEntry {
	if e, err := r.registry.GetModel(canonical); err == nil {
		return e
	}
	for _, e := range r.registry.ListModels(modelhr.ListFilter{Provider: provider, IncludeDisabled: true}) {
		if e.Identity.ModelID == modelID {
			entry := e
			return &entry
		}
	}
	return nil
}

func metadataHash(e *modelhr.RegistryEntry) string {
	h, err := canonicalize.ShortHash(map[string]any{
		"aliases":      e.Identity.Aliases,
		"expertise":    e.Expertise,
		"reliability":  e.Reliability,
		"capabilities": e.Capabilities,
		"guardrails":   e.Guardrails,
	})
	if err != nil {
		return ""
	}
	return h
}
