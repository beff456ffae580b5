// Package evaluation owns model observations and priors, the canary suite,
// recruiting diffs, and the HR actions queue. Everything here is telemetry
// from the run's point of view: failures degrade to warnings, never errors.
package evaluation

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
)

const (
	// EWMA weight applied to the newest sample.
	ewmaAlpha = 0.30

	costMultiplierMin = 0.1
	costMultiplierMax = 20.0

	// Samples needed before auto-probation may trigger.
	autoProbationMinSamples = 30

	defaultObservationsCap = 500
)

// Service recomputes priors from observations and drives lifecycle
// recommendations. It exclusively owns observations and priors.
type Service struct {
	registry *modelhr.Registry
	storage  modelhr.Storage
	actions  *ActionsQueue
	logger   *slog.Logger
	clock    func() time.Time

	observationsCap int
}

func NewService(registry *modelhr.Registry, storage modelhr.Storage, actions *ActionsQueue) *Service {
	return &Service{
		registry:        registry,
		storage:         storage,
		actions:         actions,
		logger:          slog.Default().With("component", "model-hr.evaluation"),
		clock:           time.Now,
		observationsCap: defaultObservationsCap,
	}
}

// WithObservationsCap overrides the per-model observation ceiling.
func (s *Service) WithObservationsCap(n int) *Service {
	if n > 0 {
		s.observationsCap = n
	}
	return s
}

// WithClock injects a deterministic clock for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// RecordObservation appends the observation (enforcing the per-model cap),
// recomputes the (taskType, difficulty) prior, and checks auto-probation.
// It never returns an error; storage failures are logged.
func (s *Service) RecordObservation(ctx context.Context, obs modelhr.Observation) {
	if obs.TsISO == "" {
		obs.TsISO = modelhr.NowISO(s.clock())
	}

	existing, err := s.storage.LoadObservations(ctx, obs.ModelID)
	if err != nil {
		s.logger.Warn("observations read failed", "modelId", obs.ModelID, "error", err)
		existing = nil
	}
	existing = append(existing, obs)
	if len(existing) > s.observationsCap {
		existing = existing[len(existing)-s.observationsCap:]
	}
	if err := s.storage.SaveObservations(ctx, obs.ModelID, existing); err != nil {
		s.logger.Warn("observations write failed", "modelId", obs.ModelID, "error", err)
	}

	prior := s.recomputePrior(ctx, obs.ModelID, obs.TaskType, obs.Difficulty, existing)
	if prior != nil {
		s.maybeAutoProbation(ctx, obs.ModelID, prior, existing)
	}
}

// Observations returns the stored observations for a model, newest last.
func (s *Service) Observations(ctx context.Context, modelID string) []modelhr.Observation {
	obs, err := s.storage.LoadObservations(ctx, modelID)
	if err != nil {
		s.logger.Warn("observations read failed", "modelId", modelID, "error", err)
		return nil
	}
	return obs
}

// Priors returns the stored priors for a model.
func (s *Service) Priors(ctx context.Context, modelID string) []modelhr.PerformancePrior {
	priors, err := s.storage.LoadPriors(ctx, modelID)
	if err != nil {
		s.logger.Warn("priors read failed", "modelId", modelID, "error", err)
		return nil
	}
	return priors
}

// recomputePrior folds the full (taskType, difficulty) slice into an EWMA
// prior and persists it, also pushing the refreshed priors into the registry
// entry so routing snapshots see them.
func (s *Service) recomputePrior(ctx context.Context, modelID, taskType, difficulty string, all []modelhr.Observation) *modelhr.PerformancePrior {
	var slice []modelhr.Observation
	for _, o := range all {
		if o.TaskType == taskType && o.Difficulty == difficulty {
			slice = append(slice, o)
		}
	}
	if len(slice) == 0 {
		return nil
	}

	var quality, costMult float64
	var defects int
	for i, o := range slice {
		ratio := 1.0
		if o.PredictedCostUSD > 0 {
			ratio = clamp(o.ActualCostUSD/o.PredictedCostUSD, costMultiplierMin, costMultiplierMax)
		}
		if i == 0 {
			quality = o.ActualQuality
			costMult = ratio
		} else {
			quality = ewmaAlpha*o.ActualQuality + (1-ewmaAlpha)*quality
			costMult = ewmaAlpha*ratio + (1-ewmaAlpha)*costMult
		}
		defects += o.DefectCount
	}

	n := len(slice)
	prior := modelhr.PerformancePrior{
		TaskType:              taskType,
		Difficulty:            difficulty,
		QualityPrior:          quality,
		CostMultiplier:        clamp(costMult, costMultiplierMin, costMultiplierMax),
		CalibrationConfidence: math.Min(1, float64(n)/50),
		SampleCount:           n,
		LastUpdatedISO:        modelhr.NowISO(s.clock()),
		DefectRate:            float64(defects) / float64(n),
	}

	priors, err := s.storage.LoadPriors(ctx, modelID)
	if err != nil {
		s.logger.Warn("priors read failed", "modelId", modelID, "error", err)
		priors = nil
	}
	replaced := false
	for i := range priors {
		if priors[i].TaskType == taskType && priors[i].Difficulty == difficulty {
			priors[i] = prior
			replaced = true
			break
		}
	}
	if !replaced {
		priors = append(priors, prior)
	}
	if err := s.storage.SavePriors(ctx, modelID, priors); err != nil {
		s.logger.Warn("priors write failed", "modelId", modelID, "error", err)
	}

	if entry, err := s.registry.GetModel(modelID); err == nil {
		entry.PerformancePriors = priors
		if _, err := s.registry.UpsertModel(ctx, *entry); err != nil {
			s.logger.Warn("prior sync to registry failed", "modelId", modelID, "error", err)
		}
	}
	return &prior
}

// maybeAutoProbation demotes a calibrated underperformer, or enqueues an HR
// action instead when auto-disable is turned off for the model.
func (s *Service) maybeAutoProbation(ctx context.Context, modelID string, prior *modelhr.PerformancePrior, all []modelhr.Observation) {
	if prior.SampleCount < autoProbationMinSamples {
		return
	}
	entry, err := s.registry.GetModel(modelID)
	if err != nil {
		return
	}
	if entry.Identity.Status != modelhr.StatusActive {
		return
	}

	gov := entry.Governance
	qualityBreach := gov.MinQualityPrior > 0 && prior.QualityPrior < gov.MinQualityPrior
	costBreach := gov.MaxCostVarianceRatio > 0 && avgCostRatio(all, prior.TaskType, prior.Difficulty) > gov.MaxCostVarianceRatio
	if !qualityBreach && !costBreach {
		return
	}

	reason := "quality_below_min_prior"
	if costBreach && !qualityBreach {
		reason = "cost_variance_exceeded"
	}

	if gov.DisableAutoDisable {
		s.actions.Enqueue(ctx, modelID, modelhr.ActionProbation, reason, "evaluation")
		return
	}
	if _, err := s.registry.SetModelStatusWithReason(ctx, modelID, modelhr.StatusProbation, "auto_probation:"+reason); err != nil {
		s.logger.Warn("auto-probation failed", "modelId", modelID, "error", err)
	}
}

func avgCostRatio(all []modelhr.Observation, taskType, difficulty string) float64 {
	var sum float64
	var n int
	for _, o := range all {
		if o.TaskType != taskType || o.Difficulty != difficulty || o.PredictedCostUSD <= 0 {
			continue
		}
		sum += o.ActualCostUSD / o.PredictedCostUSD
		n++
	}
	if n == 0 {
		return 1
	}
	return sum / float64(n)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
