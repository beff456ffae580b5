package router

import (
	"sort"

	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
	"github.com/Mindburn-Labs/maestro/pkg/modelhr/policy"
	"github.com/Mindburn-Labs/maestro/pkg/trust"
)

// Recommendation assigns models to the five fixed portfolio slots.
type Recommendation struct {
	WorkerCheap          string `json:"workerCheap"`
	WorkerImplementation string `json:"workerImplementation"`
	WorkerStrategy       string `json:"workerStrategy"`
	QAPrimary            string `json:"qaPrimary"`
	QABackup             string `json:"qaBackup"`
	GeneratedAtISO       string `json:"generatedAtISO,omitempty"`
	Signature            string `json:"signature,omitempty"`
}

// SlotModelIDs returns the distinct model ids across all filled slots.
func (r *Recommendation) SlotModelIDs() []string {
	seen := map[string]bool{}
	var out []string
	for _, id := range []string{r.WorkerCheap, r.WorkerImplementation, r.WorkerStrategy, r.QAPrimary, r.QABackup} {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// Validation reports whether every slot model still exists in the registry.
type Validation struct {
	Valid           bool     `json:"valid"`
	MissingModelIDs []string `json:"missingModelIds,omitempty"`
}

// ValidateRecommendation checks slot coverage against a registry snapshot.
func ValidateRecommendation(rec *Recommendation, models []modelhr.RegistryEntry) Validation {
	present := make(map[string]bool, len(models))
	for i := range models {
		present[models[i].ID] = true
	}
	v := Validation{Valid: true}
	for _, id := range rec.SlotModelIDs() {
		if !present[id] {
			v.Valid = false
			v.MissingModelIDs = append(v.MissingModelIDs, id)
		}
	}
	sort.Strings(v.MissingModelIDs)
	return v
}

// BuilderConfig tunes portfolio slot selection.
type BuilderConfig struct {
	// MinPredictedQuality is the score floor for implementation and
	// strategy slots; tuning may lower it (floor 0.5).
	MinPredictedQuality float64
}

// Builder derives a Recommendation from a scored registry snapshot plus
// trust.
type Builder struct {
	engine  *policy.Engine
	tracker *trust.Tracker
}

func NewBuilder(engine *policy.Engine, tracker *trust.Tracker) *Builder {
	return &Builder{engine: engine, tracker: tracker}
}

// Build fills the five slots:
//   - workerCheap: cheapest active model viable on the cheap tier
//   - workerImplementation / workerStrategy: highest scoring at standard /
//     premium, subject to the quality floor
//   - qaPrimary / qaBackup: top two by QA trust, tie-broken by score
func (b *Builder) Build(models []modelhr.RegistryEntry, cfg BuilderConfig) *Recommendation {
	minQuality := cfg.MinPredictedQuality
	if minQuality <= 0 {
		minQuality = 0.60
	}

	type scored struct {
		id      string
		score   float64
		cost    float64
		qaTrust float64
	}
	var pool []scored
	for i := range models {
		m := &models[i]
		if m.Identity.Status == modelhr.StatusDisabled || m.Governance.KillSwitch {
			continue
		}
		ctx := policy.Context{
			TaskType:           "general",
			Difficulty:         "medium",
			TierProfile:        modelhr.TierStandard,
			BudgetRemainingUSD: 1,
			EstimatedInTokens:  1200,
			EstimatedOutTokens: 600,
		}
		s := b.engine.ComputeModelScore(m, ctx)
		pool = append(pool, scored{
			id:      m.ID,
			score:   s.FinalScore,
			cost:    policy.PredictedCostUSD(m, ctx),
			qaTrust: b.tracker.Get(m.ID, trust.RoleQA).Value(),
		})
	}
	if len(pool) == 0 {
		return nil
	}

	rec := &Recommendation{}

	byCost := append([]scored(nil), pool...)
	sort.SliceStable(byCost, func(i, j int) bool {
		if byCost[i].cost != byCost[j].cost {
			return byCost[i].cost < byCost[j].cost
		}
		return byCost[i].score > byCost[j].score
	})
	rec.WorkerCheap = byCost[0].id

	byScore := append([]scored(nil), pool...)
	sort.SliceStable(byScore, func(i, j int) bool {
		if byScore[i].score != byScore[j].score {
			return byScore[i].score > byScore[j].score
		}
		return byScore[i].cost < byScore[j].cost
	})
	for _, c := range byScore {
		if c.score >= minQuality {
			rec.WorkerImplementation = c.id
			break
		}
	}
	if rec.WorkerImplementation == "" {
		rec.WorkerImplementation = byScore[0].id
	}
	for _, c := range byScore {
		if c.id != rec.WorkerImplementation && c.score >= minQuality {
			rec.WorkerStrategy = c.id
			break
		}
	}
	if rec.WorkerStrategy == "" {
		rec.WorkerStrategy = rec.WorkerImplementation
	}

	byQATrust := append([]scored(nil), pool...)
	sort.SliceStable(byQATrust, func(i, j int) bool {
		if byQATrust[i].qaTrust != byQATrust[j].qaTrust {
			return byQATrust[i].qaTrust > byQATrust[j].qaTrust
		}
		return byQATrust[i].score > byQATrust[j].score
	})
	rec.QAPrimary = byQATrust[0].id
	if len(byQATrust) > 1 {
		rec.QABackup = byQATrust[1].id
	} else {
		rec.QABackup = rec.QAPrimary
	}

	return rec
}
