// Package analytics rolls run ledgers up into summaries and KPIs, and derives
// deterministic tuning proposals from them. Everything here is a pure
// projection; the only mutable state is the process-wide tuning config.
package analytics

import (
	"sort"

	"github.com/Mindburn-Labs/maestro/pkg/ledger"
)

const topReasonsN = 5

// ReasonCount pairs a reason string with how often it occurred.
type ReasonCount struct {
	Reason string `json:"reason"`
	Count  int    `json:"count"`
}

// CostSummary mirrors the ledger cost buckets plus the derived total.
type CostSummary struct {
	CouncilUSD         float64 `json:"councilUSD"`
	WorkerUSD          float64 `json:"workerUSD"`
	QAUSD              float64 `json:"qaUSD"`
	DeterministicQaUSD float64 `json:"deterministicQaUSD"`
	TotalUSD           float64 `json:"totalUSD"`
}

// RoutingSummary aggregates the ROUTE decisions of one run.
type RoutingSummary struct {
	PortfolioMode    string        `json:"portfolioMode,omitempty"`
	Routes           int           `json:"routes"`
	Bypasses         int           `json:"bypasses"`
	BypassRate       float64       `json:"bypassRate"`
	TopBypassReasons []ReasonCount `json:"topBypassReasons,omitempty"`
}

// GovernanceSummary aggregates escalations and council behavior.
type GovernanceSummary struct {
	Escalations            int  `json:"escalations"`
	CouncilPlanningSkipped bool `json:"councilPlanningSkipped"`
}

// VarianceSummary aggregates calibration coverage for one run.
type VarianceSummary struct {
	Recorded        int           `json:"recorded"`
	Skipped         int           `json:"skipped"`
	TopSkipReasons  []ReasonCount `json:"topSkipReasons,omitempty"`
	QaTrustLowCount int           `json:"qaTrustLowCount"`
}

// QualitySummary averages QA outcomes where the run recorded them.
type QualitySummary struct {
	AvgQaQualityScore     float64 `json:"avgQaQualityScore"`
	QualitySamples        int     `json:"qualitySamples"`
	DeterministicPassRate float64 `json:"deterministicPassRate"`
	DeterministicSamples  int     `json:"deterministicSamples"`
}

// RunSummary is the per-run analytics rollup.
type RunSummary struct {
	RunSessionID string            `json:"runSessionId"`
	Status       ledger.Status     `json:"status"`
	StartedAtISO string            `json:"startedAtISO"`
	Counts       ledger.Counts     `json:"counts"`
	Costs        CostSummary       `json:"costs"`
	Routing      RoutingSummary    `json:"routing"`
	Governance   GovernanceSummary `json:"governance"`
	Variance     VarianceSummary   `json:"variance"`
	Quality      QualitySummary    `json:"quality"`
}

// SummarizeLedger projects one ledger into its summary. The input is never
// mutated; identical ledgers yield identical summaries.
func SummarizeLedger(l *ledger.Ledger) RunSummary {
	s := RunSummary{
		RunSessionID: l.RunSessionID,
		Status:       l.Status,
		StartedAtISO: l.StartedAtISO,
		Counts:       l.Counts,
		Costs: CostSummary{
			CouncilUSD:         l.Costs.CouncilUSD,
			WorkerUSD:          l.Costs.WorkerUSD,
			QAUSD:              l.Costs.QAUSD,
			DeterministicQaUSD: l.Costs.DeterministicQaUSD,
			TotalUSD:           l.Costs.TotalUSD(),
		},
	}

	s.Routing.PortfolioMode = l.PortfolioMode
	bypassReasons := map[string]int{}
	qualitySum := 0.0
	deterministicPasses := 0

	for _, d := range l.Decisions {
		switch d.Type {
		case ledger.DecisionRoute:
			s.Routing.Routes++
			if asBool(d.Details["portfolioBypassed"]) {
				s.Routing.Bypasses++
				if reason, ok := d.Details["portfolioBypassReason"].(string); ok && reason != "" {
					bypassReasons[reason]++
				}
			}
		case ledger.DecisionEscalation:
			s.Governance.Escalations++
		}
		if v, ok := asFloat(d.Details["qualityScore"]); ok {
			qualitySum += v
			s.Quality.QualitySamples++
		}
		if v, present := d.Details["deterministicPass"]; present {
			s.Quality.DeterministicSamples++
			if asBool(v) {
				deterministicPasses++
			}
		}
	}
	if s.Routing.Routes > 0 {
		s.Routing.BypassRate = float64(s.Routing.Bypasses) / float64(s.Routing.Routes)
	}
	s.Routing.TopBypassReasons = topReasons(bypassReasons, topReasonsN)

	s.Governance.CouncilPlanningSkipped = asBool(l.Meta["councilPlanningSkipped"])

	s.Variance.Recorded = l.Variance.Recorded
	s.Variance.Skipped = l.Variance.Skipped
	s.Variance.TopSkipReasons = topReasons(l.Variance.SkipReasons, topReasonsN)
	s.Variance.QaTrustLowCount = l.Variance.SkipReasons["qa_trust_low"]

	if s.Quality.QualitySamples > 0 {
		s.Quality.AvgQaQualityScore = qualitySum / float64(s.Quality.QualitySamples)
	}
	if s.Quality.DeterministicSamples > 0 {
		s.Quality.DeterministicPassRate = float64(deterministicPasses) / float64(s.Quality.DeterministicSamples)
	}
	return s
}

// topReasons sorts a reason histogram by count descending, reason ascending
// on ties, keeping at most n entries.
func topReasons(counts map[string]int, n int) []ReasonCount {
	if len(counts) == 0 {
		return nil
	}
	out := make([]ReasonCount, 0, len(counts))
	for reason, count := range counts {
		out = append(out, ReasonCount{Reason: reason, Count: count})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Reason < out[j].Reason
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// asFloat tolerates the numeric types that survive a ledger's JSON snapshot
// round trip.
func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func asBool(v any) bool {
	b, ok := v.(bool)
	return ok && b
}
