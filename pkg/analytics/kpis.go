package analytics

// TrendWindow is one half of a recent/older KPI split.
type TrendWindow struct {
	Runs          int     `json:"runs"`
	AvgTotalUSD   float64 `json:"avgTotalUSD"`
	AvgBypassRate float64 `json:"avgBypassRate"`
}

// Trend compares the recent half of the summaries against the older half.
// Deltas are recent minus older: positive cost delta means spend is rising.
type Trend struct {
	Recent          TrendWindow `json:"recent"`
	Older           TrendWindow `json:"older"`
	CostDelta       float64     `json:"costDelta"`
	BypassRateDelta float64     `json:"bypassRateDelta"`
}

// Kpis aggregates a window of run summaries.
type Kpis struct {
	Runs                       int     `json:"runs"`
	TotalUSD                   float64 `json:"totalUSD"`
	TotalUSDPerRun             float64 `json:"totalUSDPerRun"`
	Packages                   int     `json:"packages"`
	Completed                  int     `json:"completed"`
	Failed                     int     `json:"failed"`
	Escalated                  int     `json:"escalated"`
	BypassRate                 float64 `json:"bypassRate"`
	CouncilPlanningSkippedRate float64 `json:"councilPlanningSkippedRate"`
	Trend                      *Trend  `json:"trend,omitempty"`
}

// AggregateKpis folds summaries, expected newest-first as ListLedgers returns
// them. Bypass rate is weighted by route count, not averaged per run. A trend
// appears once at least 10 summaries are available.
func AggregateKpis(summaries []RunSummary) Kpis {
	k := Kpis{Runs: len(summaries)}
	if k.Runs == 0 {
		return k
	}

	routes, bypasses, skipped := 0, 0, 0
	for _, s := range summaries {
		k.TotalUSD += s.Costs.TotalUSD
		k.Packages += s.Counts.Packages
		k.Completed += s.Counts.Completed
		k.Failed += s.Counts.Failed
		k.Escalated += s.Counts.Escalated
		routes += s.Routing.Routes
		bypasses += s.Routing.Bypasses
		if s.Governance.CouncilPlanningSkipped {
			skipped++
		}
	}
	k.TotalUSDPerRun = k.TotalUSD / float64(k.Runs)
	if routes > 0 {
		k.BypassRate = float64(bypasses) / float64(routes)
	}
	k.CouncilPlanningSkippedRate = float64(skipped) / float64(k.Runs)

	if k.Runs >= 10 {
		half := k.Runs / 2
		recent := windowOf(summaries[:half])
		older := windowOf(summaries[half:])
		k.Trend = &Trend{
			Recent:          recent,
			Older:           older,
			CostDelta:       recent.AvgTotalUSD - older.AvgTotalUSD,
			BypassRateDelta: recent.AvgBypassRate - older.AvgBypassRate,
		}
	}
	return k
}

func windowOf(summaries []RunSummary) TrendWindow {
	w := TrendWindow{Runs: len(summaries)}
	if w.Runs == 0 {
		return w
	}
	routes, bypasses := 0, 0
	for _, s := range summaries {
		w.AvgTotalUSD += s.Costs.TotalUSD
		routes += s.Routing.Routes
		bypasses += s.Routing.Bypasses
	}
	w.AvgTotalUSD /= float64(w.Runs)
	if routes > 0 {
		w.AvgBypassRate = float64(bypasses) / float64(routes)
	}
	return w
}
