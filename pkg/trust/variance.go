package trust

import (
	"sort"
	"sync"
)

// VarianceStats summarises cost-calibration samples for one (modelId,
// taskType) cell using Welford's online algorithm.
type VarianceStats struct {
	ModelID  string  `json:"modelId"`
	TaskType string  `json:"taskType"`
	Count    int     `json:"count"`
	Mean     float64 `json:"mean"`
	m2       float64
}

// Variance is the population variance of recorded cost ratios.
func (v VarianceStats) Variance() float64 {
	if v.Count < 2 {
		return 0
	}
	return v.m2 / float64(v.Count)
}

// VarianceTracker records actual/predicted cost ratios. Its Version ticks on
// every recorded sample, which feeds the portfolio cache signature.
type VarianceTracker struct {
	mu      sync.RWMutex
	cells   map[string]*VarianceStats // modelId|taskType -> stats
	version uint64

	recorded    int
	skipped     int
	skipReasons map[string]int
}

func NewVarianceTracker() *VarianceTracker {
	return &VarianceTracker{
		cells:       make(map[string]*VarianceStats),
		skipReasons: make(map[string]int),
	}
}

// Record folds one cost ratio sample into its cell.
func (t *VarianceTracker) Record(modelID, taskType string, ratio float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := modelID + "|" + taskType
	cell, ok := t.cells[key]
	if !ok {
		cell = &VarianceStats{ModelID: modelID, TaskType: taskType}
		t.cells[key] = cell
	}
	cell.Count++
	delta := ratio - cell.Mean
	cell.Mean += delta / float64(cell.Count)
	cell.m2 += delta * (ratio - cell.Mean)

	t.recorded++
	t.version++
}

// Skip notes a sample that could not be recorded (for example a missing
// predicted cost) and why.
func (t *VarianceTracker) Skip(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.skipped++
	t.skipReasons[reason]++
}

// Get returns the stats for one cell; unseen cells read as zero.
func (t *VarianceTracker) Get(modelID, taskType string) VarianceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if cell, ok := t.cells[modelID+"|"+taskType]; ok {
		return *cell
	}
	return VarianceStats{ModelID: modelID, TaskType: taskType}
}

// Snapshot returns a copy of every cell, ordered by modelId then taskType.
func (t *VarianceTracker) Snapshot() []VarianceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]VarianceStats, 0, len(t.cells))
	for _, cell := range t.cells {
		out = append(out, *cell)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModelID != out[j].ModelID {
			return out[i].ModelID < out[j].ModelID
		}
		return out[i].TaskType < out[j].TaskType
	})
	return out
}

// Version changes whenever a sample is recorded; cache signatures embed it.
func (t *VarianceTracker) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// Counters returns (recorded, skipped, per-reason skips) for ledger rollups.
func (t *VarianceTracker) Counters() (int, int, map[string]int) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	reasons := make(map[string]int, len(t.skipReasons))
	for k, v := range t.skipReasons {
		reasons[k] = v
	}
	return t.recorded, t.skipped, reasons
}
