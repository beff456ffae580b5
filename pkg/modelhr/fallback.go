package modelhr

// FallbackModels is the hard-coded safety net used when the registry is
// empty or unreadable. Kept intentionally small and cheap.
func FallbackModels() []RegistryEntry {
	return []RegistryEntry{
		{
			ID: "openai/gpt-4o-mini",
			Identity: Identity{
				Provider: "openai",
				ModelID:  "gpt-4o-mini",
				Status:   StatusActive,
			},
			Pricing:     Pricing{InPer1K: 0.00015, OutPer1K: 0.0006, Currency: "USD"},
			Expertise:   map[string]float64{"general": 0.6, "writing": 0.6, "code": 0.5},
			Reliability: 0.8,
			EvaluationMeta: EvaluationMeta{CanaryStatus: CanaryPassed},
		},
		{
			ID: "anthropic/claude-3-5-haiku",
			Identity: Identity{
				Provider: "anthropic",
				ModelID:  "claude-3-5-haiku",
				Status:   StatusActive,
			},
			Pricing:     Pricing{InPer1K: 0.0008, OutPer1K: 0.004, Currency: "USD"},
			Expertise:   map[string]float64{"general": 0.65, "code": 0.6, "analysis": 0.6},
			Reliability: 0.8,
			EvaluationMeta: EvaluationMeta{CanaryStatus: CanaryPassed},
		},
	}
}

// HealthState is the registry health reading.
type HealthState string

const (
	HealthOK       HealthState = "OK"
	HealthFallback HealthState = "FALLBACK"
)

// Health is the registry health surface.
type Health struct {
	State                 HealthState `json:"registryHealth"`
	FallbackCount24h      int         `json:"fallbackCount24h"`
	LastRegistryLoadError string      `json:"lastRegistryLoadError,omitempty"`
	RegistryFileSizeBytes int64       `json:"registryFileSizeBytes,omitempty"`
	RegistryFileModified  string      `json:"registryFileModifiedISO,omitempty"`
}
