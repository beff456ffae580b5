package planner

import "strings"

// StubDecomposer is the deterministic in-process decomposer. It keys off
// directive keywords and always yields the same subtasks for the same
// directive, so plans are reproducible.
type StubDecomposer struct{}

func NewStubDecomposer() *StubDecomposer { return &StubDecomposer{} }

func (d *StubDecomposer) Decompose(directive string) []ProjectSubtask {
	lower := strings.ToLower(directive)

	if strings.Contains(lower, "csv") || strings.Contains(lower, "aggregat") {
		return []ProjectSubtask{
			{Name: "CSV parser", TaskType: "code", Difficulty: "medium",
				Directive: "Implement a streaming CSV parser with typed numeric columns and per-row error collection. " + directive},
			{Name: "Statistics engine", TaskType: "code", Difficulty: "medium",
				Directive: "Implement aggregation statistics (count, sum, mean, min, max, group-by) over parsed rows. " + directive},
			{Name: "CLI entrypoint", TaskType: "code", Difficulty: "low",
				Directive: "Implement a CLI that reads a CSV path and aggregation spec and prints the report. " + directive},
			{Name: "Usage documentation", TaskType: "writing", Difficulty: "low",
				Directive: "Write a README covering installation, usage, and examples. " + directive},
		}
	}

	return []ProjectSubtask{
		{Name: "Requirements analysis", TaskType: "analysis", Difficulty: "medium",
			Directive: "Extract the concrete requirements and constraints from: " + directive},
		{Name: "Implementation", TaskType: "code", Difficulty: "medium",
			Directive: directive},
		{Name: "Summary report", TaskType: "writing", Difficulty: "low",
			Directive: "Summarise the delivered work for: " + directive},
	}
}
