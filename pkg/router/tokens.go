package router

// Per-taskType expansion factors for the chars/4 heuristic. Code-heavy
// tasks produce more output per prompt character.
var taskTypeFactors = map[string]float64{
	"code":     1.2,
	"analysis": 1.1,
	"writing":  1.0,
	"general":  1.0,
}

// Difficulty-tier token defaults when no directive is available.
var difficultyDefaults = map[string]TokenEstimate{
	"low":    {Input: 500, Output: 300},
	"medium": {Input: 1200, Output: 600},
	"high":   {Input: 2500, Output: 1200},
}

const (
	directiveMinTotal = 800
	maxInputTokens    = 6000
	maxOutputTokens   = 2500
	minInputTokens    = 500
	minOutputTokens   = 300
)

// EstimateTokensForTask sizes the token budget for a task. A directive long
// enough to matter (heuristic total >= 800) drives the estimate, clamped to
// [input<=6000, output<=2500]; otherwise difficulty defaults apply with
// floors input>=500, output>=300.
func EstimateTokensForTask(task TaskCard) TokenEstimate {
	factor, ok := taskTypeFactors[task.TaskType]
	if !ok {
		factor = 1.0
	}

	if task.Directive != "" {
		heuristic := float64(len(task.Directive)) / 4 * factor
		if heuristic >= directiveMinTotal {
			// split 70/30 input/output before clamping
			in := int(heuristic * 0.7)
			out := int(heuristic * 0.3)
			if in > maxInputTokens {
				in = maxInputTokens
			}
			if out > maxOutputTokens {
				out = maxOutputTokens
			}
			return TokenEstimate{Input: in, Output: out}
		}
	}

	est, ok := difficultyDefaults[task.Difficulty]
	if !ok {
		est = difficultyDefaults["medium"]
	}
	if est.Input < minInputTokens {
		est.Input = minInputTokens
	}
	if est.Output < minOutputTokens {
		est.Output = minOutputTokens
	}
	return est
}
