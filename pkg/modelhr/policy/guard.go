package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// GuardEvaluator runs per-model CEL guard expressions over the routing
// context. Programs are compiled once and cached by expression text.
type GuardEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

func NewGuardEvaluator() *GuardEvaluator {
	env, err := cel.NewEnv(
		cel.Variable("taskType", cel.StringType),
		cel.Variable("difficulty", cel.StringType),
		cel.Variable("tierProfile", cel.StringType),
		cel.Variable("budgetRemainingUSD", cel.DoubleType),
		cel.Variable("importance", cel.DoubleType),
	)
	if err != nil {
		// the declarations above are static; a failure here is a programming error
		panic(fmt.Sprintf("cel env: %v", err))
	}
	return &GuardEvaluator{env: env, prgCache: make(map[string]cel.Program)}
}

// Evaluate compiles (with caching) and runs the expression. Any error is
// surfaced so the caller can fail closed.
func (g *GuardEvaluator) Evaluate(expr string, ctx Context) (bool, error) {
	g.mu.RLock()
	prg, hit := g.prgCache[expr]
	g.mu.RUnlock()

	if !hit {
		g.mu.Lock()
		if prg, hit = g.prgCache[expr]; !hit {
			ast, issues := g.env.Compile(expr)
			if issues != nil && issues.Err() != nil {
				g.mu.Unlock()
				return false, fmt.Errorf("compile guard: %w", issues.Err())
			}
			p, err := g.env.Program(ast,
				cel.InterruptCheckFrequency(100),
				cel.CostLimit(10000),
			)
			if err != nil {
				g.mu.Unlock()
				return false, fmt.Errorf("build guard program: %w", err)
			}
			g.prgCache[expr] = p
			prg = p
		}
		g.mu.Unlock()
	}

	importance := 0.0
	if ctx.Importance != nil {
		importance = *ctx.Importance
	}
	out, _, err := prg.Eval(map[string]any{
		"taskType":           ctx.TaskType,
		"difficulty":         ctx.Difficulty,
		"tierProfile":        string(ctx.TierProfile),
		"budgetRemainingUSD": ctx.BudgetRemainingUSD,
		"importance":         importance,
	})
	if err != nil {
		return false, fmt.Errorf("eval guard: %w", err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard result is %T, want bool", out.Value())
	}
	return allowed, nil
}
