package evaluation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
)

// scriptedExecutor answers canary prompts with canned JSON, optionally
// breaking a subset of tasks.
type scriptedExecutor struct {
	brokenTasks map[string]bool
}

func (e *scriptedExecutor) Execute(_ context.Context, _ string, prompt string) (string, error) {
	answers := map[string]string{
		"release note":    `{"summary":"Adds incremental sync and fixes two crash bugs."}`,
		"polite request":  `{"text":"Could you please take a look at the code when you have a moment?"}`,
		"fizzbuzz":        `{"language":"python","source":"for i in range(1,16):\n    print('FizzBuzz' if i%15==0 else 'Fizz' if i%3==0 else 'Buzz' if i%5==0 else i)"}`,
		"style issue":     `{"issues":[{"line":1,"message":"iterate directly over xs instead of indexing"}]}`,
		"series":          `{"trend":"increasing","next":34}`,
		"refund":          `{"category":"billing","confidence":0.9}`,
		"meetup":          `{"date":"2026-03-14","city":"Lisbon"}`,
		"making tea":      `{"steps":["boil water","steep the tea","pour and serve"]}`,
	}
	for key, answer := range answers {
		if strings.Contains(prompt, key) {
			if e.brokenTasks[key] {
				return "not json at all", nil
			}
			return answer, nil
		}
	}
	return "", nil
}

func canaryFixture(t *testing.T, executor TaskExecutor) (*modelhr.Registry, *Canary, modelhr.Storage) {
	t.Helper()
	store, err := modelhr.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	reg := modelhr.NewRegistry(context.Background(), store)
	return reg, NewCanary(reg, executor), store
}

func TestSuiteHasEightTasksAcrossFourTypes(t *testing.T) {
	tasks := Suite()
	require.Len(t, tasks, 8)
	types := map[string]int{}
	for _, task := range tasks {
		types[task.TaskType]++
	}
	for _, tt := range []string{"writing", "code", "analysis", "general"} {
		assert.Equal(t, 2, types[tt], tt)
	}
}

func TestRunSuiteAllPass(t *testing.T) {
	reg, canary, _ := canaryFixture(t, &scriptedExecutor{})
	seedModel(t, reg, nil)

	res, err := canary.RunSuite(context.Background(), "openai/gpt-4o-mini")
	require.NoError(t, err)
	assert.Zero(t, res.FailedCount)
	assert.InDelta(t, 0.85, res.AvgQuality, 1e-9)
}

func TestRunSuiteSchemaFailures(t *testing.T) {
	reg, canary, _ := canaryFixture(t, &scriptedExecutor{
		brokenTasks: map[string]bool{"fizzbuzz": true, "series": true},
	})
	seedModel(t, reg, nil)

	res, err := canary.RunSuite(context.Background(), "openai/gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, 2, res.FailedCount)
}

func TestEvaluateSuiteTransitionTable(t *testing.T) {
	gov := modelhr.Governance{}
	cases := []struct {
		name       string
		failed     int
		avgQuality float64
		action     string
		reason     string
	}{
		{"fail count reaches threshold", 2, 0.90, "probation", "canary_regression"},
		{"quality below probation line", 1, 0.65, "probation", "canary_regression"},
		{"clean graduate at boundary", 0, 0.82, "active", "canary_graduate"},
		{"clean but below graduate", 0, 0.81, "none", "no_change"},
		{"clean but below probation", 0, 0.69, "probation", "canary_regression"},
		{"one failure decent quality", 1, 0.80, "none", "no_change"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := EvaluateSuiteForStatusChange(SuiteResult{FailedCount: tc.failed, AvgQuality: tc.avgQuality}, gov)
			assert.Equal(t, tc.action, tr.Action)
			assert.Equal(t, tc.reason, tr.Reason)
		})
	}
}

func TestEvaluateSuiteThresholdOverrides(t *testing.T) {
	gov := modelhr.Governance{CanaryThresholds: &modelhr.CanaryThresholds{
		ProbationQuality:   0.5,
		GraduateQuality:    0.6,
		ProbationFailCount: 4,
	}}

	tr := EvaluateSuiteForStatusChange(SuiteResult{FailedCount: 3, AvgQuality: 0.55}, gov)
	assert.Equal(t, "none", tr.Action, "3 failures under override limit of 4")

	tr = EvaluateSuiteForStatusChange(SuiteResult{FailedCount: 0, AvgQuality: 0.6}, gov)
	assert.Equal(t, "active", tr.Action)
}

func TestCanaryRegressionDemotesModel(t *testing.T) {
	reg, canary, store := canaryFixture(t, &scriptedExecutor{
		brokenTasks: map[string]bool{"fizzbuzz": true, "series": true},
	})
	seedModel(t, reg, nil)
	ctx := context.Background()

	res, tr, err := canary.Evaluate(ctx, "openai/gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, 2, res.FailedCount)
	assert.Equal(t, "probation", tr.Action)
	assert.Equal(t, "canary_regression", tr.Reason)

	entry, err := reg.GetModel("openai/gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, modelhr.StatusProbation, entry.Identity.Status)
	assert.Equal(t, modelhr.CanaryFailed, entry.EvaluationMeta.CanaryStatus)

	sigs, err := store.LoadSignals(ctx)
	require.NoError(t, err)
	count := 0
	for _, sig := range sigs {
		if sig.Reason == "canary_regression" {
			count++
		}
	}
	assert.Equal(t, 1, count, "exactly one transition signal")
}

func TestCanaryGraduatePromotesProbation(t *testing.T) {
	reg, canary, _ := canaryFixture(t, &scriptedExecutor{})
	seedModel(t, reg, func(e *modelhr.RegistryEntry) {
		e.Identity.Status = modelhr.StatusProbation
		e.EvaluationMeta = modelhr.EvaluationMeta{CanaryStatus: modelhr.CanaryNone}
	})

	_, tr, err := canary.Evaluate(context.Background(), "openai/gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "active", tr.Action)

	entry, err := reg.GetModel("openai/gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, modelhr.StatusActive, entry.Identity.Status)
	assert.Equal(t, modelhr.CanaryPassed, entry.EvaluationMeta.CanaryStatus)
	assert.NotEmpty(t, entry.EvaluationMeta.LastCanaryISO)
}

func TestNeedsCanaryMonotoneInSignals(t *testing.T) {
	entry := &modelhr.RegistryEntry{
		ID:             "openai/gpt-4o",
		Identity:       modelhr.Identity{Provider: "openai", ModelID: "gpt-4o", Status: modelhr.StatusActive},
		EvaluationMeta: modelhr.EvaluationMeta{CanaryStatus: modelhr.CanaryPassed},
	}

	var signals []modelhr.HrSignal
	before := NeedsCanary(entry, signals)
	signals = append(signals, modelhr.HrSignal{ModelID: "openai/gpt-4o", Reason: "pricing_changed"})
	after := NeedsCanary(entry, signals)
	if before {
		assert.True(t, after, "adding a signal cannot flip true to false")
	}
	assert.True(t, after)

	// signals for other models are ignored
	other := []modelhr.HrSignal{{ModelID: "openai/other", Reason: "pricing_changed"}}
	assert.False(t, NeedsCanary(entry, other))
}

func TestDueModelsSelectsCanaryCandidates(t *testing.T) {
	reg, canary, store := canaryFixture(t, &scriptedExecutor{})
	ctx := context.Background()

	// verified active model: only due when a recent signal flags it
	verified := seedModel(t, reg, func(e *modelhr.RegistryEntry) {
		e.EvaluationMeta = modelhr.EvaluationMeta{CanaryStatus: modelhr.CanaryPassed}
	})

	unverified := modelhr.RegistryEntry{
		ID:          "anthropic/claude-3-5-haiku",
		Identity:    modelhr.Identity{Provider: "anthropic", ModelID: "claude-3-5-haiku", Status: modelhr.StatusActive},
		Pricing:     modelhr.Pricing{InPer1K: 0.0008, OutPer1K: 0.004},
		Expertise:   map[string]float64{"general": 0.6},
		Reliability: 0.8,
	}
	_, err := reg.UpsertModel(ctx, unverified)
	require.NoError(t, err)

	retired := unverified
	retired.ID = "anthropic/claude-2"
	retired.Identity.ModelID = "claude-2"
	_, err = reg.UpsertModel(ctx, retired)
	require.NoError(t, err)
	_, err = reg.DisableModel(ctx, retired.ID, "deprecated")
	require.NoError(t, err)

	since := time.Now().Add(-time.Hour)
	due := canary.DueModels(ctx, since)
	require.Len(t, due, 1, "only the unverified model is due")
	assert.Equal(t, unverified.ID, due[0].ID)

	// a recent pricing signal pulls the verified model into the sweep
	require.NoError(t, store.AppendSignal(ctx, modelhr.HrSignal{
		ModelID: verified.ID,
		Reason:  "pricing_changed",
		TsISO:   modelhr.NowISO(time.Now()),
	}))
	due = canary.DueModels(ctx, since)
	ids := make([]string, 0, len(due))
	for _, e := range due {
		ids = append(ids, e.ID)
	}
	assert.ElementsMatch(t, []string{verified.ID, unverified.ID}, ids)

	// signals older than the cutoff do not retrigger
	due = canary.DueModels(ctx, time.Now().Add(time.Minute))
	require.Len(t, due, 1)
	assert.Equal(t, unverified.ID, due[0].ID)
}

func TestNeedsCanaryStatuses(t *testing.T) {
	entry := &modelhr.RegistryEntry{
		ID:       "openai/gpt-4o",
		Identity: modelhr.Identity{Provider: "openai", ModelID: "gpt-4o", Status: modelhr.StatusActive},
	}

	entry.EvaluationMeta.CanaryStatus = modelhr.CanaryNone
	assert.True(t, NeedsCanary(entry, nil))
	entry.EvaluationMeta.CanaryStatus = modelhr.CanaryFailed
	assert.True(t, NeedsCanary(entry, nil))
	entry.EvaluationMeta.CanaryStatus = modelhr.CanaryPassed
	assert.False(t, NeedsCanary(entry, nil))

	entry.Identity.Status = modelhr.StatusProbation
	assert.True(t, NeedsCanary(entry, nil), "probation models stay canary-watched")
}
