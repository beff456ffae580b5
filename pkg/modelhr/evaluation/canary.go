package evaluation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/maestro/pkg/modelhr"
)

// Default canary thresholds, overridable per model through governance.
const (
	defaultProbationQuality   = 0.70
	defaultGraduateQuality    = 0.82
	defaultProbationFailCount = 2
)

// CanaryTask is one deterministic suite item. The model's output must be a
// JSON document matching Schema.
type CanaryTask struct {
	ID       string
	TaskType string
	Prompt   string
	Schema   string
}

// TaskResult is the judged outcome of one canary task.
type TaskResult struct {
	TaskID  string  `json:"taskId"`
	Passed  bool    `json:"passed"`
	Quality float64 `json:"quality"`
	Detail  string  `json:"detail,omitempty"`
}

// SuiteResult aggregates a full canary run.
type SuiteResult struct {
	ModelID     string       `json:"modelId"`
	PerTask     []TaskResult `json:"perTask"`
	FailedCount int          `json:"failedCount"`
	AvgQuality  float64      `json:"avgQuality"`
	TsISO       string       `json:"tsISO"`
}

// Transition is the lifecycle recommendation from a suite result.
type Transition struct {
	Action string `json:"action"` // probation | active | none
	Reason string `json:"reason"` // canary_regression | canary_graduate | no_change
}

// TaskExecutor produces raw model output for a canary prompt. Provider
// transports live behind this boundary.
type TaskExecutor interface {
	Execute(ctx context.Context, modelID, prompt string) (string, error)
}

// canarySuite is the fixed 8-task suite spanning the four task types.
var canarySuite = []CanaryTask{
	{
		ID: "writing-summary", TaskType: "writing",
		Prompt: `Summarise the following release note in one sentence and return JSON {"summary": "..."}: "Version 2.1 adds incremental sync and fixes two crash bugs."`,
		Schema: `{"type":"object","required":["summary"],"properties":{"summary":{"type":"string","minLength":10}}}`,
	},
	{
		ID: "writing-tone", TaskType: "writing",
		Prompt: `Rewrite "fix ur code pls" as a polite request. Return JSON {"text": "..."}.`,
		Schema: `{"type":"object","required":["text"],"properties":{"text":{"type":"string","minLength":10}}}`,
	},
	{
		ID: "code-fizzbuzz", TaskType: "code",
		Prompt: `Return JSON {"language":"...","source":"..."} containing a fizzbuzz implementation for 1..15.`,
		Schema: `{"type":"object","required":["language","source"],"properties":{"language":{"type":"string"},"source":{"type":"string","minLength":30}}}`,
	},
	{
		ID: "code-review", TaskType: "code",
		Prompt: `Given "for i in range(len(xs)): print(xs[i])", return JSON {"issues":[{"line":1,"message":"..."}]} listing at least one style issue.`,
		Schema: `{"type":"object","required":["issues"],"properties":{"issues":{"type":"array","minItems":1,"items":{"type":"object","required":["message"],"properties":{"line":{"type":"integer"},"message":{"type":"string"}}}}}}`,
	},
	{
		ID: "analysis-trend", TaskType: "analysis",
		Prompt: `Given the series [3,5,8,13,21], return JSON {"trend":"increasing|decreasing|flat","next":<number>}.`,
		Schema: `{"type":"object","required":["trend","next"],"properties":{"trend":{"type":"string","enum":["increasing","decreasing","flat"]},"next":{"type":"number"}}}`,
	},
	{
		ID: "analysis-classify", TaskType: "analysis",
		Prompt: `Classify "refund not received after 14 days" into one of ["billing","shipping","product"]. Return JSON {"category":"...","confidence":<0..1>}.`,
		Schema: `{"type":"object","required":["category","confidence"],"properties":{"category":{"type":"string","enum":["billing","shipping","product"]},"confidence":{"type":"number","minimum":0,"maximum":1}}}`,
	},
	{
		ID: "general-extract", TaskType: "general",
		Prompt: `Extract the date and city from "The meetup happens on 2026-03-14 in Lisbon." Return JSON {"date":"YYYY-MM-DD","city":"..."}.`,
		Schema: `{"type":"object","required":["date","city"],"properties":{"date":{"type":"string","pattern":"^\\d{4}-\\d{2}-\\d{2}$"},"city":{"type":"string"}}}`,
	},
	{
		ID: "general-steps", TaskType: "general",
		Prompt: `Return JSON {"steps":["...","..."]} with 3 to 5 steps for making tea.`,
		Schema: `{"type":"object","required":["steps"],"properties":{"steps":{"type":"array","minItems":3,"maxItems":5,"items":{"type":"string"}}}}`,
	},
}

var (
	canarySchemasOnce sync.Once
	canarySchemas     map[string]*jsonschema.Schema
	canarySchemasErr  error
)

func compiledCanarySchemas() (map[string]*jsonschema.Schema, error) {
	canarySchemasOnce.Do(func() {
		canarySchemas = make(map[string]*jsonschema.Schema, len(canarySuite))
		for _, task := range canarySuite {
			c := jsonschema.NewCompiler()
			c.Draft = jsonschema.Draft2020
			if err := c.AddResource("canary.json", strings.NewReader(task.Schema)); err != nil {
				canarySchemasErr = fmt.Errorf("add canary schema %s: %w", task.ID, err)
				return
			}
			schema, err := c.Compile("canary.json")
			if err != nil {
				canarySchemasErr = fmt.Errorf("compile canary schema %s: %w", task.ID, err)
				return
			}
			canarySchemas[task.ID] = schema
		}
	})
	return canarySchemas, canarySchemasErr
}

// Canary runs the fixed suite and applies the resulting transition.
type Canary struct {
	registry *modelhr.Registry
	executor TaskExecutor
	clock    func() time.Time
}

func NewCanary(registry *modelhr.Registry, executor TaskExecutor) *Canary {
	return &Canary{registry: registry, executor: executor, clock: time.Now}
}

// WithClock injects a deterministic clock for tests.
func (c *Canary) WithClock(clock func() time.Time) *Canary {
	c.clock = clock
	return c
}

// Suite exposes the fixed task list (read-only by convention).
func Suite() []CanaryTask { return canarySuite }

// RunSuite executes every task and judges output against its schema. A
// schema-valid output scores 0.85; invalid or failed executions score 0.
func (c *Canary) RunSuite(ctx context.Context, modelID string) (SuiteResult, error) {
	schemas, err := compiledCanarySchemas()
	if err != nil {
		return SuiteResult{}, err
	}

	res := SuiteResult{ModelID: modelID, TsISO: modelhr.NowISO(c.clock())}
	var sum float64
	for _, task := range canarySuite {
		tr := TaskResult{TaskID: task.ID}
		raw, err := c.executor.Execute(ctx, modelID, task.Prompt)
		if err != nil {
			tr.Detail = err.Error()
		} else {
			var doc any
			if jsonErr := json.Unmarshal([]byte(raw), &doc); jsonErr != nil {
				tr.Detail = "output is not JSON"
			} else if schemaErr := schemas[task.ID].Validate(doc); schemaErr != nil {
				tr.Detail = firstSchemaIssue(schemaErr)
			} else {
				tr.Passed = true
				tr.Quality = 0.85
			}
		}
		if !tr.Passed {
			res.FailedCount++
		}
		sum += tr.Quality
		res.PerTask = append(res.PerTask, tr)
	}
	res.AvgQuality = sum / float64(len(canarySuite))
	return res, nil
}

// EvaluateSuiteForStatusChange applies the transition table with per-model
// threshold overrides.
func EvaluateSuiteForStatusChange(res SuiteResult, gov modelhr.Governance) Transition {
	probationQuality := defaultProbationQuality
	graduateQuality := defaultGraduateQuality
	probationFailCount := defaultProbationFailCount
	if t := gov.CanaryThresholds; t != nil {
		if t.ProbationQuality > 0 {
			probationQuality = t.ProbationQuality
		}
		if t.GraduateQuality > 0 {
			graduateQuality = t.GraduateQuality
		}
		if t.ProbationFailCount > 0 {
			probationFailCount = t.ProbationFailCount
		}
	}

	switch {
	case res.FailedCount >= probationFailCount:
		return Transition{Action: "probation", Reason: "canary_regression"}
	case res.AvgQuality < probationQuality:
		return Transition{Action: "probation", Reason: "canary_regression"}
	case res.FailedCount == 0 && res.AvgQuality >= graduateQuality:
		return Transition{Action: "active", Reason: "canary_graduate"}
	default:
		return Transition{Action: "none", Reason: "no_change"}
	}
}

// Evaluate runs the suite against the model, applies the transition, and
// stamps evaluation metadata. Canary outcomes never raise past this point.
func (c *Canary) Evaluate(ctx context.Context, modelID string) (SuiteResult, Transition, error) {
	entry, err := c.registry.GetModel(modelID)
	if err != nil {
		return SuiteResult{}, Transition{}, err
	}

	res, err := c.RunSuite(ctx, entry.ID)
	if err != nil {
		return SuiteResult{}, Transition{}, err
	}
	tr := EvaluateSuiteForStatusChange(res, entry.Governance)

	switch tr.Action {
	case "probation":
		entry.EvaluationMeta = modelhr.EvaluationMeta{CanaryStatus: modelhr.CanaryFailed, LastCanaryISO: res.TsISO}
		_, _ = c.registry.UpsertModel(ctx, *entry)
		_, _ = c.registry.SetModelStatusWithReason(ctx, entry.ID, modelhr.StatusProbation, tr.Reason)
	case "active":
		entry.EvaluationMeta = modelhr.EvaluationMeta{CanaryStatus: modelhr.CanaryPassed, LastCanaryISO: res.TsISO}
		_, _ = c.registry.UpsertModel(ctx, *entry)
		_, _ = c.registry.SetModelStatusWithReason(ctx, entry.ID, modelhr.StatusActive, tr.Reason)
	default:
		entry.EvaluationMeta.LastCanaryISO = res.TsISO
		if entry.EvaluationMeta.CanaryStatus == "" || entry.EvaluationMeta.CanaryStatus == modelhr.CanaryNone {
			entry.EvaluationMeta.CanaryStatus = modelhr.CanaryPassed
		}
		_, _ = c.registry.UpsertModel(ctx, *entry)
	}
	return res, tr, nil
}

// DueModels lists the non-disabled models due for a canary pass: unverified
// or failed canary state, probation status, or a pricing_changed or
// model_created signal newer than the cutoff.
func (c *Canary) DueModels(ctx context.Context, since time.Time) []modelhr.RegistryEntry {
	signals := c.registry.Signals(ctx, since)
	var due []modelhr.RegistryEntry
	for _, entry := range c.registry.ListModels(modelhr.ListFilter{}) {
		if NeedsCanary(&entry, signals) {
			due = append(due, entry)
		}
	}
	return due
}

// NeedsCanary reports whether a model is due for a canary pass. Monotone in
// signals: adding a recent pricing_changed or model_created signal can only
// turn false into true.
func NeedsCanary(entry *modelhr.RegistryEntry, signals []modelhr.HrSignal) bool {
	switch entry.EvaluationMeta.CanaryStatus {
	case modelhr.CanaryNone, modelhr.CanaryFailed, "":
		return true
	}
	if entry.Identity.Status == modelhr.StatusProbation {
		return true
	}
	for _, sig := range signals {
		if sig.ModelID != entry.ID {
			continue
		}
		if sig.Reason == "pricing_changed" || sig.Reason == "model_created" {
			return true
		}
	}
	return false
}

func firstSchemaIssue(err error) string {
	var ve *jsonschema.ValidationError
	if ok := asValidationError(err, &ve); ok {
		leaves := ve.BasicOutput().Errors
		if len(leaves) > 0 {
			last := leaves[len(leaves)-1]
			return fmt.Sprintf("%s: %s", last.InstanceLocation, last.Error)
		}
	}
	return err.Error()
}

func asValidationError(err error, target **jsonschema.ValidationError) bool {
	ve, ok := err.(*jsonschema.ValidationError) //nolint:errorlint // jsonschema returns the concrete type
	if ok {
		*target = ve
	}
	return ok
}
