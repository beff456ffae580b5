package assembler

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validArtifact() map[string]any {
	files := map[string]string{
		"package.json": `{
			"name": "csv-aggregator",
			"dependencies": {},
			"devDependencies": {"typescript": "^5.4.0"},
			"scripts": {"build": "tsc -p .", "start": "node dist/index.js"}
		}`,
		"tsconfig.json": `{"compilerOptions": {"outDir": "dist"}}`,
		"src/parser.ts": "export function parseCsv(input: string) { return input.split('\\n'); }",
		"src/stats.ts":  "export function mean(xs: number[]) { return xs.reduce((a, b) => a + b, 0) / xs.length; }",
		"src/cli.ts":    "import { parseCsv } from './parser';\nconsole.log(parseCsv('a,b'));",
		"src/index.ts":  "export * from './parser';\nexport * from './stats';",
		"README.md":     "# CSV Aggregator\n\nRun `npm run build` then `npm start`.",
	}
	tree := make([]string, 0, len(files))
	for path := range files {
		tree = append(tree, path)
	}
	return map[string]any{
		"fileTree": tree,
		"files":    files,
		"report": map[string]any{
			"summary":      "Streaming CSV aggregation tool with typed columns.",
			"aggregations": []string{"count", "sum", "mean"},
		},
	}
}

func renderArtifact(t *testing.T, artifact map[string]any) string {
	t.Helper()
	raw, err := json.Marshal(artifact)
	require.NoError(t, err)
	return string(raw)
}

func TestValidatorForUnknownPackage(t *testing.T) {
	assert.Nil(t, ValidatorFor("wp-01-csv-parser"))
	assert.NotNil(t, ValidatorFor("aggregation-report"))
}

func TestAggregationReportValid(t *testing.T) {
	res := validateAggregationReport(renderArtifact(t, validArtifact()))
	assert.True(t, res.Pass, "defects: %v", res.Defects)
	assert.Empty(t, res.Defects)
	assert.InDelta(t, 0.95, res.QualityScore, 1e-9)
}

func TestAggregationReportMissingRequiredFile(t *testing.T) {
	artifact := validArtifact()
	files := artifact["files"].(map[string]string)
	delete(files, "src/cli.ts")
	var tree []string
	for path := range files {
		tree = append(tree, path)
	}
	artifact["fileTree"] = tree

	res := validateAggregationReport(renderArtifact(t, artifact))
	assert.False(t, res.Pass)
	assert.Contains(t, res.Defects, `Required file missing: "src/cli.ts"`)
}

func TestAggregationReportRejectsMarkdownFences(t *testing.T) {
	res := validateAggregationReport("```json\n{}\n```")
	assert.False(t, res.Pass)
	require.Len(t, res.Defects, 1)
	assert.Contains(t, res.Defects[0], "markdown fences")
}

func TestAggregationReportRejectsTrailingContent(t *testing.T) {
	res := validateAggregationReport(renderArtifact(t, validArtifact()) + "\nsome trailing prose")
	assert.False(t, res.Pass)
	assert.Contains(t, res.Defects[0], "trailing content")
}

func TestAggregationReportFileTreeDisagreement(t *testing.T) {
	artifact := validArtifact()
	artifact["fileTree"] = append(artifact["fileTree"].([]string), "src/extra.ts")

	res := validateAggregationReport(renderArtifact(t, artifact))
	assert.False(t, res.Pass)
	assert.Contains(t, res.Defects, `fileTree lists "src/extra.ts" but files has no entry`)
}

func TestAggregationReportPackageJSONRules(t *testing.T) {
	artifact := validArtifact()
	files := artifact["files"].(map[string]string)
	files["package.json"] = `{
		"dependencies": {"lodash": "^4.17.0"},
		"devDependencies": {},
		"scripts": {"build": "tsc"}
	}`

	res := validateAggregationReport(renderArtifact(t, artifact))
	assert.False(t, res.Pass)
	assert.Contains(t, res.Defects, "package.json missing devDependencies.typescript")
	assert.Contains(t, res.Defects, "package.json missing scripts.start")
	assert.Contains(t, res.Defects, `dependency "lodash" requires devDependencies.@types/lodash`)
}

func TestAggregationReportBannedPhrases(t *testing.T) {
	artifact := validArtifact()
	files := artifact["files"].(map[string]string)
	files["src/stats.ts"] = "// Using sample data for now\nexport const x = 1;"

	res := validateAggregationReport(renderArtifact(t, artifact))
	assert.False(t, res.Pass)
	assert.Contains(t, res.Defects, `banned phrase "sample data" in src/stats.ts`)
}

func TestAggregationReportReadmePlaceholderIsWarning(t *testing.T) {
	artifact := validArtifact()
	files := artifact["files"].(map[string]string)
	files["README.md"] = "# Tool\n\nSet <YOUR_API_KEY> before running."

	res := validateAggregationReport(renderArtifact(t, artifact))
	assert.True(t, res.Pass)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "README.md")
	assert.InDelta(t, 0.90, res.QualityScore, 1e-9)
}

func TestAggregationReportPlaceholderInCodeIsDefect(t *testing.T) {
	artifact := validArtifact()
	files := artifact["files"].(map[string]string)
	files["src/cli.ts"] = "const key = '<YOUR_API_KEY>';"

	res := validateAggregationReport(renderArtifact(t, artifact))
	assert.False(t, res.Pass)
	assert.Contains(t, res.Defects, "placeholder tokens in src/cli.ts")
}

func TestAggregationReportGenericsDoNotTripPlaceholderCheck(t *testing.T) {
	artifact := validArtifact()
	files := artifact["files"].(map[string]string)
	files["src/stats.ts"] = "export function head<T>(xs: Array<T>): T | undefined { return xs[0]; }"

	res := validateAggregationReport(renderArtifact(t, artifact))
	assert.True(t, res.Pass, "defects: %v", res.Defects)
}

func TestAggregationReportMissingReportKeys(t *testing.T) {
	artifact := validArtifact()
	artifact["report"] = map[string]any{"summary": "ok"}

	res := validateAggregationReport(renderArtifact(t, artifact))
	assert.False(t, res.Pass)
	assert.Contains(t, res.Defects[0], "aggregations")
}
