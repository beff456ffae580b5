// Package assembler validates model output artifacts, assembles them into a
// deliverable directory, verifies the result compiles, and materialises it
// into a workspace or zip archive.
package assembler

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ValidationResult is the outcome of a deterministic output check.
type ValidationResult struct {
	Pass         bool     `json:"pass"`
	Defects      []string `json:"defects,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
	QualityScore float64  `json:"qualityScore"`
}

// Validator checks one model output string. Deterministic; no IO.
type Validator func(output string) *ValidationResult

// ValidatorFor returns the validator registered for a packageId, or nil when
// the package has no deterministic check.
func ValidatorFor(packageID string) Validator {
	if packageID == "aggregation-report" {
		return validateAggregationReport
	}
	return nil
}

// Artifact is the parsed aggregation-report payload.
type Artifact struct {
	FileTree []string          `json:"fileTree"`
	Files    map[string]string `json:"files"`
	Report   map[string]any    `json:"report"`
}

var requiredFiles = []string{
	"package.json",
	"tsconfig.json",
	"src/parser.ts",
	"src/stats.ts",
	"src/cli.ts",
	"src/index.ts",
	"README.md",
}

// needsTypes maps runtime dependencies to the @types package they require.
var needsTypes = []string{"express", "node-fetch", "lodash", "yargs", "minimist"}

var bannedPhrases = []string{"sample data", "placeholder data", "for this example"}

// placeholderToken matches angle-bracket placeholders like <YOUR_API_KEY>;
// deliberately uppercase-only so TS generics do not trip it.
var placeholderToken = regexp.MustCompile(`<[A-Z][A-Z0-9_ ]{2,}>`)

// validateAggregationReport enforces the strict single-JSON-artifact contract.
func validateAggregationReport(output string) *ValidationResult {
	res := &ValidationResult{}

	artifact, defect := parseStrictArtifact(output)
	if defect != "" {
		res.Defects = append(res.Defects, defect)
		return finishValidation(res)
	}

	if summary, _ := artifact.Report["summary"].(string); summary == "" {
		res.Defects = append(res.Defects, "report.summary missing or empty")
	}
	if !hasAnyKey(artifact.Report, "aggregations", "aggregationsSchema", "exampleAggregations") {
		res.Defects = append(res.Defects, "report must carry aggregations, aggregationsSchema or exampleAggregations")
	}

	res.Defects = append(res.Defects, checkFileAgreement(artifact)...)

	for _, required := range requiredFiles {
		if _, ok := artifact.Files[required]; !ok {
			res.Defects = append(res.Defects, fmt.Sprintf("Required file missing: %q", required))
		}
	}

	if pkgJSON, ok := artifact.Files["package.json"]; ok {
		res.Defects = append(res.Defects, checkPackageJSON(pkgJSON)...)
	}

	for _, path := range sortedPaths(artifact.Files) {
		content := artifact.Files[path]
		lower := strings.ToLower(content)
		for _, phrase := range bannedPhrases {
			if strings.Contains(lower, phrase) {
				res.Defects = append(res.Defects, fmt.Sprintf("banned phrase %q in %s", phrase, path))
			}
		}
		if placeholderToken.MatchString(content) {
			if path == "README.md" {
				res.Warnings = append(res.Warnings, "placeholder tokens in README.md")
			} else {
				res.Defects = append(res.Defects, fmt.Sprintf("placeholder tokens in %s", path))
			}
		}
	}

	return finishValidation(res)
}

// parseStrictArtifact requires a single top-level JSON object, no markdown
// fences, with the three required keys.
func parseStrictArtifact(output string) (*Artifact, string) {
	trimmed := strings.TrimSpace(output)
	if strings.HasPrefix(trimmed, "```") {
		return nil, "output wrapped in markdown fences; expected bare JSON"
	}
	if !strings.HasPrefix(trimmed, "{") {
		return nil, "output is not a single top-level JSON object"
	}

	var raw map[string]json.RawMessage
	dec := json.NewDecoder(strings.NewReader(trimmed))
	if err := dec.Decode(&raw); err != nil {
		return nil, "output is not valid JSON: " + firstLine(err.Error())
	}
	// trailing content after the object means it was not a single artifact
	if dec.More() {
		return nil, "trailing content after the JSON object"
	}

	for _, key := range []string{"fileTree", "files", "report"} {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Sprintf("required key missing: %q", key)
		}
	}

	var artifact Artifact
	if err := json.Unmarshal([]byte(trimmed), &artifact); err != nil {
		return nil, "artifact shape invalid: " + firstLine(err.Error())
	}
	return &artifact, ""
}

// checkFileAgreement requires fileTree and files keys to agree exactly.
func checkFileAgreement(artifact *Artifact) []string {
	var defects []string
	inTree := make(map[string]bool, len(artifact.FileTree))
	for _, path := range artifact.FileTree {
		inTree[path] = true
	}
	for _, path := range artifact.FileTree {
		if _, ok := artifact.Files[path]; !ok {
			defects = append(defects, fmt.Sprintf("fileTree lists %q but files has no entry", path))
		}
	}
	for _, path := range sortedPaths(artifact.Files) {
		if !inTree[path] {
			defects = append(defects, fmt.Sprintf("files contains %q missing from fileTree", path))
		}
	}
	return defects
}

func checkPackageJSON(content string) []string {
	var defects []string
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
		Scripts         map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal([]byte(content), &pkg); err != nil {
		return []string{"package.json is not valid JSON"}
	}
	if pkg.DevDependencies["typescript"] == "" {
		defects = append(defects, "package.json missing devDependencies.typescript")
	}
	for _, script := range []string{"build", "start"} {
		if pkg.Scripts[script] == "" {
			defects = append(defects, fmt.Sprintf("package.json missing scripts.%s", script))
		}
	}
	for _, dep := range needsTypes {
		if _, ok := pkg.Dependencies[dep]; !ok {
			continue
		}
		if _, ok := pkg.DevDependencies["@types/"+dep]; !ok {
			defects = append(defects, fmt.Sprintf("dependency %q requires devDependencies.@types/%s", dep, dep))
		}
	}
	return defects
}

// finishValidation derives pass and the quality signal from defect and
// warning counts.
func finishValidation(res *ValidationResult) *ValidationResult {
	res.Pass = len(res.Defects) == 0
	if res.Pass {
		res.QualityScore = 0.95 - 0.05*float64(len(res.Warnings))
		if res.QualityScore < 0.75 {
			res.QualityScore = 0.75
		}
	} else {
		res.QualityScore = 0.6 - 0.1*float64(len(res.Defects))
		if res.QualityScore < 0.1 {
			res.QualityScore = 0.1
		}
	}
	return res
}

func hasAnyKey(m map[string]any, keys ...string) bool {
	for _, key := range keys {
		if _, ok := m[key]; ok {
			return true
		}
	}
	return false
}

func sortedPaths(files map[string]string) []string {
	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
