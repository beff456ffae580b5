package modelhr

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// entrySchema is the declarative contract every registry entry must satisfy
// on the way in. Invalid persisted entries are skipped on read with a
// one-line warning; invalid writes are dropped (telemetry must not break runs).
const entrySchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "identity", "pricing"],
  "properties": {
    "id": {"type": "string", "minLength": 3, "pattern": "^[^/]+/.+$"},
    "identity": {
      "type": "object",
      "required": ["provider", "modelId", "status"],
      "properties": {
        "provider": {"type": "string", "minLength": 1},
        "modelId": {"type": "string", "minLength": 1},
        "status": {"enum": ["active", "probation", "deprecated", "disabled"]},
        "aliases": {"type": "array", "items": {"type": "string"}}
      }
    },
    "pricing": {
      "type": "object",
      "required": ["inPer1k", "outPer1k"],
      "properties": {
        "inPer1k": {"type": "number", "minimum": 0},
        "outPer1k": {"type": "number", "minimum": 0},
        "minChargeUSD": {"type": "number", "minimum": 0}
      }
    },
    "expertise": {
      "type": "object",
      "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
    },
    "reliability": {"type": "number", "minimum": 0, "maximum": 1},
    "evaluationMeta": {
      "type": "object",
      "properties": {
        "canaryStatus": {"enum": ["none", "running", "passed", "failed"]}
      }
    }
  }
}`

var (
	compileOnce   sync.Once
	compiledEntry *jsonschema.Schema
	compileErr    error
)

func compiledSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		const url = "https://maestro.schemas.local/model-hr/entry.schema.json"
		if err := c.AddResource(url, strings.NewReader(entrySchema)); err != nil {
			compileErr = fmt.Errorf("entry schema load failed: %w", err)
			return
		}
		compiledEntry, compileErr = c.Compile(url)
	})
	return compiledEntry, compileErr
}

// ValidateEntry checks a registry entry against the declarative schema.
// The returned error carries the first validation issue.
func ValidateEntry(entry *RegistryEntry) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}

	// Round-trip through generic JSON so schema validation sees the wire shape.
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("entry marshal failed: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return fmt.Errorf("entry decode failed: %w", err)
	}

	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("entry %q invalid: %w", entry.ID, err)
	}

	if entry.ID != CanonicalID(entry.Identity.Provider, entry.Identity.ModelID) {
		return fmt.Errorf("entry %q invalid: id does not match identity %s/%s",
			entry.ID, entry.Identity.Provider, entry.Identity.ModelID)
	}
	return nil
}
