package plan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/emanders/ecrnow/pkg/schema"
)

// planSchemaJSON is the JSON Schema for ReportingPlan validation.
// Embedded as a constant to avoid filesystem dependencies.
const planSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://ecrnow.dev/schemas/reporting-plan.json",
  "type": "object",
  "required": ["name", "actions"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "version": { "type": "string" },
    "actions": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/action" }
    },
    "value_sets": {
      "type": "object",
      "additionalProperties": {
        "type": "array",
        "items": { "type": "string" }
      }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "action": {
      "type": "object",
      "required": ["id", "kind"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "kind": {
          "type": "string",
          "enum": ["match-trigger", "create-report", "periodic-update", "close-out", "validate-report", "submit-report"]
        },
        "description": { "type": "string" },
        "conditions": {
          "type": "array",
          "items": { "$ref": "#/$defs/condition" }
        },
        "trigger_code_sets": {
          "type": "array",
          "items": { "type": "string" }
        },
        "related_actions": {
          "type": "array",
          "items": { "$ref": "#/$defs/related_action" }
        },
        "timing_schedules": {
          "type": "array",
          "items": { "$ref": "#/$defs/timing_schedule" }
        },
        "data_requirements": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["expression"],
      "properties": {
        "language": { "type": "string", "enum": ["cel", "expr", "jq", ""] },
        "expression": { "type": "string", "minLength": 1 }
      },
      "additionalProperties": false
    },
    "related_action": {
      "type": "object",
      "required": ["action_id", "relationship"],
      "properties": {
        "action_id": { "type": "string", "minLength": 1 },
        "relationship": { "type": "string", "enum": ["before", "after"] },
        "offset": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    },
    "timing_schedule": {
      "type": "object",
      "properties": {
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "cron": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// compilePlanSchema compiles the embedded plan schema once at startup.
func compilePlanSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(planSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal plan schema: %w", err)
	}
	if err := c.AddResource("https://ecrnow.dev/schemas/reporting-plan.json", doc); err != nil {
		return nil, fmt.Errorf("add plan schema resource: %w", err)
	}
	return c.Compile("https://ecrnow.dev/schemas/reporting-plan.json")
}

// validateStructure checks the raw plan document against the embedded schema.
func validateStructure(compiled *jsonschema.Schema, raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "plan is not valid JSON").WithCause(err)
	}
	if err := compiled.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "plan schema validation failed: %s", err.Error()).WithCause(err)
	}
	return nil
}

// decodePlan parses the raw document into a ReportingPlan.
func decodePlan(raw []byte) (*schema.ReportingPlan, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	p := &schema.ReportingPlan{}
	if err := dec.Decode(p); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode reporting plan").WithCause(err)
	}
	return p, nil
}
