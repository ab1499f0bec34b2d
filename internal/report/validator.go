package report

import (
	"bytes"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/emanders/ecrnow/internal/store"
	"github.com/emanders/ecrnow/pkg/schema"
)

// documentSchemaJSON is the JSON Schema for the report document envelope.
const documentSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://ecrnow.dev/schemas/report-document.json",
  "type": "object",
  "required": ["id", "subject_id", "patient_id", "matched_codes", "generated_at"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "subject_id": { "type": "string", "minLength": 1 },
    "patient_id": { "type": "string", "minLength": 1 },
    "encounter_id": { "type": "string" },
    "matched_codes": {
      "type": "array",
      "minItems": 1,
      "items": { "type": "string" }
    },
    "sections": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["resource_type", "count"],
        "properties": {
          "resource_type": { "type": "string", "minLength": 1 },
          "count": { "type": "integer", "minimum": 1 },
          "entries": { "type": "array" }
        }
      }
    },
    "generated_at": { "type": "string" }
  }
}`

// Validator checks a produced artifact's document envelope.
type Validator struct {
	compiled *jsonschema.Schema
}

// NewValidator compiles the embedded document schema.
func NewValidator() (*Validator, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(documentSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal document schema: %w", err)
	}
	if err := c.AddResource("https://ecrnow.dev/schemas/report-document.json", doc); err != nil {
		return nil, fmt.Errorf("add document schema resource: %w", err)
	}
	compiled, err := c.Compile("https://ecrnow.dev/schemas/report-document.json")
	if err != nil {
		return nil, fmt.Errorf("compile document schema: %w", err)
	}
	return &Validator{compiled: compiled}, nil
}

// Validate checks the artifact content against the document schema.
func (v *Validator) Validate(art *store.Artifact) error {
	if art == nil || len(art.Content) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "artifact has no content")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(art.Content))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "artifact content is not valid JSON").WithCause(err)
	}
	if err := v.compiled.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "document validation failed: %s", err.Error()).WithCause(err)
	}
	return nil
}
