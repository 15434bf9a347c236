package committee

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// voteSchemaJSON is the response contract shown to providers and enforced on
// their output. additionalProperties is false throughout: anything beyond
// the contract invalidates the vote.
const voteSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["mappings", "overall_confidence"],
  "properties": {
    "mappings": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["field", "selected_column_id", "confidence"],
        "properties": {
          "field": {"type": "string"},
          "selected_column_id": {"type": ["string", "null"]},
          "confidence": {"type": "number", "minimum": 0, "maximum": 1},
          "reasoning": {"type": "string"}
        }
      }
    },
    "issues": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["code", "severity"],
        "properties": {
          "code": {"type": "string"},
          "severity": {"enum": ["info", "warning", "error"]},
          "evidence": {"type": "string"}
        }
      }
    },
    "overall_confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "processing_time_ms": {"type": "integer", "minimum": 0}
  }
}`

var voteSchema = mustCompileVoteSchema()

func mustCompileVoteSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://orderdesk.schemas.local/committee/vote.schema.json"
	if err := c.AddResource(url, strings.NewReader(voteSchemaJSON)); err != nil {
		panic("committee: vote schema resource: " + err.Error())
	}
	s, err := c.Compile(url)
	if err != nil {
		panic("committee: vote schema compile: " + err.Error())
	}
	return s
}

// compactSchemaError flattens a validation error to its leading line so a
// discard reason stays one line and carries no response content.
func compactSchemaError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
