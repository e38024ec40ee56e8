package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Payload schemas for the two LLM responses. Compiled once; a response
// that fails validation counts as a protocol failure for the provider.

const entitySchemaJSON = `{
  "type": "object",
  "properties": {
    "characters": {"$ref": "#/$defs/entityList"},
    "locations": {"$ref": "#/$defs/entityList"},
    "organizations": {"$ref": "#/$defs/entityList"},
    "events": {"$ref": "#/$defs/entityList"}
  },
  "$defs": {
    "entityList": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"}
        },
        "required": ["name"]
      }
    }
  }
}`

const relationSchemaJSON = `{
  "type": "object",
  "properties": {
    "relations": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "from": {"type": "string", "minLength": 1},
          "to": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1},
          "description": {"type": "string"}
        },
        "required": ["from", "to", "type"]
      }
    }
  }
}`

var (
	entitySchema   = jsonschema.MustCompileString("entity.json", entitySchemaJSON)
	relationSchema = jsonschema.MustCompileString("relation.json", relationSchemaJSON)
)

type namedItem struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type entityPayload struct {
	Characters    []namedItem `json:"characters"`
	Locations     []namedItem `json:"locations"`
	Organizations []namedItem `json:"organizations"`
	Events        []namedItem `json:"events"`
}

type relationItem struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type relationPayload struct {
	Relations []relationItem `json:"relations"`
}

// extractJSONObject pulls the first balanced-looking JSON object out of
// model output: everything between the first '{' and the last '}'.
// Markdown fences and prose around the object are discarded.
func extractJSONObject(content string) (string, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return "", fmt.Errorf("no JSON object in response")
	}
	return content[start : end+1], nil
}

// parseEntityResponse validates and decodes the entity extraction payload.
func parseEntityResponse(content string) (*entityPayload, error) {
	raw, err := extractJSONObject(content)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("parse entity response: %w", err)
	}
	if err := entitySchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("entity response does not match schema: %w", err)
	}
	var p entityPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode entity response: %w", err)
	}
	return &p, nil
}

// parseRelationResponse validates and decodes the relation payload.
func parseRelationResponse(content string) (*relationPayload, error) {
	raw, err := extractJSONObject(content)
	if err != nil {
		return nil, err
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("parse relation response: %w", err)
	}
	if err := relationSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("relation response does not match schema: %w", err)
	}
	var p relationPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("decode relation response: %w", err)
	}
	return &p, nil
}

// normalizeName trims and collapses internal whitespace.
func normalizeName(name string) string {
	return strings.Join(strings.Fields(name), " ")
}
