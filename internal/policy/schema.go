package policy

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// schemaV1 is the JSON Schema for the arbiter.policy.yaml document.
const schemaV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "arbiter.policy.yaml",
  "type": "object",
  "required": ["version", "actions"],
  "additionalProperties": true,
  "properties": {
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+(\\.[0-9]+)?$"},
    "retrieval": {
      "type": "object",
      "properties": {
        "min_confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "quorum": {"type": "integer", "minimum": 1}
      }
    },
    "reasoning": {
      "type": "object",
      "properties": {
        "min_citation_confidence": {"type": "number", "minimum": 0, "maximum": 1},
        "min_supporting_docs": {"type": "integer", "minimum": 1}
      }
    },
    "budgets": {
      "type": "object",
      "properties": {
        "actions_per_request": {"type": "integer", "minimum": 1},
        "aggregate_invocations": {"type": "integer", "minimum": 0}
      }
    },
    "approvals": {
      "type": "object",
      "properties": {
        "approvers": {"type": "array", "items": {"type": "string"}},
        "secondary_approvers": {"type": "array", "items": {"type": "string"}},
        "notify_webhook": {"type": "string"}
      }
    },
    "compliance": {"type": "object"},
    "actions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "risk"],
        "properties": {
          "id": {"type": "string", "minLength": 1, "pattern": "^[a-z0-9_]+$"},
          "description": {"type": "string"},
          "risk": {"type": "string", "enum": ["low", "medium", "high"]},
          "reversible": {"type": "boolean"},
          "params_schema": {"type": "object"},
          "compliance_class": {"type": "string"},
          "risk_rules": {
            "type": "array",
            "items": {
              "type": "object",
              "required": ["param", "equals", "risk"],
              "properties": {
                "param": {"type": "string"},
                "risk": {"type": "string", "enum": ["low", "medium", "high"]}
              }
            }
          }
        }
      }
    }
  }
}`

// ValidateSchema checks raw policy YAML against the embedded JSON Schema.
func ValidateSchema(yamlBytes []byte) error {
	var raw interface{}
	if err := yaml.Unmarshal(yamlBytes, &raw); err != nil {
		return fmt.Errorf("parsing YAML for schema validation: %w", err)
	}

	// yaml.v3 can produce map[interface{}]interface{} for nested maps;
	// JSON marshalling requires string keys throughout.
	normalized := normalizeYAML(raw)

	jsonBytes, err := json.Marshal(normalized)
	if err != nil {
		return fmt.Errorf("converting YAML to JSON: %w", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schemaV1),
		gojsonschema.NewBytesLoader(jsonBytes),
	)
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		var errMsg string
		for _, verr := range result.Errors() {
			errMsg += fmt.Sprintf("- %s\n", verr)
		}
		return fmt.Errorf("schema validation errors:\n%s", errMsg)
	}
	return nil
}

// normalizeYAML converts map[interface{}]interface{} trees to
// map[string]interface{} recursively.
func normalizeYAML(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[fmt.Sprintf("%v", k)] = normalizeYAML(val)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(vv))
		for k, val := range vv {
			out[k] = normalizeYAML(val)
		}
		return out
	case []interface{}:
		for i := range vv {
			vv[i] = normalizeYAML(vv[i])
		}
		return vv
	default:
		return v
	}
}
