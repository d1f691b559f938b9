package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// documentSchema is the JSON schema every policy document must satisfy
// before semantic validation runs. Keeping it strict on key names stops
// weight keys from silently drifting between versions.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["tenant_id", "version", "svi", "sei", "bci", "eri",
               "likelihood", "impact", "controls", "composite",
               "thresholds", "merge", "decay_half_life_hours", "retention_days"],
  "properties": {
    "tenant_id": {"type": "string", "minLength": 1},
    "version": {"type": "integer", "minimum": 1},
    "active": {"type": "boolean"},
    "svi": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "mean_severity": {"type": "number", "minimum": 0},
        "known_exploited_bonus": {"type": "number", "minimum": 0},
        "public_exploit_bonus": {"type": "number", "minimum": 0},
        "sla_breach_penalty": {"type": "number", "minimum": 0},
        "exposure_bonus": {"type": "number", "minimum": 0},
        "criticality_term": {"type": "number", "minimum": 0}
      }
    },
    "sei": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "high_severity_count": {"type": "number", "minimum": 0},
        "attack_chain_bonus": {"type": "number", "minimum": 0},
        "recency_bonus": {"type": "number", "minimum": 0},
        "escalation_bonus": {"type": "number", "minimum": 0},
        "dwell_time_penalty": {"type": "number", "minimum": 0},
        "ewma_alpha": {"type": "number", "exclusiveMinimum": 0, "maximum": 1}
      }
    },
    "bci": {"type": "object"},
    "eri": {"type": "object"},
    "likelihood": {"type": "object"},
    "impact": {"type": "object"},
    "controls": {
      "type": "object",
      "properties": {
        "likelihood_cap": {"type": "number", "minimum": 0, "maximum": 100},
        "impact_cap": {"type": "number", "minimum": 0, "maximum": 100}
      }
    },
    "composite": {"type": "object"},
    "category_multipliers": {
      "type": "object",
      "additionalProperties": {"type": "number", "minimum": 0}
    },
    "thresholds": {
      "type": "object",
      "properties": {
        "auto_approve_confidence_min": {"type": "number", "minimum": 0, "maximum": 1},
        "auto_approve_composite_min": {"type": "number", "minimum": 0, "maximum": 100},
        "suppress_confidence_max": {"type": "number", "minimum": 0, "maximum": 1},
        "suppress_composite_max": {"type": "number", "minimum": 0, "maximum": 100},
        "override_tier_min": {"type": "integer", "minimum": 1, "maximum": 5},
        "override_bypasses_suppress": {"type": "boolean"}
      }
    },
    "merge": {
      "type": "object",
      "properties": {
        "window_hours": {"type": "integer", "minimum": 1},
        "similarity_threshold": {"type": "number", "minimum": 0, "maximum": 1},
        "title_weight": {"type": "number", "minimum": 0},
        "evidence_weight": {"type": "number", "minimum": 0}
      }
    },
    "decay_half_life_hours": {"type": "number", "exclusiveMinimum": 0},
    "retention_days": {"type": "integer", "minimum": 1}
  }
}`

var compiledSchema *gojsonschema.Schema

func init() {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	if err != nil {
		panic(fmt.Sprintf("policy: invalid embedded schema: %v", err))
	}
	compiledSchema = schema
}

// ValidateDocument checks a raw policy document against the JSON schema
// and then runs semantic validation. It returns the parsed policy on
// success.
func ValidateDocument(raw []byte) (*Policy, error) {
	result, err := compiledSchema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("schema validation failed to run: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return nil, fmt.Errorf("policy document invalid: %s", strings.Join(msgs, "; "))
	}

	var p Policy
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("failed to parse policy document: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}
