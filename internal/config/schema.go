package config

// pipelineSchema is the JSON Schema every pipeline file must satisfy before
// the semantic checks run. Structural rules only; tier names, reference
// resolution, and cycle detection live in Validate.
const pipelineSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name", "phases"],
  "additionalProperties": false,
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "phases": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "agents"],
        "additionalProperties": false,
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "parallel": {"type": "boolean"},
          "optional": {"type": "boolean"},
          "minTier": {"type": "string"},
          "agents": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "required": ["id"],
              "additionalProperties": false,
              "properties": {
                "id": {"type": "string", "minLength": 1},
                "optional": {"type": "boolean"},
                "minTier": {"type": "string"},
                "input": {"type": "object"},
                "dependsOn": {
                  "type": "array",
                  "items": {
                    "oneOf": [
                      {"type": "string", "minLength": 1},
                      {
                        "type": "object",
                        "required": ["agent"],
                        "additionalProperties": false,
                        "properties": {
                          "agent": {"type": "string", "minLength": 1},
                          "requireSuccess": {"type": "boolean"}
                        }
                      }
                    ]
                  }
                }
              }
            }
          }
        }
      }
    }
  }
}`
