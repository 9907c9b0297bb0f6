package statestore

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// definitionSchema guards workflow definition documents coming from
// disk before they are unmarshalled and registered. Struct-level
// validation still runs afterwards; this catches shape errors with
// better messages.
const definitionSchema = `{
  "type": "object",
  "required": ["name", "trigger", "steps"],
  "properties": {
    "id": {"type": "string"},
    "name": {"type": "string", "minLength": 1},
    "category": {"type": "string"},
    "retryable": {"type": "boolean"},
    "trigger": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {"type": "string", "minLength": 1},
        "parameters": {"type": "object"}
      }
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["name", "type"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "type": {
            "type": "string",
            "enum": ["scan", "fix", "test", "deploy", "notify", "audit", "custom"]
          },
          "retryable": {"type": "boolean"},
          "config": {"type": "object"}
        }
      }
    }
  }
}`

// ValidateDefinitionDocument checks a raw workflow definition document
// against the schema.
func ValidateDefinitionDocument(document []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(definitionSchema),
		gojsonschema.NewBytesLoader(document),
	)
	if err != nil {
		return fmt.Errorf("failed to validate workflow definition: %w", err)
	}

	if result.Valid() {
		return nil
	}

	messages := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		messages = append(messages, desc.String())
	}

	return fmt.Errorf("invalid workflow definition: %s", strings.Join(messages, "; "))
}
