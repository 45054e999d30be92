package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// documentSchema constrains the shape of the config document. Field-level
// requirements (which credentials each platform needs) are the handlers'
// business; the schema only catches structural mistakes such as a
// platforms section that is not an object or an enabled flag that is not
// a boolean.
const documentSchema = `{
  "type": "object",
  "properties": {
    "platforms": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "enabled": {"type": "boolean"}
        }
      }
    },
    "server": {
      "type": "object",
      "properties": {
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "rate_limit_per_minute": {"type": "integer", "minimum": 0}
      }
    },
    "logging": {
      "type": "object",
      "properties": {
        "level": {"type": "string", "enum": ["debug", "info", "warn", "error"]}
      }
    },
    "responder": {
      "type": "object",
      "properties": {
        "provider": {"type": "string", "enum": ["echo", "openai", "anthropic"]}
      }
    },
    "stats": {
      "type": "object",
      "properties": {
        "schedule": {"type": "string"}
      }
    }
  }
}`

// ValidateDocument checks a raw config document against the schema and
// reports every violation at once.
func ValidateDocument(raw []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(documentSchema),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("config is not valid JSON: %w", err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return fmt.Errorf("config document is invalid: %s", strings.Join(problems, "; "))
}
