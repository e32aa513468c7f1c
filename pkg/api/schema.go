package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const dispatchSchemaURL = "https://countersign.dev/schemas/dispatch.schema.json"

const dispatchSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["title", "signers"],
  "properties": {
    "title": {"type": "string", "minLength": 1, "maxLength": 300},
    "html": {"type": "string", "minLength": 1},
    "pdf_base64": {"type": "string", "minLength": 8},
    "token_ttl": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?(s|m|h)$"},
    "signers": {
      "type": "array",
      "minItems": 1,
      "maxItems": 50,
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "email", "placement"],
        "properties": {
          "name": {"type": "string", "minLength": 1, "maxLength": 200},
          "email": {"type": "string", "minLength": 3, "maxLength": 320},
          "placement": {
            "type": "object",
            "additionalProperties": false,
            "required": ["page", "x", "y", "width", "height"],
            "properties": {
              "page": {"type": "integer", "minimum": 0},
              "x": {"type": "number", "minimum": 0},
              "y": {"type": "number", "minimum": 0},
              "width": {"type": "number", "exclusiveMinimum": 0},
              "height": {"type": "number", "exclusiveMinimum": 0}
            }
          }
        }
      }
    }
  },
  "oneOf": [
    {"required": ["html"]},
    {"required": ["pdf_base64"]}
  ]
}`

func compileDispatchSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(dispatchSchemaURL, strings.NewReader(dispatchSchema)); err != nil {
		return nil, fmt.Errorf("dispatch schema load failed: %w", err)
	}
	compiled, err := c.Compile(dispatchSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("dispatch schema compile failed: %w", err)
	}
	return compiled, nil
}

// schemaMessage flattens a validation error to its leaf causes.
func schemaMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var parts []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(parts, "; ")
}
