package pipeline

import (
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Built-in attribute schemas for the actions the read side depends on. A grant
// nobody can attribute to a principal or credential would be unresolvable.
var builtinSchemas = map[string]string{
	"system.permission.granted":   permissionSchema,
	"system.permission.revoked":   permissionSchema,
	"system.permission.denied":    permissionSchema,
	"system.permission.inherited": permissionSchema,
	"mcp.usage.recorded":          usageSchema,
}

const permissionSchema = `{
  "type": "object",
  "anyOf": [
    {"required": ["principal"]},
    {"required": ["token_hash"]}
  ],
  "properties": {
    "principal":      {"type": "string", "minLength": 1},
    "token_hash":     {"type": "string", "minLength": 1},
    "allowed_tools":  {"type": "array", "items": {"type": "string"}},
    "max_rows":       {"type": "number", "minimum": 0},
    "ttl_seconds":    {"type": "number", "minimum": 0},
    "budget_seconds": {"type": "number", "minimum": 0},
    "expires_at":     {"type": "string"}
  }
}`

const usageSchema = `{
  "type": "object",
  "required": ["execution_seconds"],
  "properties": {
    "execution_seconds": {"type": "number", "minimum": 0}
  }
}`

// AttributeSchemas validates event attributes per action.
type AttributeSchemas struct {
	byAction map[string]*jsonschema.Schema
}

// NewAttributeSchemas compiles the built-in schemas plus extra (action → schema JSON).
func NewAttributeSchemas(extra map[string]string) (*AttributeSchemas, error) {
	all := make(map[string]string, len(builtinSchemas)+len(extra))
	for k, v := range builtinSchemas {
		all[k] = v
	}
	for k, v := range extra {
		all[k] = v
	}

	s := &AttributeSchemas{byAction: make(map[string]*jsonschema.Schema, len(all))}
	for action, doc := range all {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://factlog.local/schemas/%s.json", action)
		if err := c.AddResource(url, strings.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("pipeline: load schema for %s: %w", action, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("pipeline: compile schema for %s: %w", action, err)
		}
		s.byAction[action] = compiled
	}
	return s, nil
}

// LoadAttributeSchemas reads schema files (action → path) and compiles them.
func LoadAttributeSchemas(files map[string]string) (*AttributeSchemas, error) {
	docs := make(map[string]string, len(files))
	for action, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("pipeline: read schema for %s: %w", action, err)
		}
		docs[action] = string(data)
	}
	return NewAttributeSchemas(docs)
}

// Check validates attributes for action. Actions without a schema always pass.
func (s *AttributeSchemas) Check(action string, attrs map[string]interface{}) error {
	if s == nil {
		return nil
	}
	schema, ok := s.byAction[action]
	if !ok {
		return nil
	}
	var v interface{} = map[string]interface{}{}
	if attrs != nil {
		v = attrs
	}
	return schema.Validate(v)
}
