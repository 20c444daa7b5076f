// Package models defines tool structures for gated function calling.
package models

import (
	"encoding/json"
	"fmt"
)

// ToolCall represents a structured function-call request from an ACTIVE user.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// DecodeArguments unmarshals the raw arguments into a generic map.
func (tc *ToolCall) DecodeArguments() (map[string]interface{}, error) {
	args := make(map[string]interface{})
	if len(tc.Arguments) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(tc.Arguments, &args); err != nil {
		return nil, fmt.Errorf("failed to parse tool arguments: %w", err)
	}
	return args, nil
}

// ToolResult represents the result of executing a gated tool.
type ToolResult struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// PropertySpec describes a single tool argument in the declared schema.
type PropertySpec struct {
	Type        string   `json:"type"` // "string", "integer", "number", "boolean", "object"
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// ToolSchema is the declared argument schema for a registered tool.
// Mirrors the JSON-Schema object subset the registry enforces.
type ToolSchema struct {
	Type       string                  `json:"type"` // always "object"
	Properties map[string]PropertySpec `json:"properties"`
	Required   []string                `json:"required,omitempty"`
}

// Validate checks a decoded argument map against the schema: every required
// property must be present and every supplied property must match its
// declared type. Unknown properties are rejected.
func (ts *ToolSchema) Validate(args map[string]interface{}) error {
	for _, req := range ts.Required {
		if _, ok := args[req]; !ok {
			return fmt.Errorf("missing required parameter: %s", req)
		}
	}

	for name, value := range args {
		spec, ok := ts.Properties[name]
		if !ok {
			return fmt.Errorf("unknown parameter: %s", name)
		}
		if err := checkType(name, spec, value); err != nil {
			return err
		}
	}
	return nil
}

// checkType validates a single argument value against its PropertySpec.
// JSON numbers decode as float64, so integers are float64 values with no
// fractional part.
func checkType(name string, spec PropertySpec, value interface{}) error {
	switch spec.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("parameter %s must be a string", name)
		}
		if len(spec.Enum) > 0 && !containsString(spec.Enum, s) {
			return fmt.Errorf("parameter %s must be one of %v", name, spec.Enum)
		}
	case "integer":
		f, ok := value.(float64)
		if !ok || f != float64(int64(f)) {
			return fmt.Errorf("parameter %s must be an integer", name)
		}
	case "number":
		if _, ok := value.(float64); !ok {
			return fmt.Errorf("parameter %s must be a number", name)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("parameter %s must be a boolean", name)
		}
	case "object":
		if _, ok := value.(map[string]interface{}); !ok {
			return fmt.Errorf("parameter %s must be an object", name)
		}
	default:
		return fmt.Errorf("parameter %s has unsupported schema type %s", name, spec.Type)
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
