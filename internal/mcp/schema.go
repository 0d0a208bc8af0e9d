// Package mcp exposes taskhub operations as MCP tools.
package mcp

import (
	"sort"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ParamSpec describes a single tool parameter for schema generation.
type ParamSpec struct {
	Type        string
	Description string
	Required    bool
	Enum        []string
	Default     any
}

// buildTool converts a name, description and parameter set to an mcp.Tool
// with a JSON Schema input definition.
func buildTool(name, description string, params map[string]ParamSpec) *mcpsdk.Tool {
	props := make(map[string]any, len(params))
	var required []string

	for pname, p := range params {
		prop := map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		if p.Default != nil {
			prop["default"] = p.Default
		}
		props[pname] = prop

		if p.Required {
			required = append(required, pname)
		}
	}

	// Sort required for deterministic output
	sort.Strings(required)

	inputSchema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		inputSchema["required"] = required
	}

	return &mcpsdk.Tool{
		Name:        name,
		Description: description,
		InputSchema: inputSchema,
	}
}
