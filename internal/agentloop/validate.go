package agentloop

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/mcpmark/mcpmark/internal/mcpclient"
)

// validateToolArguments checks a tool call's arguments against the MCP
// tool's advertised inputSchema before dispatch, so a malformed call is
// rejected locally rather than surfaced as an opaque server error.
// Grounded on the teacher's pkg/pluginsdk/validation.go ValidateConfig
// (compile-and-cache-by-schema-text idiom); tools with no schema, or an
// uncompilable one, are passed through unchecked.
func validateToolArguments(tool mcpclient.ToolDescriptor, arguments json.RawMessage) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}

	schema, err := compileToolSchema(tool.Name, tool.InputSchema)
	if err != nil {
		return nil
	}

	var decoded any
	if len(arguments) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(arguments, &decoded); err != nil {
		return fmt.Errorf("tool %s: arguments are not valid JSON: %w", tool.Name, err)
	}

	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("tool %s: arguments do not match its input schema: %w", tool.Name, err)
	}
	return nil
}

var toolSchemaCache sync.Map

func compileToolSchema(toolName string, raw json.RawMessage) (*jsonschema.Schema, error) {
	key := toolName + ":" + string(raw)
	if cached, ok := toolSchemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(toolName+".schema.json", string(raw))
	if err != nil {
		return nil, err
	}
	toolSchemaCache.Store(key, compiled)
	return compiled, nil
}
