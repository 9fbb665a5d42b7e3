package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/treeline-ai/treeline/llm"
)

// ProgressFunc receives incremental output from a long-running tool.
type ProgressFunc func(chunk string)

// ToolExecutor is the function signature for tool execution. It receives the
// raw JSON arguments (already validated against the tool's schema) and the
// execution environment. onProgress may be nil.
type ToolExecutor func(ctx context.Context, arguments json.RawMessage, env ExecutionEnvironment, onProgress ProgressFunc) (string, error)

// Tool describes one invocable tool: its model-facing definition, its
// side-effect classification, and its executor.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`

	// ConcurrencySafe marks a tool as free of side effects that could race
	// with other concurrent invocations. Unset means unsafe: the scheduler
	// serializes anything not explicitly marked safe.
	ConcurrencySafe bool `json:"concurrency_safe"`

	// Timeout bounds one execution. Zero means the scheduler default.
	Timeout time.Duration `json:"-"`

	Execute ToolExecutor `json:"-"`
}

// registeredTool pairs a tool with its compiled argument schema.
type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry manages tool registration and lookup by name.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*registeredTool)}
}

// Register adds or replaces a tool. The parameter schema is compiled eagerly
// so invalid schemas fail at registration, not at call time.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("register tool: name is required")
	}
	if tool.Execute == nil {
		return fmt.Errorf("register tool %s: executor is required", tool.Name)
	}

	var schema *jsonschema.Schema
	if tool.Parameters != nil {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			return fmt.Errorf("register tool %s: marshal schema: %w", tool.Name, err)
		}
		compiler := jsonschema.NewCompiler()
		url := "mem://tools/" + tool.Name + ".json"
		if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
			return fmt.Errorf("register tool %s: add schema: %w", tool.Name, err)
		}
		schema, err = compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("register tool %s: compile schema: %w", tool.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name] = &registeredTool{tool: tool, schema: schema}
	return nil
}

// MustRegister is Register for static tool tables; it panics on schema
// errors, which are programming mistakes.
func (r *ToolRegistry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Unregister removes a tool from the registry.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Get returns a registered tool by name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return Tool{}, false
	}
	return rt.tool, true
}

// ValidateArguments checks raw call arguments against the tool's compiled
// schema. Tools registered without a schema accept anything.
func (r *ToolRegistry) ValidateArguments(name string, arguments json.RawMessage) error {
	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown tool: %s", name)
	}
	if rt.schema == nil {
		return nil
	}

	var decoded interface{}
	if len(arguments) == 0 {
		decoded = map[string]interface{}{}
	} else if err := json.Unmarshal(arguments, &decoded); err != nil {
		return fmt.Errorf("invalid tool arguments: %w", err)
	}
	if err := rt.schema.Validate(decoded); err != nil {
		return fmt.Errorf("arguments for %s: %w", name, err)
	}
	return nil
}

// Definitions returns model-facing tool definitions for a request.
func (r *ToolRegistry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, rt := range r.tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        rt.tool.Name,
			Description: rt.tool.Description,
			Parameters:  rt.tool.Parameters,
		})
	}
	return defs
}

// Names returns the names of all registered tools.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Clone returns an independent copy of the registry.
func (r *ToolRegistry) Clone() *ToolRegistry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	clone := NewToolRegistry()
	for name, rt := range r.tools {
		copied := *rt
		clone.tools[name] = &copied
	}
	return clone
}

// ParseToolArguments unmarshals tool call arguments into a map for access.
func ParseToolArguments(raw json.RawMessage) (map[string]interface{}, error) {
	args := map[string]interface{}{}
	if len(raw) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument from parsed tool arguments.
func GetIntArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// GetBoolArg extracts a boolean argument from parsed tool arguments.
func GetBoolArg(args map[string]interface{}, key string) (bool, bool) {
	v, ok := args[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}
