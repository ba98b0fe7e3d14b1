package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/roundtable/pkg/models"
)

// Tool is one callable capability exposed to the model.
//
// Execute receives the raw JSON arguments from the tool_use chunk. Failures
// are reported through Result.IsError so the model can recover; a returned
// error is treated the same way by the executor.
type Tool interface {
	// Name returns the function-calling name (alphanumeric, underscores).
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage

	// Execute runs the tool. Arguments have already been validated against
	// Schema by the time this is called.
	Execute(ctx context.Context, args json.RawMessage) (*Result, error)
}

// Result is a tool's output.
type Result struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry holds the tools available to streams. All registration happens
// during startup; Freeze makes the registry read-only before the first
// stream is served, so lookups on the chunk path take no locks.
type Registry struct {
	mu     sync.Mutex
	frozen atomic.Bool
	tools  map[string]registeredTool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registeredTool)}
}

// Register adds a tool and compiles its argument schema. Registering after
// Freeze or under a duplicate name is a configuration error.
func (r *Registry) Register(tool Tool) error {
	name := tool.Name()
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("tools: tool has empty name")
	}

	schema := tool.Schema()
	if len(schema) == 0 {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, strings.NewReader(string(schema))); err != nil {
		return fmt.Errorf("tools: schema for %s: %w", name, err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return fmt.Errorf("tools: schema for %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen.Load() {
		return fmt.Errorf("tools: registry is frozen, cannot register %s", name)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tools: duplicate tool name %s", name)
	}
	r.tools[name] = registeredTool{tool: tool, schema: compiled}
	return nil
}

// Freeze ends the registration phase. The atomic store publishes the map;
// lookups that observe it read the map directly.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen.Store(true)
	r.mu.Unlock()
}

func (r *Registry) lookup(name string) (registeredTool, bool) {
	if r.frozen.Load() {
		t, ok := r.tools[name]
		return t, ok
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tools[name]
	return t, ok
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.lookup(name)
	if !ok {
		return nil, false
	}
	return t.tool, true
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Descriptors returns the wire-level tool descriptors advertised to
// provider adapters, sorted by name.
func (r *Registry) Descriptors() []models.ToolDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	descriptors := make([]models.ToolDescriptor, 0, len(r.tools))
	for _, t := range r.tools {
		schema := t.tool.Schema()
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		descriptors = append(descriptors, models.ToolDescriptor{
			Name:        t.tool.Name(),
			Description: t.tool.Description(),
			Schema:      schema,
		})
	}
	sort.Slice(descriptors, func(i, j int) bool { return descriptors[i].Name < descriptors[j].Name })
	return descriptors
}

// validateArgs checks raw arguments against a tool's compiled schema.
// Absent arguments validate as an empty object.
func validateArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var value any
	if err := json.Unmarshal(args, &value); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(value)
}
