// Package tools provides the tool capability for the review workflow: a
// string-keyed registry of builtin document operations plus the deterministic
// change applier. Unknown tool names surface ErrNotImplemented so callers can
// degrade instead of crashing.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotImplemented signals that a requested tool has no registered handler.
var ErrNotImplemented = errors.New("tool not implemented")

// Handler is a function that executes a tool.
type Handler func(ctx context.Context, params map[string]any) (map[string]any, error)

// Definition defines a tool's metadata and handler.
type Definition struct {
	Name        string
	Description string
	Handler     Handler
}

// Runner executes tools by name.
type Runner interface {
	Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error)
	Has(toolName string) bool
	List() []string
}

// Executor is the in-process Runner backed by a registry map.
type Executor struct {
	tools map[string]*Definition
	mu    sync.RWMutex
}

// NewExecutor creates an empty Executor.
func NewExecutor() *Executor {
	return &Executor{
		tools: make(map[string]*Definition),
	}
}

// Register registers a tool.
func (e *Executor) Register(def *Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler is required for '%s'", def.Name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.tools[def.Name] = def
	return nil
}

// Execute executes a tool by name.
func (e *Executor) Execute(ctx context.Context, toolName string, params map[string]any) (map[string]any, error) {
	e.mu.RLock()
	def, exists := e.tools[toolName]
	e.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotImplemented, toolName)
	}

	return def.Handler(ctx, params)
}

// Has checks if a tool is registered.
func (e *Executor) Has(toolName string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, exists := e.tools[toolName]
	return exists
}

// List returns all registered tool names.
func (e *Executor) List() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	return names
}

var _ Runner = (*Executor)(nil)
