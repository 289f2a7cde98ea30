package flume

import (
	"context"
	"strings"
	"sync"
)

// Executor is a node type implementation. Input is the concatenation of items
// from all incoming main edges in source-iteration order; auxiliary channel
// providers are read through exec.Outputs by name, not passed as input.
//
// A multi-output node returns the single sequence for its active branch; slot
// selection is the engine's responsibility. Executors may fail with a
// *NodeError (or any error, classified by the engine's failure policy).
type Executor interface {
	Execute(ctx context.Context, node *Node, input []Item, exec *Execution) ([]Item, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, node *Node, input []Item, exec *Execution) ([]Item, error)

func (f ExecutorFunc) Execute(ctx context.Context, node *Node, input []Item, exec *Execution) ([]Item, error) {
	return f(ctx, node, input, exec)
}

// Registry dispatches node execution by node type. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register binds an executor to a node type, replacing any previous binding.
func (r *Registry) Register(nodeType string, e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[nodeType] = e
}

// Lookup returns the executor for a node type.
func (r *Registry) Lookup(nodeType string) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[nodeType]
	return e, ok
}

// Types returns the registered node types. Order is unspecified.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}

// IsTriggerType reports whether a node type is a trigger: triggers may
// execute with empty input and are exempt from empty-input propagation and
// token injection.
func IsTriggerType(nodeType string) bool {
	lower := strings.ToLower(nodeType)
	if strings.Contains(lower, "trigger") || strings.Contains(lower, "webhook") {
		return true
	}
	switch lastTypeSegment(lower) {
	case "manual", "schedule", "poll", "cron", "start":
		return true
	}
	return false
}

// IsStickyType reports whether a node type is UI-only and never executes.
func IsStickyType(nodeType string) bool {
	return strings.Contains(strings.ToLower(nodeType), "stickynote")
}

// lastTypeSegment strips a vendor prefix like "flume-nodes-base." from a
// node type.
func lastTypeSegment(t string) string {
	if i := strings.LastIndexByte(t, '.'); i >= 0 {
		return t[i+1:]
	}
	return t
}
