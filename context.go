package flume

import (
	"time"

	"github.com/google/uuid"
)

// ExecError is one recovered per-node failure, reported in the top-level
// result alongside the outputs.
type ExecError struct {
	Node    string `json:"node"`
	Message string `json:"message"`
}

// BatchState is the per-node iteration state used by batch-looping executors
// (splitInBatches). It lives in the execution context and is reset by the
// executor after the final batch.
type BatchState struct {
	AllItems     []Item
	Cursor       int
	TotalBatches int
}

// Execution is the per-invocation state: all node outputs, recovered errors,
// the prepared workflow, the token bag, and per-node executor memory.
//
// Executors must treat an Execution as read-only except for Memory, Errors,
// and BatchStates; Outputs is written by the engine only.
type Execution struct {
	ID       string
	Workflow *Workflow

	// Outputs maps node keys to committed item sequences. Every output is
	// stored under both the node's name and its ID so mixed references
	// resolve. An empty sequence is a meaningful "branch did not fire";
	// a missing key means "not yet executed".
	Outputs map[string][]Item

	// Errors accumulates recovered per-node failures in execution order.
	Errors []ExecError

	// Tokens is the request-scoped normalized token bag.
	Tokens map[string]string

	// InitialData seeds the entry nodes' input.
	InitialData any

	// PollingCursor and ProcessedSet belong to the (user, workflow) pair and
	// are seeded by the supervisor before a tick.
	PollingCursor time.Time
	ProcessedSet  map[string]bool

	// BatchStates holds per-node batch iteration state, keyed by node name.
	BatchStates map[string]*BatchState

	// Memory holds arbitrary component-private state, keyed by node name.
	Memory map[string]any

	executed map[string]bool
}

// ExecutionOption configures a new Execution.
type ExecutionOption func(*Execution)

// WithTokens sets the normalized token bag.
func WithTokens(tokens map[string]string) ExecutionOption {
	return func(e *Execution) { e.Tokens = tokens }
}

// WithInitialData seeds the data handed to entry nodes.
func WithInitialData(data any) ExecutionOption {
	return func(e *Execution) { e.InitialData = data }
}

// WithPollingCursor seeds the cursor a polling trigger filters against.
func WithPollingCursor(t time.Time) ExecutionOption {
	return func(e *Execution) { e.PollingCursor = t }
}

// WithProcessedSet seeds the deduplication set for polling triggers.
func WithProcessedSet(keys []string) ExecutionOption {
	return func(e *Execution) {
		e.ProcessedSet = make(map[string]bool, len(keys))
		for _, k := range keys {
			e.ProcessedSet[k] = true
		}
	}
}

// NewExecution creates an execution context for one invocation of wf.
func NewExecution(wf *Workflow, opts ...ExecutionOption) *Execution {
	e := &Execution{
		ID:           uuid.NewString(),
		Workflow:     wf,
		Outputs:      make(map[string][]Item),
		Tokens:       make(map[string]string),
		ProcessedSet: make(map[string]bool),
		BatchStates:  make(map[string]*BatchState),
		Memory:       make(map[string]any),
		executed:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Output returns a committed node output by name or ID.
func (e *Execution) Output(key string) ([]Item, bool) {
	items, ok := e.Outputs[key]
	return items, ok
}

// Token returns a token from the bag.
func (e *Execution) Token(name string) (string, bool) {
	v, ok := e.Tokens[name]
	return v, ok
}

// commitOutput stores a node's output under both its name and ID and marks
// the node executed. Committed outputs are never mutated.
func (e *Execution) commitOutput(n *Node, items []Item) {
	if items == nil {
		items = []Item{}
	}
	e.Outputs[n.Name] = items
	if n.ID != "" {
		e.Outputs[n.ID] = items
	}
	e.executed[n.Name] = true
}

// isExecuted reports whether the node has committed an output this execution.
func (e *Execution) isExecuted(n *Node) bool {
	return e.executed[n.Name]
}

// ProcessedKeys returns the dedup set as a sorted-insensitive slice for
// persistence. Order is not significant.
func (e *Execution) ProcessedKeys() []string {
	keys := make([]string, 0, len(e.ProcessedSet))
	for k := range e.ProcessedSet {
		keys = append(keys, k)
	}
	return keys
}
