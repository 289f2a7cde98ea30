package flume

import (
	"context"
	"fmt"
	"log"
	"time"
)

// DefaultMaxPasses bounds the engine's pass loop. A well-formed graph settles
// in at most one pass per node, so hitting the bound means a dependency cycle
// the validator could not see.
const DefaultMaxPasses = 1000

// Result is the top-level outcome of one engine invocation. Outputs holds
// every committed node output, keyed by both node name and node ID. Errors
// lists the per-node failures that were recovered locally. Err is set only
// when the invocation aborted; Outputs then holds whatever had been committed
// before the abort.
type Result struct {
	Success bool
	Outputs map[string][]Item
	Errors  []ExecError
	Err     error
}

// NodeHook observes one completed node execution. Wired by the observer
// package; a nil hook costs nothing.
type NodeHook func(node *Node, duration time.Duration, err error)

// Engine walks a prepared workflow graph pass by pass, executing each node
// once its dependencies have committed output.
type Engine struct {
	registry  *Registry
	maxPasses int
	logf      func(format string, args ...any)
	onNode    NodeHook
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithMaxPasses overrides the pass-loop bound.
func WithMaxPasses(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxPasses = n
		}
	}
}

// WithLogf overrides the engine's log function.
func WithLogf(logf func(format string, args ...any)) EngineOption {
	return func(e *Engine) { e.logf = logf }
}

// WithNodeHook installs a hook invoked after every node execution.
func WithNodeHook(h NodeHook) EngineOption {
	return func(e *Engine) { e.onNode = h }
}

// NewEngine creates an engine dispatching through reg.
func NewEngine(reg *Registry, opts ...EngineOption) *Engine {
	e := &Engine{
		registry:  reg,
		maxPasses: DefaultMaxPasses,
		logf:      log.Printf,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// edge is one resolved connection, kept in declaration order.
type edge struct {
	source  *Node
	target  *Node
	channel string
}

// graph carries the resolved edge lists for one invocation.
type graph struct {
	wf *Workflow
	// deps maps target name to the distinct sources that must commit before
	// the target is ready. ai_tool edges are excluded: their sources run on
	// demand inside the consumer, never ahead of it.
	deps map[string][]*Node
	// feeds maps target name to its main-channel sources, one entry per
	// connection record in iteration order, used for input gathering. A
	// source wired to the same target through two records contributes its
	// items twice.
	feeds map[string][]*Node
	// toolSource marks nodes that appear as the source of an ai_tool edge.
	toolSource map[string]bool
	// targeted marks nodes that are the target of any edge.
	targeted map[string]bool
}

func buildGraph(wf *Workflow) (*graph, error) {
	if err := wf.Validate(); err != nil {
		return nil, err
	}
	g := &graph{
		wf:         wf,
		deps:       make(map[string][]*Node),
		feeds:      make(map[string][]*Node),
		toolSource: make(map[string]bool),
		targeted:   make(map[string]bool),
	}
	// Iterate sources in node declaration order so multi-source input
	// ordering is stable across runs.
	for i := range wf.Nodes {
		src := &wf.Nodes[i]
		ports, ok := wf.Connections[src.Name]
		if !ok {
			ports, ok = wf.Connections[src.ID]
		}
		if !ok {
			continue
		}
		for channel, slots := range ports {
			if channel == ChannelAITool {
				g.toolSource[src.Name] = true
			}
			for _, slot := range slots {
				for _, ref := range slot {
					tgt := wf.NodeByKey(ref.Node)
					if tgt == nil {
						return nil, &WorkflowError{
							Kind:    KindWorkflowValidation,
							Message: fmt.Sprintf("connection from %q targets unknown node %q", src.Name, ref.Node),
						}
					}
					g.targeted[tgt.Name] = true
					if channel != ChannelAITool {
						g.deps[tgt.Name] = appendNode(g.deps[tgt.Name], src)
					}
					if channel == ChannelMain {
						g.feeds[tgt.Name] = append(g.feeds[tgt.Name], src)
					}
				}
			}
		}
	}
	return g, nil
}

func appendNode(nodes []*Node, n *Node) []*Node {
	for _, have := range nodes {
		if have.Name == n.Name {
			return nodes
		}
	}
	return append(nodes, n)
}

// entries returns the graph roots: nodes that are the target of no edge,
// excluding sticky notes and ai_tool providers.
func (g *graph) entries() []*Node {
	var roots []*Node
	for i := range g.wf.Nodes {
		n := &g.wf.Nodes[i]
		if IsStickyType(n.Type) || g.targeted[n.Name] || g.toolSource[n.Name] {
			continue
		}
		roots = append(roots, n)
	}
	return roots
}

// Run executes the workflow held by exec until every reachable node has
// committed an output or the pass bound is hit. It never panics across the
// executor boundary; executor errors surface through the failure policy.
func (e *Engine) Run(ctx context.Context, exec *Execution) *Result {
	g, err := buildGraph(exec.Workflow)
	if err != nil {
		return e.fail(exec, err)
	}

	roots := g.entries()
	if len(roots) == 0 {
		return e.fail(exec, &WorkflowError{Kind: KindWorkflowValidation, Message: "no entry nodes"})
	}
	isRoot := make(map[string]bool, len(roots))
	for _, n := range roots {
		isRoot[n.Name] = true
	}
	initial := NormalizeItems(exec.InitialData)

	for pass := 0; ; pass++ {
		progress := false
		for i := range g.wf.Nodes {
			n := &g.wf.Nodes[i]
			if IsStickyType(n.Type) || g.toolSource[n.Name] || exec.isExecuted(n) {
				continue
			}
			if !e.ready(g, exec, n) {
				continue
			}

			input := e.gather(g, exec, n)
			if isRoot[n.Name] && len(input) == 0 {
				input = initial
			}

			// Empty input on a non-root means every upstream branch produced
			// nothing; the node is pruned. A root's empty input only means
			// there is no initial data, so roots always execute.
			if len(input) == 0 && !IsTriggerType(n.Type) && !isRoot[n.Name] {
				exec.commitOutput(n, []Item{})
				progress = true
				continue
			}

			res, abort := e.execute(ctx, exec, n, input)
			if abort != nil {
				return res
			}
			progress = true
		}

		if !progress {
			break
		}
		if pass >= e.maxPasses-1 {
			if remaining := e.unexecuted(g, exec); len(remaining) > 0 {
				return e.fail(exec, &WorkflowError{
					Kind:    KindStall,
					Message: "pass limit reached",
					Nodes:   remaining,
				})
			}
			break
		}
	}

	return &Result{
		Success: len(exec.Errors) == 0,
		Outputs: exec.Outputs,
		Errors:  exec.Errors,
	}
}

// execute dispatches one node through the registry and applies the failure
// policy. A non-nil abort means the whole invocation is over; the Result to
// return is the first value.
func (e *Engine) execute(ctx context.Context, exec *Execution, n *Node, input []Item) (*Result, error) {
	executor, ok := e.registry.Lookup(n.Type)
	if !ok {
		err := &WorkflowError{
			Kind:    KindWorkflowValidation,
			Message: fmt.Sprintf("no executor registered for node type %q", n.Type),
		}
		return e.fail(exec, err), err
	}

	start := time.Now()
	items, err := executor.Execute(ctx, n, input, exec)
	if e.onNode != nil {
		e.onNode(n, time.Since(start), err)
	}
	if err == nil {
		exec.commitOutput(n, items)
		return nil, nil
	}

	if IsCredentialMissing(err) || n.OnError == OnErrorContinueError {
		e.logf(" [engine] node %q recovered: %v", n.Name, err)
		exec.Errors = append(exec.Errors, ExecError{Node: n.Name, Message: err.Error()})
		exec.commitOutput(n, []Item{ErrorItem(err.Error())})
		return nil, nil
	}

	e.logf(" [engine] node %q failed: %v", n.Name, err)
	exec.Errors = append(exec.Errors, ExecError{Node: n.Name, Message: err.Error()})
	return e.fail(exec, fmt.Errorf("flume: node %q: %w", n.Name, err)), err
}

func (e *Engine) ready(g *graph, exec *Execution, n *Node) bool {
	for _, src := range g.deps[n.Name] {
		if !exec.isExecuted(src) {
			return false
		}
	}
	return true
}

// gather concatenates the committed outputs of every main-channel source
// feeding n, in connection iteration order. Empty committed outputs
// contribute nothing.
func (e *Engine) gather(g *graph, exec *Execution, n *Node) []Item {
	var input []Item
	for _, src := range g.feeds[n.Name] {
		items, ok := exec.Output(src.Name)
		if !ok || len(items) == 0 {
			continue
		}
		input = append(input, items...)
	}
	return input
}

func (e *Engine) unexecuted(g *graph, exec *Execution) []string {
	var names []string
	for i := range g.wf.Nodes {
		n := &g.wf.Nodes[i]
		if IsStickyType(n.Type) || g.toolSource[n.Name] {
			continue
		}
		if !exec.isExecuted(n) {
			names = append(names, n.Name)
		}
	}
	return names
}

func (e *Engine) fail(exec *Execution, err error) *Result {
	return &Result{
		Success: false,
		Outputs: exec.Outputs,
		Errors:  exec.Errors,
		Err:     err,
	}
}
