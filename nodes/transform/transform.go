// Package transform implements the pure data-shaping executors: field
// assignment, conditional branching, merging, limiting, batch splitting,
// markdown rendering, and waits.
package transform

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/yuin/goldmark"

	"github.com/nevindra/flume"
)

// Set assigns fields on every item passing through. Parameters:
//
//	values      object of field name to value; values are evaluated through
//	            the expression language against the current item
//	keepOnlySet when true the output json holds only the assigned fields
type Set struct{}

// NewSet creates a set executor.
func NewSet() *Set { return &Set{} }

func (s *Set) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	values, _ := node.Parameters["values"].(map[string]any)
	keepOnly, _ := node.Parameters["keepOnlySet"].(bool)

	out := make([]flume.Item, 0, len(input))
	for _, item := range input {
		next := make(map[string]any)
		if !keepOnly {
			if obj, ok := item.JSON.(map[string]any); ok {
				for k, v := range obj {
					next[k] = v
				}
			}
		}
		for k, v := range values {
			next[k] = flume.EvaluateTree(v, exec, []flume.Item{item})
		}
		out = append(out, flume.Item{JSON: next, Binary: item.Binary})
	}
	return out, nil
}

// If filters the input by a boolean condition evaluated per item. The
// condition is an expression over the item's json, for example
// "json.x == 2". Items passing the condition flow out; when none pass the
// output is empty and downstream work is pruned.
type If struct{}

// NewIf creates an if executor.
func NewIf() *If { return &If{} }

func (f *If) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	cond, _ := node.Parameters["condition"].(string)
	if cond == "" {
		return input, nil
	}
	program, err := expr.Compile(cond)
	if err != nil {
		return nil, fmt.Errorf("transform: if %q: compile condition: %w", node.Name, err)
	}

	var out []flume.Item
	for _, item := range input {
		pass, err := runCondition(program, item)
		if err != nil {
			return nil, fmt.Errorf("transform: if %q: %w", node.Name, err)
		}
		if pass {
			out = append(out, item)
		}
	}
	if out == nil {
		out = []flume.Item{}
	}
	return out, nil
}

func runCondition(program *vm.Program, item flume.Item) (bool, error) {
	env := map[string]any{"json": item.JSON}
	if obj, ok := item.JSON.(map[string]any); ok {
		env["json"] = obj
	}
	v, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("condition is %T, want bool", v)
	}
	return b, nil
}

// Merge joins the streams feeding it. The engine already concatenates
// incoming items in connection order, so append mode is the identity;
// combine mode zips consecutive item pairs into one.
type Merge struct{}

// NewMerge creates a merge executor.
func NewMerge() *Merge { return &Merge{} }

func (m *Merge) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	mode, _ := node.Parameters["mode"].(string)
	if mode != "combine" {
		return input, nil
	}
	var out []flume.Item
	for i := 0; i < len(input); i += 2 {
		merged := make(map[string]any)
		copyInto(merged, input[i].JSON)
		if i+1 < len(input) {
			copyInto(merged, input[i+1].JSON)
		}
		out = append(out, flume.Item{JSON: merged, Binary: input[i].Binary})
	}
	return out, nil
}

func copyInto(dst map[string]any, v any) {
	if obj, ok := v.(map[string]any); ok {
		for k, val := range obj {
			dst[k] = val
		}
	}
}

// Limit truncates the input to maxItems.
type Limit struct{}

// NewLimit creates a limit executor.
func NewLimit() *Limit { return &Limit{} }

func (l *Limit) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	max := intParam(node.Parameters, "maxItems", len(input))
	if max < 0 {
		max = 0
	}
	if max > len(input) {
		max = len(input)
	}
	return input[:max], nil
}

// SplitInBatches emits one batch of the captured input per invocation. The
// first invocation within an execution captures the full input and emits the
// first batch; later invocations advance the cursor. After the final batch
// the state entry is removed so the node starts fresh next time.
type SplitInBatches struct{}

// NewSplitInBatches creates a batch-splitting executor.
func NewSplitInBatches() *SplitInBatches { return &SplitInBatches{} }

func (s *SplitInBatches) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	size := intParam(node.Parameters, "batchSize", 10)
	if size <= 0 {
		size = 10
	}

	state, ok := exec.BatchStates[node.Name]
	if !ok {
		total := (len(input) + size - 1) / size
		state = &flume.BatchState{AllItems: input, TotalBatches: total}
		exec.BatchStates[node.Name] = state
	}
	if state.TotalBatches == 0 {
		delete(exec.BatchStates, node.Name)
		return []flume.Item{}, nil
	}

	from := state.Cursor * size
	to := from + size
	if to > len(state.AllItems) {
		to = len(state.AllItems)
	}
	batch := state.AllItems[from:to]

	state.Cursor++
	if state.Cursor >= state.TotalBatches {
		delete(exec.BatchStates, node.Name)
	}
	return batch, nil
}

// Markdown renders a markdown field to HTML. Parameters:
//
//	sourceKey      field read from each item's json (default "markdown")
//	destinationKey field written with the rendered HTML (default "html")
type Markdown struct {
	md goldmark.Markdown
}

// NewMarkdown creates a markdown executor.
func NewMarkdown() *Markdown {
	return &Markdown{md: goldmark.New()}
}

func (m *Markdown) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	srcKey, _ := node.Parameters["sourceKey"].(string)
	if srcKey == "" {
		srcKey = "markdown"
	}
	dstKey, _ := node.Parameters["destinationKey"].(string)
	if dstKey == "" {
		dstKey = "html"
	}

	out := make([]flume.Item, 0, len(input))
	for _, item := range input {
		obj, ok := item.JSON.(map[string]any)
		if !ok {
			out = append(out, item)
			continue
		}
		src, _ := obj[srcKey].(string)
		var buf bytes.Buffer
		if err := m.md.Convert([]byte(src), &buf); err != nil {
			return nil, fmt.Errorf("transform: markdown %q: %w", node.Name, err)
		}
		next := make(map[string]any, len(obj)+1)
		for k, v := range obj {
			next[k] = v
		}
		next[dstKey] = buf.String()
		out = append(out, flume.Item{JSON: next, Binary: item.Binary})
	}
	return out, nil
}

// Wait blocks for the configured duration, then passes its input through.
// Parameters: amount (number) and unit (ms, s, m, h; default s).
type Wait struct{}

// NewWait creates a wait executor.
func NewWait() *Wait { return &Wait{} }

func (w *Wait) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	amount := intParam(node.Parameters, "amount", 0)
	if amount <= 0 {
		return input, nil
	}
	unit := time.Second
	switch node.Parameters["unit"] {
	case "ms":
		unit = time.Millisecond
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	}

	timer := time.NewTimer(time.Duration(amount) * unit)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	return input, nil
}

func intParam(params map[string]any, key string, fallback int) int {
	switch t := params[key].(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	}
	return fallback
}

var (
	_ flume.Executor = (*Set)(nil)
	_ flume.Executor = (*If)(nil)
	_ flume.Executor = (*Merge)(nil)
	_ flume.Executor = (*Limit)(nil)
	_ flume.Executor = (*SplitInBatches)(nil)
	_ flume.Executor = (*Markdown)(nil)
	_ flume.Executor = (*Wait)(nil)
)
