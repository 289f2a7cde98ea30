// Package code implements the code node: a user-supplied expression run
// against the incoming items.
package code

import (
	"context"
	"fmt"
	"time"

	"github.com/expr-lang/expr"

	"github.com/nevindra/flume"
)

// DefaultTimeout bounds one code evaluation.
const DefaultTimeout = 10 * time.Second

// Executor runs the expression in the node's "code" parameter. The
// expression sees:
//
//	items   the full input sequence
//	input   the json payload of every input item
//	json    the json payload of the first input item
//	tokens  the execution token bag
//
// The result is item-normalized: an object becomes one item, an array
// becomes one item per element.
type Executor struct {
	timeout time.Duration
}

// Option configures an Executor.
type Option func(*Executor)

// WithTimeout overrides the evaluation timeout.
func WithTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// New creates a code executor.
func New(opts ...Option) *Executor {
	e := &Executor{timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	src, _ := node.Parameters["code"].(string)
	if src == "" {
		src, _ = node.Parameters["expression"].(string)
	}
	if src == "" {
		return input, nil
	}

	program, err := expr.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("code: %q: compile: %w", node.Name, err)
	}

	jsons := make([]any, len(input))
	for i, item := range input {
		jsons[i] = item.JSON
	}
	env := map[string]any{
		"items":  input,
		"input":  jsons,
		"tokens": exec.Tokens,
	}
	if len(input) > 0 {
		env["json"] = input[0].JSON
	} else {
		env["json"] = map[string]any{}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := expr.Run(program, env)
		done <- outcome{value: v, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("code: %q: %w", node.Name, ctx.Err())
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("code: %q: %w", node.Name, out.err)
		}
		return flume.NormalizeItems(out.value), nil
	}
}

var _ flume.Executor = (*Executor)(nil)
