package code

import (
	"context"
	"strings"
	"testing"

	"github.com/nevindra/flume"
)

func codeNode(src string) *flume.Node {
	return &flume.Node{Name: "Code", Type: "code", Parameters: map[string]any{"code": src}}
}

func TestExecuteMapsInput(t *testing.T) {
	input := []flume.Item{
		{JSON: map[string]any{"x": float64(1)}},
		{JSON: map[string]any{"x": float64(2)}},
	}
	exec := flume.NewExecution(&flume.Workflow{})
	out, err := New().Execute(context.Background(), codeNode(`map(input, .x * 2)`), input, exec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("len = %d, want 2", len(out))
	}
	if out[1].JSON != float64(4) {
		t.Errorf("out[1] = %v, want 4", out[1].JSON)
	}
}

func TestExecuteSeesFirstJSON(t *testing.T) {
	input := []flume.Item{{JSON: map[string]any{"name": "ada"}}}
	exec := flume.NewExecution(&flume.Workflow{})
	out, err := New().Execute(context.Background(), codeNode(`{"greeting": "hi " + json.name}`), input, exec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := out[0].JSON.(map[string]any)["greeting"]; got != "hi ada" {
		t.Errorf("greeting = %v", got)
	}
}

func TestExecuteSeesTokens(t *testing.T) {
	exec := flume.NewExecution(&flume.Workflow{}, flume.WithTokens(map[string]string{"region": "eu"}))
	out, err := New().Execute(context.Background(), codeNode(`{"r": tokens.region}`), nil, exec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got := out[0].JSON.(map[string]any)["r"]; got != "eu" {
		t.Errorf("r = %v", got)
	}
}

func TestExecuteEmptySourcePassesThrough(t *testing.T) {
	input := []flume.Item{{JSON: map[string]any{"x": float64(1)}}}
	exec := flume.NewExecution(&flume.Workflow{})
	node := &flume.Node{Name: "Code", Type: "code", Parameters: map[string]any{}}
	out, err := New().Execute(context.Background(), node, input, exec)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(out) != 1 {
		t.Errorf("len = %d, want passthrough", len(out))
	}
}

func TestExecuteCompileError(t *testing.T) {
	exec := flume.NewExecution(&flume.Workflow{})
	_, err := New().Execute(context.Background(), codeNode(`1 +`), nil, exec)
	if err == nil || !strings.Contains(err.Error(), "compile") {
		t.Errorf("err = %v, want compile error", err)
	}
}
