package flume

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// passthrough copies its input through unchanged.
func passthrough() Executor {
	return ExecutorFunc(func(_ context.Context, _ *Node, input []Item, _ *Execution) ([]Item, error) {
		return input, nil
	})
}

// emit returns the given items regardless of input.
func emit(items ...Item) Executor {
	return ExecutorFunc(func(_ context.Context, _ *Node, _ []Item, _ *Execution) ([]Item, error) {
		return items, nil
	})
}

func mainConn(targets ...string) NodePorts {
	refs := make([]ConnRef, len(targets))
	for i, t := range targets {
		refs[i] = ConnRef{Node: t}
	}
	return NodePorts{ChannelMain: [][]ConnRef{refs}}
}

func testRegistry(t *testing.T, executors map[string]Executor) *Registry {
	t.Helper()
	reg := NewRegistry()
	for typ, ex := range executors {
		reg.Register(typ, ex)
	}
	return reg
}

func jsonOf(t *testing.T, res *Result, key string, idx int) map[string]any {
	t.Helper()
	items, ok := res.Outputs[key]
	if !ok {
		t.Fatalf("no output for %q", key)
	}
	if idx >= len(items) {
		t.Fatalf("output %q has %d items, want index %d", key, len(items), idx)
	}
	obj, ok := items[idx].JSON.(map[string]any)
	if !ok {
		t.Fatalf("output %q item %d json = %T, want map", key, idx, items[idx].JSON)
	}
	return obj
}

func TestEngineLinearGraph(t *testing.T) {
	wf := &Workflow{
		Name: "linear",
		Nodes: []Node{
			{ID: "n1", Name: "A", Type: "sourceTrigger"},
			{ID: "n2", Name: "B", Type: "pass"},
		},
		Connections: map[string]NodePorts{"A": mainConn("B")},
	}
	reg := testRegistry(t, map[string]Executor{
		"sourceTrigger": emit(Item{JSON: map[string]any{"x": float64(1)}}),
		"pass":          passthrough(),
	})

	res := NewEngine(reg).Run(context.Background(), NewExecution(wf))
	if !res.Success {
		t.Fatalf("Success = false, err = %v, errors = %v", res.Err, res.Errors)
	}
	if got := jsonOf(t, res, "A", 0)["x"]; got != float64(1) {
		t.Errorf("outputs.A[0].x = %v, want 1", got)
	}
	if got := jsonOf(t, res, "B", 0)["x"]; got != float64(1) {
		t.Errorf("outputs.B[0].x = %v, want 1", got)
	}
	// Outputs are stored under id as well as name.
	if _, ok := res.Outputs["n2"]; !ok {
		t.Error("output missing under node id n2")
	}
}

func TestEngineBranchPruning(t *testing.T) {
	// B filters everything out; C (slot 0) and D (slot 1) both see empty
	// input and are pruned without their executors running.
	wf := &Workflow{
		Name: "branch",
		Nodes: []Node{
			{ID: "n1", Name: "A", Type: "sourceTrigger"},
			{ID: "n2", Name: "B", Type: "filter"},
			{ID: "n3", Name: "C", Type: "mustNotRun"},
			{ID: "n4", Name: "D", Type: "mustNotRun"},
		},
		Connections: map[string]NodePorts{
			"A": mainConn("B"),
			"B": {ChannelMain: [][]ConnRef{{{Node: "C"}}, {{Node: "D"}}}},
		},
	}
	ran := false
	reg := testRegistry(t, map[string]Executor{
		"sourceTrigger": emit(Item{JSON: map[string]any{"x": float64(1)}}),
		"filter":        emit(),
		"mustNotRun": ExecutorFunc(func(_ context.Context, _ *Node, _ []Item, _ *Execution) ([]Item, error) {
			ran = true
			return nil, nil
		}),
	})

	res := NewEngine(reg).Run(context.Background(), NewExecution(wf))
	if !res.Success {
		t.Fatalf("Success = false, err = %v", res.Err)
	}
	for _, key := range []string{"B", "C", "D"} {
		items, ok := res.Outputs[key]
		if !ok {
			t.Fatalf("output for %q absent, want empty sequence", key)
		}
		if len(items) != 0 {
			t.Errorf("outputs.%s has %d items, want 0", key, len(items))
		}
	}
	if ran {
		t.Error("pruned executor ran")
	}
}

func TestEngineCredentialMissingContinues(t *testing.T) {
	wf := &Workflow{
		Name: "dryrun",
		Nodes: []Node{
			{ID: "n1", Name: "Start", Type: "sourceTrigger"},
			{ID: "n2", Name: "Model", Type: "needsKey"},
			{ID: "n3", Name: "After", Type: "pass"},
		},
		Connections: map[string]NodePorts{
			"Start": mainConn("Model"),
			"Model": mainConn("After"),
		},
	}
	reg := testRegistry(t, map[string]Executor{
		"sourceTrigger": emit(Item{JSON: map[string]any{}}),
		"needsKey": ExecutorFunc(func(_ context.Context, n *Node, _ []Item, _ *Execution) ([]Item, error) {
			return nil, &NodeError{Node: n.Name, Kind: KindCredentialMissing, Message: "API_KEY not provided"}
		}),
		"pass": passthrough(),
	})

	res := NewEngine(reg).Run(context.Background(), NewExecution(wf))
	if res.Success {
		t.Error("Success = true, want false when errors were recorded")
	}
	if res.Err != nil {
		t.Fatalf("Err = %v, want recovered execution", res.Err)
	}
	if len(res.Errors) != 1 || res.Errors[0].Node != "Model" {
		t.Fatalf("Errors = %v, want one entry for Model", res.Errors)
	}
	if got := jsonOf(t, res, "Model", 0)["error"]; got != "node Model: API_KEY not provided" {
		t.Errorf("outputs.Model[0].error = %v", got)
	}
	// Downstream still executed, seeing the error item.
	if got := jsonOf(t, res, "After", 0)["error"]; got == nil {
		t.Error("downstream node did not receive the error item")
	}
}

func TestEngineAbortOnFailure(t *testing.T) {
	wf := &Workflow{
		Name: "abort",
		Nodes: []Node{
			{ID: "n1", Name: "A", Type: "sourceTrigger"},
			{ID: "n2", Name: "B", Type: "boom"},
			{ID: "n3", Name: "C", Type: "pass"},
		},
		Connections: map[string]NodePorts{
			"A": mainConn("B"),
			"B": mainConn("C"),
		},
	}
	reg := testRegistry(t, map[string]Executor{
		"sourceTrigger": emit(Item{JSON: map[string]any{}}),
		"boom": ExecutorFunc(func(_ context.Context, _ *Node, _ []Item, _ *Execution) ([]Item, error) {
			return nil, errors.New("connection refused")
		}),
		"pass": passthrough(),
	})

	res := NewEngine(reg).Run(context.Background(), NewExecution(wf))
	if res.Success || res.Err == nil {
		t.Fatalf("Success = %v, Err = %v, want aborted execution", res.Success, res.Err)
	}
	if _, ok := res.Outputs["A"]; !ok {
		t.Error("partial outputs missing executed node A")
	}
	if _, ok := res.Outputs["C"]; ok {
		t.Error("node after the failure has an output")
	}
}

func TestEngineOnErrorContinue(t *testing.T) {
	wf := &Workflow{
		Name: "continue",
		Nodes: []Node{
			{ID: "n1", Name: "A", Type: "sourceTrigger"},
			{ID: "n2", Name: "B", Type: "boom", OnError: OnErrorContinueError},
			{ID: "n3", Name: "C", Type: "pass"},
		},
		Connections: map[string]NodePorts{
			"A": mainConn("B"),
			"B": mainConn("C"),
		},
	}
	reg := testRegistry(t, map[string]Executor{
		"sourceTrigger": emit(Item{JSON: map[string]any{}}),
		"boom": ExecutorFunc(func(_ context.Context, _ *Node, _ []Item, _ *Execution) ([]Item, error) {
			return nil, errors.New("connection refused")
		}),
		"pass": passthrough(),
	})

	res := NewEngine(reg).Run(context.Background(), NewExecution(wf))
	if res.Err != nil {
		t.Fatalf("Err = %v, want recovered execution", res.Err)
	}
	if got := jsonOf(t, res, "C", 0)["error"]; got == nil {
		t.Error("downstream node did not receive the error item")
	}
}

func TestEngineNoEntry(t *testing.T) {
	wf := &Workflow{
		Name: "cycle",
		Nodes: []Node{
			{ID: "n1", Name: "A", Type: "pass"},
			{ID: "n2", Name: "B", Type: "pass"},
		},
		Connections: map[string]NodePorts{
			"A": mainConn("B"),
			"B": mainConn("A"),
		},
	}
	reg := testRegistry(t, map[string]Executor{"pass": passthrough()})

	res := NewEngine(reg).Run(context.Background(), NewExecution(wf))
	var werr *WorkflowError
	if !errors.As(res.Err, &werr) || werr.Kind != KindWorkflowValidation {
		t.Fatalf("Err = %v, want WorkflowError(workflow_validation)", res.Err)
	}
}

func TestEngineStall(t *testing.T) {
	// B is declared before its source, so it needs a second pass; with the
	// pass limit at 1 the engine must report it unexecuted.
	wf := &Workflow{
		Name: "slow",
		Nodes: []Node{
			{ID: "n2", Name: "B", Type: "pass"},
			{ID: "n1", Name: "A", Type: "sourceTrigger"},
		},
		Connections: map[string]NodePorts{"A": mainConn("B")},
	}
	reg := testRegistry(t, map[string]Executor{
		"sourceTrigger": emit(Item{JSON: map[string]any{}}),
		"pass":          passthrough(),
	})

	res := NewEngine(reg, WithMaxPasses(1)).Run(context.Background(), NewExecution(wf))
	var werr *WorkflowError
	if !errors.As(res.Err, &werr) || werr.Kind != KindStall {
		t.Fatalf("Err = %v, want WorkflowError(stall)", res.Err)
	}
	if len(werr.Nodes) != 1 || werr.Nodes[0] != "B" {
		t.Errorf("stall nodes = %v, want [B]", werr.Nodes)
	}
}

func TestEngineAtMostOnce(t *testing.T) {
	// Diamond: A fans out to B and C, both feed D. Every executor must run
	// exactly once.
	wf := &Workflow{
		Name: "diamond",
		Nodes: []Node{
			{ID: "n1", Name: "A", Type: "counted"},
			{ID: "n2", Name: "B", Type: "counted"},
			{ID: "n3", Name: "C", Type: "counted"},
			{ID: "n4", Name: "D", Type: "counted"},
		},
		Connections: map[string]NodePorts{
			"A": mainConn("B", "C"),
			"B": mainConn("D"),
			"C": mainConn("D"),
		},
	}
	counts := map[string]int{}
	reg := testRegistry(t, map[string]Executor{
		"counted": ExecutorFunc(func(_ context.Context, n *Node, input []Item, _ *Execution) ([]Item, error) {
			counts[n.Name]++
			if len(input) == 0 {
				input = []Item{{JSON: map[string]any{"from": n.Name}}}
			}
			return input, nil
		}),
	})

	res := NewEngine(reg).Run(context.Background(), NewExecution(wf, WithInitialData(map[string]any{"seed": true})))
	if !res.Success {
		t.Fatalf("Success = false, err = %v", res.Err)
	}
	for name, n := range counts {
		if n != 1 {
			t.Errorf("node %s executed %d times, want 1", name, n)
		}
	}
	// D sees B's items then C's items.
	if got := len(res.Outputs["D"]); got != 2 {
		t.Errorf("outputs.D has %d items, want 2", got)
	}
}

func TestEngineDuplicateConnectionRecords(t *testing.T) {
	// A feeds B through two output slots; B's input appends A's items once
	// per connection record.
	wf := &Workflow{
		Name: "fanout",
		Nodes: []Node{
			{ID: "n1", Name: "A", Type: "sourceTrigger"},
			{ID: "n2", Name: "B", Type: "pass"},
		},
		Connections: map[string]NodePorts{
			"A": {ChannelMain: [][]ConnRef{{{Node: "B"}}, {{Node: "B"}}}},
		},
	}
	reg := testRegistry(t, map[string]Executor{
		"sourceTrigger": emit(Item{JSON: map[string]any{"x": float64(1)}}),
		"pass":          passthrough(),
	})

	res := NewEngine(reg).Run(context.Background(), NewExecution(wf))
	if !res.Success {
		t.Fatalf("Success = false, err = %v", res.Err)
	}
	if got := len(res.Outputs["B"]); got != 2 {
		t.Errorf("outputs.B has %d items, want 2 (one per connection record)", got)
	}
	// A itself still executed once.
	if got := len(res.Outputs["A"]); got != 1 {
		t.Errorf("outputs.A has %d items, want 1", got)
	}
}

func TestEngineProviderRootRunsWithoutInitialData(t *testing.T) {
	// A non-trigger root feeding only an auxiliary channel executes even
	// when the execution carries no initial data.
	wf := &Workflow{
		Name: "provider-root",
		Nodes: []Node{
			{ID: "n1", Name: "Start", Type: "sourceTrigger"},
			{ID: "n2", Name: "Model", Type: "provider"},
			{ID: "n3", Name: "Agent", Type: "pass"},
		},
		Connections: map[string]NodePorts{
			"Start": mainConn("Agent"),
			"Model": {ChannelAILanguageModel: [][]ConnRef{{{Node: "Agent"}}}},
		},
	}
	reg := testRegistry(t, map[string]Executor{
		"sourceTrigger": emit(Item{JSON: map[string]any{}}),
		"provider":      emit(Item{JSON: map[string]any{"model": "m1"}}),
		"pass":          passthrough(),
	})

	res := NewEngine(reg).Run(context.Background(), NewExecution(wf))
	if !res.Success {
		t.Fatalf("Success = false, err = %v", res.Err)
	}
	items, ok := res.Outputs["Model"]
	if !ok || len(items) != 1 {
		t.Fatalf("outputs.Model = %v, want one committed item", items)
	}
	if got := items[0].JSON.(map[string]any)["model"]; got != "m1" {
		t.Errorf("Model output = %v, want m1", got)
	}
}

func TestEngineAuxiliaryDependency(t *testing.T) {
	// Provider feeds Agent over ai_languageModel: it gates readiness and the
	// consumer reads it from the context, but it contributes no main input.
	wf := &Workflow{
		Name: "aux",
		Nodes: []Node{
			{ID: "n1", Name: "Start", Type: "sourceTrigger"},
			{ID: "n2", Name: "Provider", Type: "provider"},
			{ID: "n3", Name: "Agent", Type: "consumer"},
		},
		Connections: map[string]NodePorts{
			"Start":    mainConn("Agent"),
			"Provider": {ChannelAILanguageModel: [][]ConnRef{{{Node: "Agent"}}}},
		},
	}
	reg := testRegistry(t, map[string]Executor{
		"sourceTrigger": emit(Item{JSON: map[string]any{"q": "hi"}}),
		"provider":      emit(Item{JSON: map[string]any{"model": "m1"}}),
		"consumer": ExecutorFunc(func(_ context.Context, _ *Node, input []Item, exec *Execution) ([]Item, error) {
			cfg, ok := exec.Output("Provider")
			if !ok || len(cfg) == 0 {
				return nil, fmt.Errorf("provider output not committed")
			}
			if len(input) != 1 {
				return nil, fmt.Errorf("input = %d items, want 1 (aux must not feed input)", len(input))
			}
			return []Item{{JSON: map[string]any{"model": cfg[0].JSON.(map[string]any)["model"]}}}, nil
		}),
	})

	res := NewEngine(reg).Run(context.Background(), NewExecution(wf))
	if !res.Success {
		t.Fatalf("Success = false, err = %v, errors = %v", res.Err, res.Errors)
	}
	if got := jsonOf(t, res, "Agent", 0)["model"]; got != "m1" {
		t.Errorf("Agent model = %v, want m1", got)
	}
}

func TestEngineToolProviderNotRoot(t *testing.T) {
	// A node that only sources an ai_tool edge never runs as a graph root.
	wf := &Workflow{
		Name: "tools",
		Nodes: []Node{
			{ID: "n1", Name: "Start", Type: "sourceTrigger"},
			{ID: "n2", Name: "Search", Type: "mustNotRun"},
			{ID: "n3", Name: "Agent", Type: "pass"},
		},
		Connections: map[string]NodePorts{
			"Start":  mainConn("Agent"),
			"Search": {ChannelAITool: [][]ConnRef{{{Node: "Agent"}}}},
		},
	}
	ran := false
	reg := testRegistry(t, map[string]Executor{
		"sourceTrigger": emit(Item{JSON: map[string]any{}}),
		"pass":          passthrough(),
		"mustNotRun": ExecutorFunc(func(_ context.Context, _ *Node, _ []Item, _ *Execution) ([]Item, error) {
			ran = true
			return nil, nil
		}),
	})

	res := NewEngine(reg).Run(context.Background(), NewExecution(wf))
	if !res.Success {
		t.Fatalf("Success = false, err = %v", res.Err)
	}
	if ran {
		t.Error("tool provider executed as a root")
	}
	if _, ok := res.Outputs["Agent"]; !ok {
		t.Error("agent blocked on its tool provider")
	}
}

func TestEngineStickyNoteSkipped(t *testing.T) {
	wf := &Workflow{
		Name: "sticky",
		Nodes: []Node{
			{ID: "n1", Name: "Note", Type: "stickyNote"},
			{ID: "n2", Name: "A", Type: "sourceTrigger"},
		},
		Connections: map[string]NodePorts{},
	}
	reg := testRegistry(t, map[string]Executor{
		"sourceTrigger": emit(Item{JSON: map[string]any{}}),
	})

	res := NewEngine(reg).Run(context.Background(), NewExecution(wf))
	if !res.Success {
		t.Fatalf("Success = false, err = %v", res.Err)
	}
	if _, ok := res.Outputs["Note"]; ok {
		t.Error("sticky note has an output")
	}
}

func TestEngineNoExecutorForType(t *testing.T) {
	wf := &Workflow{
		Name:  "unknown",
		Nodes: []Node{{ID: "n1", Name: "A", Type: "mystery"}},
	}
	res := NewEngine(NewRegistry()).Run(context.Background(), NewExecution(wf, WithInitialData(map[string]any{"x": 1})))
	var werr *WorkflowError
	if !errors.As(res.Err, &werr) || werr.Kind != KindWorkflowValidation {
		t.Fatalf("Err = %v, want WorkflowError(workflow_validation)", res.Err)
	}
}
