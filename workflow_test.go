package flume

import (
	"errors"
	"testing"
)

func TestParseWorkflow(t *testing.T) {
	data := []byte(`{
		"name": "demo",
		"nodes": [
			{"id": "n1", "name": "Start", "type": "manualTrigger", "parameters": {}},
			{"id": "n2", "name": "End", "type": "set", "parameters": {"values": {"a": 1}},
			 "onError": "continueErrorOutput"}
		],
		"connections": {
			"Start": {"main": [[{"node": "End", "index": 0}]]}
		}
	}`)
	wf, err := ParseWorkflow(data)
	if err != nil {
		t.Fatalf("ParseWorkflow: %v", err)
	}
	if wf.Name != "demo" || len(wf.Nodes) != 2 {
		t.Fatalf("wf = %+v", wf)
	}
	if wf.Nodes[1].OnError != OnErrorContinueError {
		t.Errorf("OnError = %q", wf.Nodes[1].OnError)
	}
	refs := wf.Connections["Start"][ChannelMain][0]
	if len(refs) != 1 || refs[0].Node != "End" {
		t.Errorf("connections = %+v", wf.Connections)
	}
}

func TestNodeByKey(t *testing.T) {
	wf := &Workflow{Nodes: []Node{
		{ID: "id-1", Name: "Alpha"},
		{ID: "id-2", Name: "Beta"},
		{ID: "id-3", Name: "Alpha"}, // duplicate name, first match wins
	}}
	if n := wf.NodeByKey("Alpha"); n == nil || n.ID != "id-1" {
		t.Errorf("NodeByKey(Alpha) = %+v, want first match id-1", n)
	}
	if n := wf.NodeByKey("id-2"); n == nil || n.Name != "Beta" {
		t.Errorf("NodeByKey(id-2) = %+v", n)
	}
	if n := wf.NodeByKey("nope"); n != nil {
		t.Errorf("NodeByKey(nope) = %+v, want nil", n)
	}
}

func TestValidateUnresolvedTarget(t *testing.T) {
	wf := &Workflow{
		Nodes: []Node{{ID: "n1", Name: "A"}},
		Connections: map[string]NodePorts{
			"A": {ChannelMain: [][]ConnRef{{{Node: "Ghost"}}}},
		},
	}
	err := wf.Validate()
	var werr *WorkflowError
	if !errors.As(err, &werr) || werr.Kind != KindWorkflowValidation {
		t.Fatalf("Validate = %v, want WorkflowError(workflow_validation)", err)
	}
}

func TestCloneIsolation(t *testing.T) {
	wf := &Workflow{
		Name: "orig",
		Nodes: []Node{{
			ID: "n1", Name: "A", Type: "set",
			Parameters: map[string]any{"nested": map[string]any{"k": "v"}},
		}},
	}
	clone, err := wf.Clone()
	if err != nil {
		t.Fatalf("Clone: %v", err)
	}
	clone.Nodes[0].Parameters["nested"].(map[string]any)["k"] = "changed"
	if wf.Nodes[0].Parameters["nested"].(map[string]any)["k"] != "v" {
		t.Error("Clone shares parameter trees with the original")
	}
}

func TestNormalizeItems(t *testing.T) {
	if got := NormalizeItems(nil); len(got) != 0 {
		t.Errorf("NormalizeItems(nil) = %v, want empty", got)
	}

	// An object wraps into one item.
	got := NormalizeItems(map[string]any{"a": float64(1)})
	if len(got) != 1 || got[0].JSON.(map[string]any)["a"] != float64(1) {
		t.Errorf("NormalizeItems(object) = %+v", got)
	}

	// A sequence of {json: …} records keeps its payloads.
	got = NormalizeItems([]any{
		map[string]any{"json": map[string]any{"b": float64(2)}},
		map[string]any{"c": float64(3)},
	})
	if len(got) != 2 {
		t.Fatalf("NormalizeItems(sequence) = %+v", got)
	}
	if got[0].JSON.(map[string]any)["b"] != float64(2) {
		t.Errorf("item 0 = %+v, want json field unwrapped", got[0])
	}
	if got[1].JSON.(map[string]any)["c"] != float64(3) {
		t.Errorf("item 1 = %+v, want raw object wrapped", got[1])
	}
}

func TestCommitOutputOnce(t *testing.T) {
	wf := &Workflow{Nodes: []Node{{ID: "n1", Name: "A"}}}
	exec := NewExecution(wf)
	n := &wf.Nodes[0]
	exec.commitOutput(n, []Item{{JSON: map[string]any{"v": float64(1)}}})
	if !exec.isExecuted(n) {
		t.Fatal("node not marked executed")
	}
	items, ok := exec.Output("n1")
	if !ok || len(items) != 1 {
		t.Fatalf("Output(n1) = %v, %v", items, ok)
	}
	// nil normalizes to an empty, committed sequence.
	exec2 := NewExecution(wf)
	exec2.commitOutput(n, nil)
	items, ok = exec2.Output("A")
	if !ok || items == nil || len(items) != 0 {
		t.Errorf("Output(A) = %v, %v, want committed empty sequence", items, ok)
	}
}
