package flume

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// --- Channels ---

// ChannelMain carries item data between nodes. All other channels are
// auxiliary: a provider node contributes a capability to a consumer and the
// edge counts as a dependency, but no items flow along it.
const ChannelMain = "main"

// Auxiliary capability channels.
const (
	ChannelAILanguageModel = "ai_languageModel"
	ChannelAIMemory        = "ai_memory"
	ChannelAITool          = "ai_tool"
	ChannelAIEmbedding     = "ai_embedding"
	ChannelAITextSplitter  = "ai_textSplitter"
	ChannelAIVectorStore   = "ai_vectorStore"
	ChannelAIDocument      = "ai_document"
)

// --- Workflow graph ---

// Workflow is a named directed graph of nodes with typed channels between
// them. It is immutable during an execution: the engine operates on a deep
// copy produced by the template preparer.
type Workflow struct {
	Name        string               `json:"name"`
	Nodes       []Node               `json:"nodes"`
	Connections map[string]NodePorts `json:"connections"`
}

// NodePorts maps a channel name to that channel's output slots. Each slot is
// an ordered list of connection records; an empty slot means "this branch
// produced nothing" and is preserved as such.
type NodePorts map[string][][]ConnRef

// ConnRef is a single connection record inside an output slot.
type ConnRef struct {
	Node  string `json:"node"`
	Index int    `json:"index"`
}

// Node is a typed, parameterized operation. Nodes are identified by Name with
// ID as a fallback alias; every reference must resolve by either.
type Node struct {
	ID          string                `json:"id,omitempty"`
	Name        string                `json:"name"`
	Type        string                `json:"type"`
	Parameters  map[string]any        `json:"parameters,omitempty"`
	Credentials map[string]Credential `json:"credentials,omitempty"`

	// OnError selects the failure policy: "" or "stop" aborts the execution,
	// "continueErrorOutput" stores the error as an item and continues.
	OnError string `json:"onError,omitempty"`
}

// OnError values.
const (
	OnErrorStop          = "stop"
	OnErrorContinueError = "continueErrorOutput"
)

// Credential is one entry of a node's credentials map, keyed by credential
// type (e.g. "openRouterApi"). ID may hold an {{UPPER_CASE}} placeholder that
// the template preparer resolves against developer keys.
type Credential struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	Resolved bool   `json:"resolved,omitempty"`
}

// --- Items ---

// Item is the unit of data on a main edge.
type Item struct {
	JSON   any                   `json:"json"`
	Binary map[string]BinaryData `json:"binary,omitempty"`
}

// BinaryData is a named binary attachment carried alongside an item's JSON.
// The engine preserves Binary across passthrough nodes.
type BinaryData struct {
	Data     string `json:"data"` // base64
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

// ErrorItem wraps an error message as a single item so downstream nodes can
// inspect a recovered failure.
func ErrorItem(message string) Item {
	return Item{JSON: map[string]any{"error": message}}
}

// NormalizeItems wraps arbitrary data as an item sequence: an existing
// sequence is item-normalized element by element, anything else becomes a
// one-item sequence. Nil yields an empty sequence.
func NormalizeItems(v any) []Item {
	switch data := v.(type) {
	case nil:
		return []Item{}
	case []Item:
		return data
	case []any:
		items := make([]Item, 0, len(data))
		for _, el := range data {
			items = append(items, normalizeItem(el))
		}
		return items
	default:
		return []Item{normalizeItem(v)}
	}
}

// normalizeItem coerces a single value into an Item. A map that already looks
// like an item ({"json": ...}) keeps its shape; everything else is wrapped.
func normalizeItem(v any) Item {
	if it, ok := v.(Item); ok {
		return it
	}
	if m, ok := v.(map[string]any); ok {
		if j, has := m["json"]; has {
			it := Item{JSON: j}
			if b, ok := m["binary"].(map[string]any); ok {
				it.Binary = decodeBinary(b)
			}
			return it
		}
	}
	return Item{JSON: v}
}

func decodeBinary(m map[string]any) map[string]BinaryData {
	out := make(map[string]BinaryData, len(m))
	for name, raw := range m {
		entry, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		var b BinaryData
		b.Data, _ = entry["data"].(string)
		b.MimeType, _ = entry["mimeType"].(string)
		b.FileName, _ = entry["fileName"].(string)
		out[name] = b
	}
	return out
}

// --- Workflow helpers ---

// NodeByKey resolves a node reference by name first, then by ID. Duplicate
// names resolve to the first match in declaration order.
func (w *Workflow) NodeByKey(key string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].Name == key {
			return &w.Nodes[i]
		}
	}
	for i := range w.Nodes {
		if w.Nodes[i].ID != "" && w.Nodes[i].ID == key {
			return &w.Nodes[i]
		}
	}
	return nil
}

// Validate checks graph-level invariants: every connection source and target
// must resolve to a node by name or ID.
func (w *Workflow) Validate() error {
	for source, ports := range w.Connections {
		if w.NodeByKey(source) == nil {
			return &WorkflowError{
				Kind:    KindWorkflowValidation,
				Message: fmt.Sprintf("workflow %s: connection source %q does not resolve to a node", w.Name, source),
			}
		}
		for channel, slots := range ports {
			for _, slot := range slots {
				for _, conn := range slot {
					if w.NodeByKey(conn.Node) == nil {
						return &WorkflowError{
							Kind: KindWorkflowValidation,
							Message: fmt.Sprintf("workflow %s: edge %s[%s] targets unknown node %q",
								w.Name, source, channel, conn.Node),
						}
					}
				}
			}
		}
	}
	return nil
}

// Clone deep-copies the workflow via a JSON round trip. Parameters are opaque
// JSON trees, so the round trip is lossless and guarantees the copy shares no
// mutable state with the template.
func (w *Workflow) Clone() (*Workflow, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(w); err != nil {
		return nil, fmt.Errorf("clone workflow %s: %w", w.Name, err)
	}
	var out Workflow
	if err := json.NewDecoder(&buf).Decode(&out); err != nil {
		return nil, fmt.Errorf("clone workflow %s: %w", w.Name, err)
	}
	return &out, nil
}

// ParseWorkflow decodes a stored workflow template from JSON.
func ParseWorkflow(data []byte) (*Workflow, error) {
	var w Workflow
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	return &w, nil
}
