// Package llm implements the language-model executors: the plain chat node,
// the capability providers consumed over auxiliary channels, and the agent
// composite that drives tool calls.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nevindra/flume"
)

// DefaultModel is used when neither the node nor its model provider names
// one.
const DefaultModel = "gpt-4o-mini"

// apiKeyTokens are the canonical token names tried, in order, when a node
// does not carry its own key.
var apiKeyTokens = []string{"openAiApiKey", "openRouterApiKey", "anthropicApiKey"}

// clientFor builds a chat client for the resolved key and optional base URL.
// Swapped in tests.
type clientFor func(apiKey, baseURL string) chatClient

type chatClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

func openAIClient(apiKey, baseURL string) chatClient {
	if baseURL == "" {
		return openai.NewClient(apiKey)
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return openai.NewClientWithConfig(cfg)
}

// resolveKey finds the API key for a node: its own apiKey parameter first,
// then the token bag. A missing key is a credential error the engine
// recovers from, so a workflow can be dry-run without secrets.
func resolveKey(node *flume.Node, exec *flume.Execution) (string, error) {
	if key, ok := node.Parameters["apiKey"].(string); ok && key != "" {
		return key, nil
	}
	for _, name := range apiKeyTokens {
		if key, ok := exec.Token(name); ok && key != "" {
			return key, nil
		}
	}
	return "", &flume.NodeError{
		Node:    node.Name,
		Kind:    flume.KindCredentialMissing,
		Message: fmt.Sprintf("llm: %q: API_KEY not provided", node.Name),
	}
}

// Chat is the plain LLM node. Parameters:
//
//	prompt  user prompt, evaluated through the expression language
//	system  optional system prompt
//	model   model name (default resolved from provider or DefaultModel)
//	apiKey  filled by token injection when empty
//	baseURL optional OpenAI-compatible endpoint
type Chat struct {
	newClient clientFor
}

// ChatOption configures a Chat executor.
type ChatOption func(*Chat)

// NewChat creates a chat executor.
func NewChat(opts ...ChatOption) *Chat {
	c := &Chat{newClient: openAIClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Chat) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	key, err := resolveKey(node, exec)
	if err != nil {
		return nil, err
	}

	params := flume.EvaluateTree(node.Parameters, exec, input).(map[string]any)
	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		prompt, _ = params["text"].(string)
	}
	system, _ := params["system"].(string)
	model, _ := params["model"].(string)
	baseURL, _ := params["baseURL"].(string)
	if model == "" {
		model = DefaultModel
	}

	var messages []openai.ChatCompletionMessage
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: system,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: prompt,
	})

	resp, err := c.newClient(key, baseURL).CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: %q: %w", node.Name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("llm: %q: no completion choices", node.Name)
	}

	return []flume.Item{{JSON: map[string]any{
		"text":  resp.Choices[0].Message.Content,
		"model": resp.Model,
	}}}, nil
}

// ModelProvider contributes a model configuration over the ai_languageModel
// channel. Its output item carries the model name and endpoint for the
// consuming agent to use.
type ModelProvider struct{}

// NewModelProvider creates a model provider executor.
func NewModelProvider() *ModelProvider { return &ModelProvider{} }

func (p *ModelProvider) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	model, _ := node.Parameters["model"].(string)
	if model == "" {
		model = DefaultModel
	}
	cfg := map[string]any{"model": model}
	if baseURL, ok := node.Parameters["baseURL"].(string); ok && baseURL != "" {
		cfg["baseURL"] = baseURL
	}
	if key, ok := node.Parameters["apiKey"].(string); ok && key != "" {
		cfg["apiKey"] = key
	}
	return []flume.Item{{JSON: cfg}}, nil
}

// MemoryProvider contributes a rolling message window over the ai_memory
// channel. The window itself lives in the execution's per-node memory under
// the consumer's key.
type MemoryProvider struct{}

// NewMemoryProvider creates a memory provider executor.
func NewMemoryProvider() *MemoryProvider { return &MemoryProvider{} }

func (p *MemoryProvider) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	window := 10
	if v, ok := node.Parameters["windowSize"].(float64); ok && v > 0 {
		window = int(v)
	}
	return []flume.Item{{JSON: map[string]any{"windowSize": window}}}, nil
}

var (
	_ flume.Executor = (*Chat)(nil)
	_ flume.Executor = (*ModelProvider)(nil)
	_ flume.Executor = (*MemoryProvider)(nil)
)

// auxSources returns the nodes feeding target over channel, in declaration
// order.
func auxSources(wf *flume.Workflow, target *flume.Node, channel string) []*flume.Node {
	var sources []*flume.Node
	for i := range wf.Nodes {
		src := &wf.Nodes[i]
		ports, ok := wf.Connections[src.Name]
		if !ok {
			ports, ok = wf.Connections[src.ID]
		}
		if !ok {
			continue
		}
		for _, slot := range ports[channel] {
			for _, ref := range slot {
				if n := wf.NodeByKey(ref.Node); n != nil && n.Name == target.Name {
					sources = append(sources, src)
				}
			}
		}
	}
	return sources
}

// stringifyResult renders a tool dispatch result for the model.
func stringifyResult(items []flume.Item) string {
	if len(items) == 0 {
		return "[]"
	}
	jsons := make([]any, len(items))
	for i, item := range items {
		jsons[i] = item.JSON
	}
	data, err := json.Marshal(jsons)
	if err != nil {
		return fmt.Sprintf("%v", jsons)
	}
	return string(data)
}
