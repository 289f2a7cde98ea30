package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/nevindra/flume"
)

// DefaultMaxToolRounds bounds the agent's tool-call loop.
const DefaultMaxToolRounds = 5

// Agent is the composite LLM node. It reads its model configuration from
// the ai_languageModel provider's committed output, builds a tool set from
// its ai_tool sources, and loops chat completions until the model answers
// without tool calls. Tool providers never run as graph roots; the agent
// dispatches them on demand through the registry.
type Agent struct {
	registry  *flume.Registry
	newClient clientFor
	maxRounds int
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithMaxToolRounds bounds the tool-call loop.
func WithMaxToolRounds(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.maxRounds = n
		}
	}
}

// NewAgent creates an agent executor dispatching tools through reg.
func NewAgent(reg *flume.Registry, opts ...AgentOption) *Agent {
	a := &Agent{
		registry:  reg,
		newClient: openAIClient,
		maxRounds: DefaultMaxToolRounds,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Agent) Execute(ctx context.Context, node *flume.Node, input []flume.Item, exec *flume.Execution) ([]flume.Item, error) {
	model, baseURL, key := a.modelConfig(node, exec)
	if key == "" {
		resolved, err := resolveKey(node, exec)
		if err != nil {
			return nil, err
		}
		key = resolved
	}

	params := flume.EvaluateTree(node.Parameters, exec, input).(map[string]any)
	prompt, _ := params["prompt"].(string)
	if prompt == "" {
		prompt, _ = params["text"].(string)
	}
	system, _ := params["system"].(string)

	toolNodes := auxSources(exec.Workflow, node, flume.ChannelAITool)
	tools := make([]openai.Tool, 0, len(toolNodes))
	byName := make(map[string]*flume.Node, len(toolNodes))
	for _, tn := range toolNodes {
		byName[tn.Name] = tn
		desc, _ := tn.Parameters["description"].(string)
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tn.Name,
				Description: desc,
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"input": map[string]any{"type": "string"},
					},
				},
			},
		})
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

	client := a.newClient(key, baseURL)
	for round := 0; round < a.maxRounds; round++ {
		resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:    model,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return nil, fmt.Errorf("llm: agent %q: %w", node.Name, err)
		}
		if len(resp.Choices) == 0 {
			return nil, fmt.Errorf("llm: agent %q: no completion choices", node.Name)
		}
		msg := resp.Choices[0].Message
		if len(msg.ToolCalls) == 0 {
			return []flume.Item{{JSON: map[string]any{
				"text":  msg.Content,
				"model": resp.Model,
			}}}, nil
		}

		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			result, err := a.dispatchTool(ctx, byName[call.Function.Name], call.Function.Arguments, exec)
			if err != nil {
				result = fmt.Sprintf(`{"error": %q}`, err.Error())
			}
			messages = append(messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}
	return nil, fmt.Errorf("llm: agent %q: tool loop did not settle in %d rounds", node.Name, a.maxRounds)
}

// dispatchTool runs one tool provider node with the model's arguments as
// its input item.
func (a *Agent) dispatchTool(ctx context.Context, tool *flume.Node, arguments string, exec *flume.Execution) (string, error) {
	if tool == nil {
		return "", fmt.Errorf("unknown tool")
	}
	executor, ok := a.registry.Lookup(tool.Type)
	if !ok {
		return "", fmt.Errorf("no executor for tool type %q", tool.Type)
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		args = map[string]any{"input": arguments}
	}
	items, err := executor.Execute(ctx, tool, []flume.Item{{JSON: args}}, exec)
	if err != nil {
		return "", err
	}
	return stringifyResult(items), nil
}

// modelConfig reads the ai_languageModel provider's committed output.
func (a *Agent) modelConfig(node *flume.Node, exec *flume.Execution) (model, baseURL, apiKey string) {
	model = DefaultModel
	for _, src := range auxSources(exec.Workflow, node, flume.ChannelAILanguageModel) {
		items, ok := exec.Output(src.Name)
		if !ok || len(items) == 0 {
			continue
		}
		cfg, ok := items[0].JSON.(map[string]any)
		if !ok {
			continue
		}
		if v, _ := cfg["model"].(string); v != "" {
			model = v
		}
		if v, _ := cfg["baseURL"].(string); v != "" {
			baseURL = v
		}
		if v, _ := cfg["apiKey"].(string); v != "" {
			apiKey = v
		}
	}
	return model, baseURL, apiKey
}

var _ flume.Executor = (*Agent)(nil)
