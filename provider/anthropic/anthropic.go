// Package anthropic provides a model wrapper for the Anthropic Claude API.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"
	"github.com/hupe1980/agentcore/core"
	"github.com/hupe1980/agentcore/provider"
)

// Options configures the Anthropic model adapter (temperature, model id,
// max tokens, API key). Extend via functional options to preserve stability.
type Options struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// Model wraps the Anthropic Messages API behind the generic provider.Model interface.
type Model struct {
	client *anthropic.Client
	opts   Options
}

// NewModel creates a new Anthropic model using the official client
func NewModel(optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}

	client := anthropic.NewClient(clientOpts...)

	return &Model{
		client: &client,
		opts:   opts,
	}
}

// NewModelFromClient creates a new Anthropic model from an existing client
func NewModelFromClient(client *anthropic.Client, optFns ...func(o *Options)) *Model {
	opts := Options{
		Model:       anthropic.ModelClaude3_5Sonnet20241022,
		Temperature: 0.7,
		MaxTokens:   4096,
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	return &Model{
		client: client,
		opts:   opts,
	}
}

// Generate implements unified streaming / non-streaming generation.
// It adapts Anthropic Messages API (with function/tool calling) into provider.Response events.
func (m *Model) Generate(ctx context.Context, req provider.Request) (<-chan provider.Response, <-chan error) {
	out := make(chan provider.Response, 32)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		params := anthropic.MessageNewParams{
			Model:       m.opts.Model,
			Messages:    m.buildMessages(req.Messages),
			MaxTokens:   m.opts.MaxTokens,
			Temperature: anthropic.Float(m.opts.Temperature),
		}

		if req.Instructions != "" {
			params.System = []anthropic.TextBlockParam{{Text: req.Instructions}}
		}

		if len(req.Tools) > 0 {
			params.Tools = m.buildTools(req.Tools)
		}

		if req.Stream {
			m.handleStreaming(ctx, params, out, errCh)
			return
		}

		m.handleNonStreaming(ctx, params, out, errCh)
	}()

	return out, errCh
}

func (m *Model) handleNonStreaming(
	ctx context.Context,
	params anthropic.MessageNewParams,
	out chan<- provider.Response,
	errCh chan<- error,
) {
	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		errCh <- fmt.Errorf("anthropic api error: %w", err)
		return
	}
	out <- m.finalResponse(resp)
}

// handleStreaming consumes the Messages streaming API, forwarding text
// deltas as partial responses and accumulating the full message for the
// final one.
func (m *Model) handleStreaming(
	ctx context.Context,
	params anthropic.MessageNewParams,
	out chan<- provider.Response,
	errCh chan<- error,
) {
	stream := m.client.Messages.NewStreaming(ctx, params)
	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			errCh <- fmt.Errorf("anthropic stream accumulate: %w", err)
			return
		}
		if delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent); ok {
			if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok && text.Text != "" {
				out <- provider.Response{Partial: true, Text: text.Text}
			}
		}
	}
	if err := stream.Err(); err != nil {
		errCh <- fmt.Errorf("anthropic streaming error: %w", err)
		return
	}
	out <- m.finalResponse(&acc)
}

// finalResponse flattens a completed Anthropic message into the normalized
// final Response (text plus at most one function call).
func (m *Model) finalResponse(resp *anthropic.Message) provider.Response {
	final := provider.Response{
		ID:      resp.ID,
		Partial: false,
		Usage: &provider.TokenUsage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
			TotalTokens:      int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			textBlock := block.AsText()
			final.Text += textBlock.Text
		case "tool_use":
			if final.FunctionCall != nil {
				continue
			}
			toolBlock := block.AsToolUse()
			args := ""
			if toolBlock.Input != nil {
				if argsBytes, err := json.Marshal(toolBlock.Input); err == nil {
					args = string(argsBytes)
				}
			}
			final.FunctionCall = &core.FunctionCall{
				ID:        toolBlock.ID,
				Name:      toolBlock.Name,
				Arguments: args,
			}
		}
	}

	final.FinishReason = "stop"
	if resp.StopReason != "" {
		final.FinishReason = string(resp.StopReason)
	}

	return final
}

// buildMessages converts the normalized conversation to Anthropic message
// params. Tool results ride in a user-role turn per the Messages API.
func (m *Model) buildMessages(messages []core.Message) []anthropic.MessageParam {
	var params []anthropic.MessageParam

	for _, msg := range messages {
		switch v := msg.(type) {
		case core.UserMessage:
			if v.Text != "" {
				params = append(params, anthropic.NewUserMessage(anthropic.NewTextBlock(v.Text)))
			}
		case core.AssistantMessage:
			var content []anthropic.ContentBlockParamUnion
			if v.Text != "" {
				content = append(content, anthropic.NewTextBlock(v.Text))
			}
			if v.FunctionCall != nil {
				var input any
				if v.FunctionCall.Arguments != "" {
					if err := json.Unmarshal([]byte(v.FunctionCall.Arguments), &input); err != nil {
						input = v.FunctionCall.Arguments // fallback to string
					}
				}
				content = append(content, anthropic.NewToolUseBlock(
					v.FunctionCall.ID,
					input,
					v.FunctionCall.Name,
				))
			}
			if len(content) > 0 {
				params = append(params, anthropic.NewAssistantMessage(content...))
			}
		case core.ToolResultMessage:
			params = append(params, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(v.CallID, v.Payload(), v.Status != "success"),
			))
		}
	}

	return params
}

// buildTools converts normalized tool definitions to Anthropic tool format
func (m *Model) buildTools(tools []provider.ToolDefinition) []anthropic.ToolUnionParam {
	anthropicTools := make([]anthropic.ToolUnionParam, len(tools))

	for i, tool := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}

		if tool.Function.Parameters != nil {
			params := tool.Function.Parameters
			if properties, exists := params["properties"]; exists {
				inputSchema.Properties = properties
			}
			if required, exists := params["required"]; exists {
				if reqSlice, ok := required.([]string); ok {
					inputSchema.Required = reqSlice
				} else if reqAny, ok := required.([]any); ok {
					var reqStrings []string
					for _, r := range reqAny {
						if s, ok := r.(string); ok {
							reqStrings = append(reqStrings, s)
						}
					}
					inputSchema.Required = reqStrings
				}
			}
		}

		anthropicTools[i] = anthropic.ToolUnionParamOfTool(inputSchema, tool.Function.Name)
	}

	return anthropicTools
}

// Info returns metadata describing this Anthropic model implementation.
func (m *Model) Info() provider.Info {
	return provider.Info{
		Name:          string(m.opts.Model),
		Provider:      "anthropic",
		SupportsTools: true,
	}
}
