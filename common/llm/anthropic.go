package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type anthropicClient struct {
	client anthropic.Client
	model  string
}

// newAnthropicClient creates an AgentClient using the Anthropic API.
func newAnthropicClient(cfg Config) (AgentClient, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	model := cfg.Model
	if model == "" {
		model = "claude-sonnet-4-5-20250514"
	}

	return &anthropicClient{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

func (c *anthropicClient) ChatWithTools(ctx context.Context, req AgentRequest) (*AgentResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 8192
	}

	systemContent, messages := toAnthropicMessages(req.Messages)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}

	if len(systemContent) > 0 {
		params.System = systemContent
	}

	if tools := toAnthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	start := time.Now()
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat with tools: %w", err)
	}

	slog.DebugContext(ctx, "node turn completed",
		"model", c.model,
		"duration_ms", time.Since(start).Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
		"stop_reason", resp.StopReason)

	result := &AgentResponse{
		FinishReason:     mapAnthropicStopReason(resp.StopReason),
		PromptTokens:     int(resp.Usage.InputTokens),
		CompletionTokens: int(resp.Usage.OutputTokens),
	}

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			result.Content += block.Text
		case "tool_use":
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}

	return result, nil
}

func (c *anthropicClient) Model() string {
	return c.model
}

// toAnthropicMessages splits the transcript into system blocks and
// conversation turns. Anthropic takes system content as a separate
// parameter, and tool results ride in user messages.
func toAnthropicMessages(msgs []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var systemContent []anthropic.TextBlockParam
	messages := make([]anthropic.MessageParam, 0, len(msgs))

	for _, msg := range msgs {
		switch msg.Role {
		case "system":
			systemContent = append(systemContent, anthropic.TextBlockParam{
				Type: "text",
				Text: msg.Content,
			})

		case "user":
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Content)},
			})

		case "assistant":
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				content = append(content, anthropic.ContentBlockParamUnion{
					OfToolUse: &anthropic.ToolUseBlockParam{
						Type:  "tool_use",
						ID:    tc.ID,
						Name:  tc.Name,
						Input: []byte(tc.Arguments),
					},
				})
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: content,
			})

		case "tool":
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{
					anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false),
				},
			})
		}
	}

	return systemContent, messages
}

func toAnthropicTools(tools []Tool) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, len(tools))

	for i, t := range tools {
		inputSchema := anthropic.ToolInputSchemaParam{
			Type: "object",
		}
		if t.Parameters != nil {
			inputSchema.Properties = t.Parameters
		}

		result[i] = anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: inputSchema,
			},
		}
	}

	return result
}

// mapAnthropicStopReason normalizes stop reasons to the OpenAI-style
// vocabulary the rest of the module branches on.
func mapAnthropicStopReason(reason anthropic.StopReason) string {
	switch reason {
	case anthropic.StopReasonEndTurn, anthropic.StopReasonStopSequence:
		return "stop"
	case anthropic.StopReasonToolUse:
		return "tool_calls"
	case anthropic.StopReasonMaxTokens:
		return "length"
	default:
		return string(reason)
	}
}
