package llmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tarsy-sre/tarsy/pkg/agent"
	"github.com/tarsy-sre/tarsy/pkg/config"
)

const anthropicDefaultMaxTokens = 4096

func (c *Client) anthropicClient(cfg *config.LLMProviderConfig) (sdk.Client, error) {
	apiKey := resolveAPIKey(cfg)
	if apiKey == "" {
		return sdk.Client{}, missingAPIKeyErr(cfg)
	}

	key := cacheKey(cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.anthropicClients[key]; ok {
		return client, nil
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := sdk.NewClient(opts...)
	c.anthropicClients[key] = client
	return client, nil
}

func (c *Client) generateAnthropic(ctx context.Context, input *agent.GenerateInput) (<-chan agent.Chunk, error) {
	client, err := c.anthropicClient(input.Config)
	if err != nil {
		return nil, err
	}

	messages, system, err := anthropicMessages(input.Messages)
	if err != nil {
		return nil, fmt.Errorf("llmprovider: anthropic message conversion: %w", err)
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(input.Config.Model),
		Messages:  messages,
		MaxTokens: anthropicDefaultMaxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(input.Tools) > 0 {
		tools, err := anthropicTools(input.Tools)
		if err != nil {
			return nil, fmt.Errorf("llmprovider: anthropic tool conversion: %w", err)
		}
		params.Tools = tools
	}

	out := make(chan agent.Chunk)
	go func() {
		defer close(out)
		stream := client.Messages.NewStreaming(ctx, params)
		processAnthropicStream(stream, out)
	}()

	return out, nil
}

// anthropicStream is the subset of ssestream.Stream used here, named so this
// file doesn't need to spell out the generic instantiation from the SDK's
// packages/ssestream import.
type anthropicStream interface {
	Next() bool
	Current() sdk.MessageStreamEventUnion
	Err() error
}

func processAnthropicStream(stream anthropicStream, out chan<- agent.Chunk) {
	var currentToolID, currentToolName string
	var currentToolInput strings.Builder

	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolID = toolUse.ID
				currentToolName = toolUse.Name
				currentToolInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- &agent.TextChunk{Content: delta.Text}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					out <- &agent.ThinkingChunk{Content: delta.Thinking}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
				}
			}

		case "content_block_stop":
			if currentToolID != "" {
				args := currentToolInput.String()
				if strings.TrimSpace(args) == "" {
					args = "{}"
				}
				out <- &agent.ToolCallChunk{CallID: currentToolID, Name: currentToolName, Arguments: args}
				currentToolID, currentToolName = "", ""
			}

		case "message_delta":
			deltaEvent := event.AsMessageDelta()
			if deltaEvent.Usage.OutputTokens > 0 {
				outputTokens = int(deltaEvent.Usage.OutputTokens)
			}

		case "message_stop":
			out <- &agent.UsageChunk{
				InputTokens:  inputTokens,
				OutputTokens: outputTokens,
				TotalTokens:  inputTokens + outputTokens,
			}
			return

		case "error":
			out <- &agent.ErrorChunk{Message: "anthropic stream error", Retryable: true}
			return
		}
	}

	if err := stream.Err(); err != nil {
		out <- &agent.ErrorChunk{Message: err.Error(), Retryable: isRetryableAnthropicError(err)}
	}
}

func anthropicMessages(msgs []agent.ConversationMessage) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var result []sdk.MessageParam
	var system []sdk.TextBlockParam

	for _, msg := range msgs {
		switch msg.Role {
		case agent.RoleSystem:
			if msg.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: msg.Content})
			}
			continue
		case agent.RoleTool:
			result = append(result, sdk.NewUserMessage(sdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
			continue
		}

		var content []sdk.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, sdk.NewTextBlock(msg.Content))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if tc.Arguments != "" {
				if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
					return nil, nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
				}
			}
			content = append(content, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == agent.RoleAssistant {
			result = append(result, sdk.NewAssistantMessage(content...))
		} else {
			result = append(result, sdk.NewUserMessage(content...))
		}
	}

	if len(result) == 0 {
		return nil, nil, errors.New("at least one user/assistant message is required")
	}
	return result, system, nil
}

func anthropicTools(tools []agent.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	result := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema sdk.ToolInputSchemaParam
		if err := json.Unmarshal([]byte(tool.ParametersSchema), &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for tool %s: %w", tool.Name, err)
		}

		toolParam := sdk.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for tool %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = sdk.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

func isRetryableAnthropicError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
