package llmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tarsy-sre/tarsy/pkg/agent"
	"github.com/tarsy-sre/tarsy/pkg/config"
)

func (c *Client) openaiClient(cfg *config.LLMProviderConfig) (*openai.Client, error) {
	apiKey := resolveAPIKey(cfg)
	if apiKey == "" {
		return nil, missingAPIKeyErr(cfg)
	}

	key := cacheKey(cfg)

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.openaiClients[key]; ok {
		return client, nil
	}

	oaiCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		oaiCfg.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(oaiCfg)
	c.openaiClients[key] = client
	return client, nil
}

// generateOpenAI serves both the openai and xai provider types: xAI's Grok
// API speaks the OpenAI chat-completions wire format, so the same client
// and conversion logic covers both, distinguished only by BaseURL.
func (c *Client) generateOpenAI(ctx context.Context, input *agent.GenerateInput) (<-chan agent.Chunk, error) {
	client, err := c.openaiClient(input.Config)
	if err != nil {
		return nil, err
	}

	req := openai.ChatCompletionRequest{
		Model:         input.Config.Model,
		Messages:      openaiMessages(input.Messages),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if len(input.Tools) > 0 {
		req.Tools = openaiTools(input.Tools)
	}

	stream, err := client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("llmprovider: openai stream create: %w", err)
	}

	out := make(chan agent.Chunk)
	go func() {
		defer close(out)
		processOpenAIStream(stream, out)
	}()

	return out, nil
}

func processOpenAIStream(stream *openai.ChatCompletionStream, out chan<- agent.Chunk) {
	defer stream.Close()

	type toolCall struct {
		id, name string
		args     strings.Builder
	}
	calls := make(map[int]*toolCall)
	var order []int

	flush := func() {
		for _, idx := range order {
			tc := calls[idx]
			if tc != nil && tc.id != "" && tc.name != "" {
				out <- &agent.ToolCallChunk{CallID: tc.id, Name: tc.name, Arguments: tc.args.String()}
			}
		}
		calls = make(map[int]*toolCall)
		order = nil
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush()
				return
			}
			out <- &agent.ErrorChunk{Message: err.Error(), Retryable: isRetryableOpenAIError(err)}
			return
		}

		if resp.Usage != nil {
			out <- &agent.UsageChunk{
				InputTokens:  resp.Usage.PromptTokens,
				OutputTokens: resp.Usage.CompletionTokens,
				TotalTokens:  resp.Usage.TotalTokens,
			}
		}

		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			out <- &agent.TextChunk{Content: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			cur, ok := calls[idx]
			if !ok {
				cur = &toolCall{}
				calls[idx] = cur
				order = append(order, idx)
			}
			if tc.ID != "" {
				cur.id = tc.ID
			}
			if tc.Function.Name != "" {
				cur.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				cur.args.WriteString(tc.Function.Arguments)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			flush()
		}
	}
}

func openaiMessages(msgs []agent.ConversationMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case agent.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})
		case agent.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		case agent.RoleAssistant:
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				m.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					m.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					}
				}
			}
			result = append(result, m)
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}

func openaiTools(tools []agent.ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal([]byte(tool.ParametersSchema), &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result = append(result, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}
	return result
}

func isRetryableOpenAIError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, needle := range []string{
		"rate limit", "429",
		"500", "502", "503", "504",
		"timeout", "deadline exceeded",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
