package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient implements Client against any OpenAI-compatible
// chat-completions endpoint (OpenAI, OpenRouter, local gateways).
type OpenAIClient struct {
	client *openai.Client
}

// NewOpenAIClient creates a streaming client for the given endpoint.
// baseURL may be empty for the default OpenAI endpoint.
func NewOpenAIClient(baseURL, apiKey string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg)}
}

// Stream sends the conversation and pumps deltas into a chunk channel.
// Tool-call deltas are accumulated per index and emitted as complete
// ToolCallChunk values when the stream ends.
func (c *OpenAIClient) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	oreq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.Temperature > 0 {
		oreq.Temperature = float32(req.Temperature)
	}
	if req.MaxTokens > 0 {
		oreq.MaxTokens = req.MaxTokens
	}
	for _, t := range req.Tools {
		oreq.Tools = append(oreq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Schema),
			},
		})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, fmt.Errorf("chat completion stream: %w", err)
	}

	ch := make(chan Chunk, 32)
	go func() {
		defer close(ch)
		defer stream.Close()

		// Partial tool calls accumulate by stream index until EOF.
		calls := make(map[int]*ToolCallChunk)

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				emitToolCalls(ctx, ch, calls)
				return
			}
			if err != nil {
				send(ctx, ch, &ErrorChunk{Message: err.Error(), Retryable: false})
				return
			}

			if resp.Usage != nil {
				if !send(ctx, ch, &UsageChunk{
					InputTokens:  resp.Usage.PromptTokens,
					OutputTokens: resp.Usage.CompletionTokens,
					TotalTokens:  resp.Usage.TotalTokens,
				}) {
					return
				}
			}
			if len(resp.Choices) == 0 {
				continue
			}
			delta := resp.Choices[0].Delta
			if delta.Content != "" {
				if !send(ctx, ch, &TextChunk{Content: delta.Content}) {
					return
				}
			}
			for _, tc := range delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				acc, ok := calls[idx]
				if !ok {
					acc = &ToolCallChunk{}
					calls[idx] = acc
				}
				if tc.ID != "" {
					acc.CallID = tc.ID
				}
				if tc.Function.Name != "" {
					acc.Name += tc.Function.Name
				}
				acc.Arguments += tc.Function.Arguments
			}
		}
	}()

	return ch, nil
}

// Close is a no-op: the underlying HTTP client holds no resources.
func (c *OpenAIClient) Close() error { return nil }

func emitToolCalls(ctx context.Context, ch chan<- Chunk, calls map[int]*ToolCallChunk) {
	idxs := make([]int, 0, len(calls))
	for i := range calls {
		idxs = append(idxs, i)
	}
	sort.Ints(idxs)
	for _, i := range idxs {
		if !send(ctx, ch, calls[i]) {
			return
		}
	}
}

func send(ctx context.Context, ch chan<- Chunk, c Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		if m.Role == RoleTool {
			om.ToolCallID = m.ToolCallID
			om.Name = m.ToolName
		}
		out = append(out, om)
	}
	return out
}
