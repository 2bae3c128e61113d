package llm

import (
	"strings"

	"github.com/forgeline/foreman/pkg/foremanerr"
)

// Response holds a fully collected streaming response.
type Response struct {
	Text      string
	Thinking  string
	ToolCalls []ToolCall
	Usage     Usage
}

// Usage aggregates token consumption across calls.
type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// Add accumulates another call's usage.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// StreamCallback observes deltas during collection for live display.
// delta carries only the new content of this chunk; consumers
// concatenate locally.
type StreamCallback func(kind ChunkType, delta string)

// Collect drains a chunk channel into a Response. callback may be nil
// (buffered mode). An ErrorChunk aborts collection with a ModelFailure;
// any text already collected is carried on the error for retry context.
func Collect(stream <-chan Chunk, callback StreamCallback) (*Response, error) {
	resp := &Response{}
	var text, thinking strings.Builder

	for chunk := range stream {
		switch c := chunk.(type) {
		case *TextChunk:
			text.WriteString(c.Content)
			if callback != nil {
				callback(ChunkTypeText, c.Content)
			}
		case *ThinkingChunk:
			thinking.WriteString(c.Content)
			if callback != nil {
				callback(ChunkTypeThinking, c.Content)
			}
		case *ToolCallChunk:
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:        c.CallID,
				Name:      c.Name,
				Arguments: c.Arguments,
			})
		case *UsageChunk:
			resp.Usage.InputTokens += c.InputTokens
			resp.Usage.OutputTokens += c.OutputTokens
			resp.Usage.TotalTokens += c.TotalTokens
		case *ErrorChunk:
			resp.Text = text.String()
			return resp, foremanerr.Ef(foremanerr.KindModelFailure, "model stream error: %s", c.Message)
		}
	}

	resp.Text = text.String()
	resp.Thinking = thinking.String()
	return resp, nil
}
