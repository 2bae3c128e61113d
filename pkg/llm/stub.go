package llm

import "context"

// ScriptedTurn is one canned model response for the stub client.
type ScriptedTurn struct {
	Text      string
	Thinking  string
	ToolCalls []ToolCall
	Usage     Usage
	Err       string // non-empty delivers an ErrorChunk instead
}

// StubClient replays scripted turns in order. Once the script is
// exhausted it keeps returning the final turn (or an empty completion
// if the script is empty). Safe for single-goroutine use per request;
// the engine issues one call at a time per pod.
type StubClient struct {
	Turns []ScriptedTurn
	next  int

	// Requests records every request for assertions.
	Requests []*Request
}

// NewStubClient creates a stub replaying the given turns.
func NewStubClient(turns ...ScriptedTurn) *StubClient {
	return &StubClient{Turns: turns}
}

func (s *StubClient) Stream(ctx context.Context, req *Request) (<-chan Chunk, error) {
	s.Requests = append(s.Requests, req)

	var turn ScriptedTurn
	if len(s.Turns) > 0 {
		i := s.next
		if i >= len(s.Turns) {
			i = len(s.Turns) - 1
		}
		turn = s.Turns[i]
		s.next++
	}

	ch := make(chan Chunk, 8+len(turn.ToolCalls))
	go func() {
		defer close(ch)
		if turn.Err != "" {
			send(ctx, ch, &ErrorChunk{Message: turn.Err})
			return
		}
		if turn.Thinking != "" {
			if !send(ctx, ch, &ThinkingChunk{Content: turn.Thinking}) {
				return
			}
		}
		if turn.Text != "" {
			if !send(ctx, ch, &TextChunk{Content: turn.Text}) {
				return
			}
		}
		for _, tc := range turn.ToolCalls {
			if !send(ctx, ch, &ToolCallChunk{CallID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}) {
				return
			}
		}
		if turn.Usage != (Usage{}) {
			send(ctx, ch, &UsageChunk{
				InputTokens:  turn.Usage.InputTokens,
				OutputTokens: turn.Usage.OutputTokens,
				TotalTokens:  turn.Usage.TotalTokens,
			})
		}
	}()
	return ch, nil
}

func (s *StubClient) Close() error { return nil }
