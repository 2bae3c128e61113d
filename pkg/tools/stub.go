package tools

import (
	"context"
	"sync"

	"github.com/forgeline/foreman/pkg/foremanerr"
)

// StubDispatcher records every call and replies from a per-tool script.
// Tools with no scripted result return "{}".
type StubDispatcher struct {
	mu      sync.Mutex
	Calls   []Request
	Results map[string]string // tool name -> canned result
	Errs    map[string]error  // tool name -> forced failure
}

// NewStubDispatcher creates an empty stub.
func NewStubDispatcher() *StubDispatcher {
	return &StubDispatcher{
		Results: make(map[string]string),
		Errs:    make(map[string]error),
	}
}

func (s *StubDispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", foremanerr.Wrap(foremanerr.KindCancelled, "tool dispatch cancelled", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls = append(s.Calls, req)
	if err, ok := s.Errs[req.Tool]; ok {
		return "", foremanerr.Wrap(foremanerr.KindToolFailure, req.Tool, err)
	}
	if res, ok := s.Results[req.Tool]; ok {
		return res, nil
	}
	return "{}", nil
}

func (s *StubDispatcher) Close() error { return nil }

// CallsFor returns the recorded calls for one tool.
func (s *StubDispatcher) CallsFor(tool string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, c := range s.Calls {
		if c.Tool == tool {
			out = append(out, c)
		}
	}
	return out
}
