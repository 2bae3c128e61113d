package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/forgeline/foreman/pkg/foremanerr"
)

// HTTPDispatcher talks to the tool backend over HTTP: one POST per tool
// call, retried with exponential backoff on transport errors and 5xx
// responses. 4xx responses are not retried — the backend rejected the
// call and a replay would fail identically.
type HTTPDispatcher struct {
	endpoint string
	client   *http.Client

	maxElapsed time.Duration
}

// NewHTTPDispatcher creates a dispatcher for the given backend endpoint.
func NewHTTPDispatcher(endpoint string) *HTTPDispatcher {
	return &HTTPDispatcher{
		endpoint:   endpoint,
		client:     &http.Client{Timeout: 2 * time.Minute},
		maxElapsed: 90 * time.Second,
	}
}

type backendResponse struct {
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// Dispatch executes one tool call. The backend's structured result is
// returned as its JSON text so the model sees exactly what the tool
// produced.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", foremanerr.Wrap(foremanerr.KindInternal, "marshal tool request", err)
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(500*time.Millisecond),
		backoff.WithMaxElapsedTime(d.maxElapsed),
	), ctx)

	var result string
	op := func() error {
		httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
		if reqErr != nil {
			return backoff.Permanent(reqErr)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, doErr := d.client.Do(httpReq)
		if doErr != nil {
			return doErr // transport error, retryable
		}
		defer resp.Body.Close()

		data, readErr := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("tool backend returned %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("tool backend rejected call: %d: %s", resp.StatusCode, data))
		}

		var parsed backendResponse
		if err := json.Unmarshal(data, &parsed); err != nil {
			// Backend replied non-JSON; pass the raw text through.
			result = string(data)
			return nil
		}
		if parsed.Error != "" {
			return backoff.Permanent(fmt.Errorf("tool error: %s", parsed.Error))
		}
		result = string(parsed.Result)
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		if ctx.Err() != nil {
			return "", foremanerr.Wrap(foremanerr.KindCancelled, "tool dispatch cancelled", ctx.Err())
		}
		return "", foremanerr.Wrap(foremanerr.KindToolFailure, req.Tool, err)
	}
	return result, nil
}

// Close is a no-op; the HTTP client holds no persistent resources.
func (d *HTTPDispatcher) Close() error { return nil }
