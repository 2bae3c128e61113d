package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Workspaces manages sandboxed workspaces on the tool backend. A nil
// Workspaces (or a failing Create) puts the execution in direct path
// mode.
type Workspaces interface {
	Create(ctx context.Context, workOrderID string) (string, error)
	Delete(ctx context.Context, workspaceID string) error
	FileURL(workspaceID, path string) string
	ZipURL(workspaceID string) string
}

// HTTPWorkspaces talks to the workspace endpoint of the tool backend.
type HTTPWorkspaces struct {
	baseURL string
	client  *http.Client
}

// NewHTTPWorkspaces creates a workspace client for the given base URL.
func NewHTTPWorkspaces(baseURL string) *HTTPWorkspaces {
	return &HTTPWorkspaces{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (h *HTTPWorkspaces) Create(ctx context.Context, workOrderID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"workOrderId": workOrderID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/workspaces", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("workspace create returned %d", resp.StatusCode)
	}

	var parsed struct {
		ID string `json:"id"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", fmt.Errorf("workspace create response: %w", err)
	}
	if parsed.ID == "" {
		return "", fmt.Errorf("workspace create returned no id")
	}
	return parsed.ID, nil
}

func (h *HTTPWorkspaces) Delete(ctx context.Context, workspaceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		h.baseURL+"/workspaces/"+url.PathEscape(workspaceID), nil)
	if err != nil {
		return err
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("workspace delete returned %d", resp.StatusCode)
	}
	return nil
}

func (h *HTTPWorkspaces) FileURL(workspaceID, path string) string {
	return h.baseURL + "/workspaces/" + url.PathEscape(workspaceID) + "/files/" + path
}

func (h *HTTPWorkspaces) ZipURL(workspaceID string) string {
	return h.baseURL + "/workspaces/" + url.PathEscape(workspaceID) + "/archive.zip"
}
