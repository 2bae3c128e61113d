package tools

import (
	"context"
	"strings"

	"github.com/forgeline/foreman/pkg/models"
)

// Router wraps a Dispatcher and applies path routing before each call.
//
// With a workspace active, file tools address paths relative to the
// workspace root: the `output/<workspace>/` prefix pods tend to emit is
// stripped so the backend resolves inside the sandbox. Without one,
// paths are confined under `output/<slug>/` so parallel work orders
// cannot collide on disk.
type Router struct {
	next        Dispatcher
	workspaceID string
	slug        string
}

// NewRouter creates a router for one execution. workspaceID is empty in
// direct mode.
func NewRouter(next Dispatcher, workspaceID, slug string) *Router {
	return &Router{next: next, workspaceID: workspaceID, slug: slug}
}

// WorkspaceActive reports whether calls route to a sandboxed workspace.
func (r *Router) WorkspaceActive() bool { return r.workspaceID != "" }

func (r *Router) Dispatch(ctx context.Context, req Request) (string, error) {
	if pathTool(req.Tool) {
		if p, ok := PathInput(req); ok {
			req = withPath(req, r.Route(p))
		}
	}
	if r.workspaceID != "" {
		// The backend multiplexes workspaces on one endpoint; the id
		// travels with the call.
		req = withInput(req, "workspace_id", r.workspaceID)
	}
	return r.next.Dispatch(ctx, req)
}

func (r *Router) Close() error { return r.next.Close() }

// Route rewrites a single path according to the active mode.
func (r *Router) Route(p string) string {
	p = models.NormalizePath(p)
	if r.workspaceID != "" {
		return strings.TrimPrefix(p, "output/"+r.workspaceID+"/")
	}
	prefix := "output/" + r.slug + "/"
	if strings.HasPrefix(p, prefix) {
		return p
	}
	return prefix + strings.TrimPrefix(p, "output/")
}

func pathTool(tool string) bool {
	switch tool {
	case ToolFileRead, ToolFileWrite, ToolFileList, ToolEditFile:
		return true
	}
	return false
}

func withPath(req Request, p string) Request {
	return withInput(req, "path", p)
}

func withInput(req Request, key string, val any) Request {
	in := make(map[string]any, len(req.Input)+1)
	for k, v := range req.Input {
		in[k] = v
	}
	in[key] = val
	req.Input = in
	return req
}
