package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/foreman/pkg/foremanerr"
)

func TestRouterDirectModeConfinesPaths(t *testing.T) {
	stub := NewStubDispatcher()
	r := NewRouter(stub, "", "landing-page")

	_, err := r.Dispatch(context.Background(), Request{
		Tool:  ToolFileWrite,
		Input: map[string]any{"path": "index.html", "content": "<html>"},
	})
	require.NoError(t, err)

	require.Len(t, stub.Calls, 1)
	assert.Equal(t, "output/landing-page/index.html", stub.Calls[0].Input["path"])
	assert.Equal(t, "<html>", stub.Calls[0].Input["content"])
}

func TestRouterDirectModeIdempotentPrefix(t *testing.T) {
	r := NewRouter(NewStubDispatcher(), "", "landing-page")
	assert.Equal(t, "output/landing-page/app.js", r.Route("output/landing-page/app.js"))
	assert.Equal(t, "output/landing-page/app.js", r.Route("output/app.js"))
}

func TestRouterWorkspaceModeStripsPrefix(t *testing.T) {
	stub := NewStubDispatcher()
	r := NewRouter(stub, "ws-42", "landing-page")

	_, err := r.Dispatch(context.Background(), Request{
		Tool:  ToolFileRead,
		Input: map[string]any{"path": "output/ws-42/src/main.go"},
	})
	require.NoError(t, err)

	require.Len(t, stub.Calls, 1)
	assert.Equal(t, "src/main.go", stub.Calls[0].Input["path"])
	assert.Equal(t, "ws-42", stub.Calls[0].Input["workspace_id"])
}

func TestRouterLeavesNonPathToolsAlone(t *testing.T) {
	stub := NewStubDispatcher()
	r := NewRouter(stub, "", "slug")

	_, err := r.Dispatch(context.Background(), Request{
		Tool:  ToolWebSearch,
		Input: map[string]any{"query": "go generics"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"query": "go generics"}, stub.Calls[0].Input)
}

func TestRouterDoesNotMutateCallerInput(t *testing.T) {
	stub := NewStubDispatcher()
	r := NewRouter(stub, "", "slug")

	in := map[string]any{"path": "a.txt"}
	_, err := r.Dispatch(context.Background(), Request{Tool: ToolFileRead, Input: in})
	require.NoError(t, err)
	assert.Equal(t, "a.txt", in["path"])
}

func TestStubDispatcherScriptedError(t *testing.T) {
	stub := NewStubDispatcher()
	stub.Errs[ToolRunCommand] = errors.New("backend down")

	_, err := stub.Dispatch(context.Background(), Request{Tool: ToolRunCommand})
	require.Error(t, err)
	assert.Equal(t, foremanerr.KindToolFailure, foremanerr.KindOf(err))
	assert.Len(t, stub.CallsFor(ToolRunCommand), 1)
}

func TestProducesFileArtifact(t *testing.T) {
	assert.True(t, ProducesFileArtifact(ToolFileWrite))
	assert.True(t, ProducesFileArtifact(ToolEditFile))
	assert.False(t, ProducesFileArtifact(ToolFileRead))
	assert.False(t, ProducesFileArtifact(ToolWebSearch))
}
