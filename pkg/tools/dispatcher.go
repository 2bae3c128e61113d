// Package tools abstracts the external tool backend: a dispatcher with
// a fixed {tool, input} request contract, plus the path routing applied
// in workspace and direct modes.
package tools

import "context"

// Recognized tool names. Each pod is assignable a subset via its
// whitelist; an empty whitelist permits all of them.
const (
	ToolFileRead             = "file_read"
	ToolFileWrite            = "file_write"
	ToolFileList             = "file_list"
	ToolScanDirectory        = "scan_directory"
	ToolCodeSearch           = "code_search"
	ToolExecuteCode          = "execute_code"
	ToolRunCommand           = "run_command"
	ToolGit                  = "git"
	ToolEditFile             = "edit_file"
	ToolWebSearch            = "web_search"
	ToolGenerateImage        = "generate_image"
	ToolMemoryStore          = "memory_store"
	ToolMemoryRecall         = "memory_recall"
	ToolSystemStatus         = "system_status"
	ToolRequestClarification = "request_clarification"
)

// Request is the wire form of one tool call.
type Request struct {
	Tool  string         `json:"tool"`
	Input map[string]any `json:"input"`
}

// Dispatcher executes a named tool with structured input and returns a
// string result. Errors are backend failures; tool-level refusals come
// back as result strings.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (string, error)
	Close() error
}

// ProducesFileArtifact reports whether a successful call of the tool
// yields a file artifact.
func ProducesFileArtifact(tool string) bool {
	return tool == ToolFileWrite || tool == ToolEditFile
}

// PathInput extracts the path argument a tool call carries, if any.
func PathInput(req Request) (string, bool) {
	p, ok := req.Input["path"].(string)
	return p, ok && p != ""
}
