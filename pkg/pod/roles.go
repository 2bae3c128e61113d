package pod

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/foreman/pkg/llm"
	"github.com/forgeline/foreman/pkg/models"
	"github.com/forgeline/foreman/pkg/tools"
)

// toolDefs is the schema catalog offered to models, keyed by tool name.
var toolDefs = map[string]llm.ToolDefinition{
	tools.ToolFileRead: {
		Name:        tools.ToolFileRead,
		Description: "Read a file and return its content.",
		Schema:      `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`,
	},
	tools.ToolFileWrite: {
		Name:        tools.ToolFileWrite,
		Description: "Write content to a file, creating or replacing it.",
		Schema:      `{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`,
	},
	tools.ToolFileList: {
		Name:        tools.ToolFileList,
		Description: "List files under a directory.",
		Schema:      `{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`,
	},
	tools.ToolEditFile: {
		Name:        tools.ToolEditFile,
		Description: "Replace old_text with new_text in an existing file.",
		Schema:      `{"type":"object","properties":{"path":{"type":"string"},"old_text":{"type":"string"},"new_text":{"type":"string"}},"required":["path","old_text","new_text"]}`,
	},
	tools.ToolCodeSearch: {
		Name:        tools.ToolCodeSearch,
		Description: "Search code by query or pattern.",
		Schema:      `{"type":"object","properties":{"query":{"type":"string"},"path":{"type":"string"}},"required":["query"]}`,
	},
	tools.ToolExecuteCode: {
		Name:        tools.ToolExecuteCode,
		Description: "Execute a code snippet and return its output.",
		Schema:      `{"type":"object","properties":{"language":{"type":"string"},"code":{"type":"string"}},"required":["language","code"]}`,
	},
	tools.ToolRunCommand: {
		Name:        tools.ToolRunCommand,
		Description: "Run a shell command.",
		Schema:      `{"type":"object","properties":{"command":{"type":"string"},"cwd":{"type":"string"}},"required":["command"]}`,
	},
	tools.ToolGit: {
		Name:        tools.ToolGit,
		Description: "Run a git operation.",
		Schema:      `{"type":"object","properties":{"operation":{"type":"string"},"args":{"type":"array","items":{"type":"string"}}},"required":["operation"]}`,
	},
	tools.ToolWebSearch: {
		Name:        tools.ToolWebSearch,
		Description: "Search the web.",
		Schema:      `{"type":"object","properties":{"query":{"type":"string"},"count":{"type":"integer"}},"required":["query"]}`,
	},
	tools.ToolGenerateImage: {
		Name:        tools.ToolGenerateImage,
		Description: "Generate an image from a prompt.",
		Schema:      `{"type":"object","properties":{"prompt":{"type":"string"},"size":{"type":"string"},"quality":{"type":"string"},"style":{"type":"string"}},"required":["prompt"]}`,
	},
	tools.ToolMemoryStore: {
		Name:        tools.ToolMemoryStore,
		Description: "Store a note for later recall.",
		Schema:      `{"type":"object","properties":{"key":{"type":"string"},"content":{"type":"string"},"category":{"type":"string"}},"required":["content"]}`,
	},
	tools.ToolMemoryRecall: {
		Name:        tools.ToolMemoryRecall,
		Description: "Recall previously stored notes.",
		Schema:      `{"type":"object","properties":{"query":{"type":"string"},"category":{"type":"string"}},"required":["query"]}`,
	},
	tools.ToolRequestClarification: {
		Name:        tools.ToolRequestClarification,
		Description: "Ask the work order's owner a question when a decision blocks progress.",
		Schema:      `{"type":"object","properties":{"question":{"type":"string"},"context":{"type":"string"},"options":{"type":"array","items":{"type":"string"}}},"required":["question"]}`,
	},
}

// roleTools lists which tools each role is encouraged to use.
var roleTools = map[models.PodRole][]string{
	models.RoleOrchestrator: {
		tools.ToolFileRead, tools.ToolFileList, tools.ToolMemoryStore,
		tools.ToolMemoryRecall, tools.ToolRequestClarification,
	},
	models.RoleFrontend: {
		tools.ToolFileRead, tools.ToolFileWrite, tools.ToolEditFile,
		tools.ToolFileList, tools.ToolCodeSearch, tools.ToolRequestClarification,
	},
	models.RoleBackend: {
		tools.ToolFileRead, tools.ToolFileWrite, tools.ToolEditFile,
		tools.ToolFileList, tools.ToolCodeSearch, tools.ToolExecuteCode,
		tools.ToolRunCommand, tools.ToolGit, tools.ToolRequestClarification,
	},
	models.RoleDesigner: {
		tools.ToolFileRead, tools.ToolFileWrite, tools.ToolGenerateImage,
		tools.ToolRequestClarification,
	},
	models.RoleWriter: {
		tools.ToolFileRead, tools.ToolFileWrite, tools.ToolEditFile,
		tools.ToolRequestClarification,
	},
	models.RoleResearcher: {
		tools.ToolWebSearch, tools.ToolFileWrite, tools.ToolMemoryStore,
		tools.ToolMemoryRecall, tools.ToolRequestClarification,
	},
	models.RoleQA: {
		tools.ToolFileRead, tools.ToolFileList, tools.ToolCodeSearch,
		tools.ToolExecuteCode, tools.ToolRunCommand, tools.ToolRequestClarification,
	},
}

// SpecializedTools returns the tool schemas offered to a pod's model:
// the role's tool set intersected with the pod's whitelist.
func SpecializedTools(p *models.Pod) []llm.ToolDefinition {
	names, ok := roleTools[p.Role]
	if !ok {
		names = roleTools[models.RoleBackend]
	}
	out := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		if !p.ToolAllowed(name) {
			continue
		}
		if def, ok := toolDefs[name]; ok {
			out = append(out, def)
		}
	}
	return out
}

// ProcessTaskOutput turns a pod's final text into typed artifacts for
// roles whose deliverable is the text itself. File artifacts are created
// in the tool loop; this covers prose and design output.
func ProcessTaskOutput(p *models.Pod, task *models.Task, text string, now time.Time) []*models.Artifact {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var typ models.ArtifactType
	switch p.Role {
	case models.RoleWriter, models.RoleResearcher:
		typ = models.ArtifactDocument
	case models.RoleDesigner:
		typ = models.ArtifactDesign
	default:
		return nil
	}

	return []*models.Artifact{{
		ID:          uuid.New().String(),
		Name:        task.Name,
		Type:        typ,
		Content:     text,
		CreatedBy:   p.ID,
		CreatedAt:   now,
		Version:     1,
		Status:      models.ArtifactDraft,
	}}
}
