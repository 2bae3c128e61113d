// Package pod executes tasks through a model session: prompt assembly,
// streamed completion, the capped tool loop, and artifact extraction.
// Role-specific behavior is confined to roles.go.
package pod

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/forgeline/foreman/pkg/bus"
	"github.com/forgeline/foreman/pkg/clarify"
	"github.com/forgeline/foreman/pkg/clock"
	"github.com/forgeline/foreman/pkg/config"
	"github.com/forgeline/foreman/pkg/contract"
	"github.com/forgeline/foreman/pkg/events"
	"github.com/forgeline/foreman/pkg/foremanerr"
	"github.com/forgeline/foreman/pkg/llm"
	"github.com/forgeline/foreman/pkg/models"
	"github.com/forgeline/foreman/pkg/prompt"
	"github.com/forgeline/foreman/pkg/tools"
)

// Clarifier resolves request_clarification tool calls. Implementations
// are bound to the running work order by the caller.
type Clarifier interface {
	Resolve(ctx context.Context, req clarify.Request) (string, error)
}

// Runtime runs tasks on pods. One Runtime is shared by all pods of a
// work order; per-task state lives on the stack of RunTask.
type Runtime struct {
	model      llm.Client
	dispatcher tools.Dispatcher
	contracts  *contract.Service
	bus        *bus.Bus
	stream     *events.Stream
	clarifier  Clarifier
	clock      clock.Clock
	consts     config.Constants
}

// NewRuntime creates a task runtime.
func NewRuntime(model llm.Client, dispatcher tools.Dispatcher, contracts *contract.Service,
	b *bus.Bus, stream *events.Stream, clarifier Clarifier, clk clock.Clock, consts config.Constants) *Runtime {
	return &Runtime{
		model:      model,
		dispatcher: dispatcher,
		contracts:  contracts,
		bus:        b,
		stream:     stream,
		clarifier:  clarifier,
		clock:      clk,
		consts:     consts,
	}
}

// TaskContext carries everything one task execution needs. Artifacts are
// pre-filtered to what the pod may see, newest first.
type TaskContext struct {
	WorkOrder        *models.WorkOrder
	Pod              *models.Pod
	Task             *models.Task
	ContractID       string
	Artifacts        []*models.Artifact
	RecentErrors     []string
	RemainingMinutes float64

	// State serializes task and pod mutations with the caller's
	// persistence path. Nil means the caller owns all referenced
	// structs and no locking is needed.
	State sync.Locker

	// Gate is the pre-tool-call suspension point: it blocks while the
	// work order is paused and returns a cancelled error once the run
	// is cancelled. Nil disables gating.
	Gate func(ctx context.Context) error
}

func (tc TaskContext) lockState() {
	if tc.State != nil {
		tc.State.Lock()
	}
}

func (tc TaskContext) unlockState() {
	if tc.State != nil {
		tc.State.Unlock()
	}
}

// suspend runs before every tool call: cancellation wins, then the
// pause gate.
func (tc TaskContext) suspend(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return foremanerr.Wrap(foremanerr.KindCancelled, "task cancelled", err)
	}
	if tc.Gate == nil {
		return nil
	}
	return tc.Gate(ctx)
}

// Result is what a completed task hands back to the engine.
type Result struct {
	Artifacts  []*models.Artifact
	TokensUsed int
	Output     string
}

// RunTask executes one task to completion. Task-level failures come back
// as errors; the caller marks the task failed and carries on with
// sibling tasks.
func (r *Runtime) RunTask(ctx context.Context, tc TaskContext) (*Result, error) {
	p, task := tc.Pod, tc.Task
	tc.lockState()
	p.Status = models.PodWorking
	p.CurrentTask = task.ID
	task.Status = models.TaskInProgress
	tc.unlockState()
	started := r.clock.Now()

	res, err := r.runTask(ctx, tc)

	duration := r.clock.Now().Sub(started).Minutes()
	if err != nil {
		tc.lockState()
		p.CurrentTask = ""
		task.ActualDuration = duration
		task.Status = models.TaskFailed
		p.Status = models.PodIdle
		p.RecordFailure(r.consts.HealthWarningAfter, r.consts.HealthCriticalAfter)
		tc.unlockState()
		r.bus.Publish(models.BusMessage{
			From: p.ID,
			To:   models.BusBroadcast,
			Type: models.MsgError,
			Payload: map[string]any{
				"taskId":  task.ID,
				"message": err.Error(),
			},
			Priority: models.PriorityHigh,
		})
		slog.Warn("Task failed",
			"work_order_id", tc.WorkOrder.ID, "task_id", task.ID,
			"pod_id", p.ID, "kind", foremanerr.KindOf(err), "error", err)
		return nil, err
	}

	tc.lockState()
	p.CurrentTask = ""
	task.ActualDuration = duration
	task.Status = models.TaskComplete
	task.Output = res.Output
	p.Status = models.PodIdle
	p.CompletedTasks = append(p.CompletedTasks, task.ID)
	p.RecordSuccess()
	p.ResourceUsage.TokensUsed += res.TokensUsed
	p.ResourceUsage.ExecutionTime += duration
	p.Outputs = append(p.Outputs, models.PodOutput{
		TaskID:    task.ID,
		Content:   res.Output,
		CreatedAt: r.clock.Now(),
	})
	tc.unlockState()
	r.contracts.RecordUsage(tc.ContractID, 0, res.TokensUsed)
	r.bus.Publish(models.BusMessage{
		From: p.ID,
		To:   models.BusBroadcast,
		Type: models.MsgResult,
		Payload: map[string]any{
			"taskId":  task.ID,
			"summary": task.Name + " complete",
		},
	})
	return res, nil
}

func (r *Runtime) runTask(ctx context.Context, tc TaskContext) (*Result, error) {
	p, task, w := tc.Pod, tc.Task, tc.WorkOrder

	// Pre-flight check: a violated contract denies everything before any
	// external call is made.
	check := r.contracts.ValidateAction(tc.ContractID, models.ActionCheck{Operation: "task_execution"})
	if !check.Allowed {
		return nil, foremanerr.Ef(foremanerr.KindContractViolation,
			"task %s denied: %s", task.ID, strings.Join(check.Violations, "; "))
	}

	inbox := r.bus.Subscribe(p.ID)
	taskPrompt := prompt.Task(prompt.TaskInput{
		Task:             task,
		Objective:        w.Objective,
		Quality:          w.Quality,
		RemainingMinutes: tc.RemainingMinutes,
		Artifacts:        tc.Artifacts,
		Inbox:            inbox.Drain(),
		RecentErrors:     tc.RecentErrors,
		ArtifactBudget:   r.consts.ArtifactContextBudget,
		ArtifactPerItem:  r.consts.ArtifactContextPerItem,
		InboxLimit:       r.consts.InboxDigestLimit,
	})

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: p.ModelConfig.SystemPrompt},
		{Role: llm.RoleUser, Content: taskPrompt},
	}
	defs := SpecializedTools(p)

	result := &Result{}
	var finalText strings.Builder
	writtenPaths := make(map[string]struct{})

	for iteration := 0; ; iteration++ {
		resp, err := r.streamOnce(ctx, p, w.ID, task.ID, messages, defs)
		if err != nil {
			return nil, err
		}
		result.TokensUsed += resp.Usage.TotalTokens
		tc.lockState()
		p.ResourceUsage.APICalls++
		tc.unlockState()
		if resp.Text != "" {
			finalText.WriteString(resp.Text)
		}

		if len(resp.ToolCalls) == 0 {
			break
		}
		if iteration >= r.consts.MaxToolIterations {
			slog.Warn("Tool loop cap reached",
				"work_order_id", w.ID, "task_id", task.ID, "iterations", iteration)
			break
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			if err := tc.suspend(ctx); err != nil {
				return nil, err
			}
			toolResult, err := r.runToolCall(ctx, tc, call, writtenPaths, result)
			if err != nil {
				return nil, err
			}
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    toolResult,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}

	result.Output = finalText.String()
	result.Artifacts = append(result.Artifacts,
		ProcessTaskOutput(p, task, result.Output, r.clock.Now())...)
	for _, a := range result.Artifacts {
		a.WorkOrderID = w.ID
	}
	return result, nil
}

// streamOnce performs one model call, mirroring text deltas onto the
// update stream as a live pod message.
func (r *Runtime) streamOnce(ctx context.Context, p *models.Pod, workOrderID, taskID string,
	messages []llm.Message, defs []llm.ToolDefinition) (*llm.Response, error) {

	stream, err := r.model.Stream(ctx, &llm.Request{
		Model:       p.ModelConfig.Model,
		Temperature: p.ModelConfig.Temperature,
		MaxTokens:   p.ModelConfig.MaxTokens,
		Messages:    messages,
		Tools:       defs,
	})
	if err != nil {
		return nil, foremanerr.Wrap(foremanerr.KindModelFailure, "model call", err)
	}

	messageID := uuid.New().String()
	resp, err := llm.Collect(stream, func(kind llm.ChunkType, delta string) {
		if kind != llm.ChunkTypeText {
			return
		}
		r.stream.Publish(workOrderID, models.EventPodMessage, map[string]any{
			"podId":     p.ID,
			"taskId":    taskID,
			"messageId": messageID,
			"delta":     delta,
		})
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// runToolCall executes one pending tool call and returns the result
// string handed back to the model. Contract violations and rewrite
// refusals come back as result strings, not errors.
func (r *Runtime) runToolCall(ctx context.Context, tc TaskContext, call llm.ToolCall,
	writtenPaths map[string]struct{}, result *Result) (string, error) {

	p, w := tc.Pod, tc.WorkOrder

	var input map[string]any
	if call.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Arguments), &input); err != nil {
			return "Invalid tool arguments: " + err.Error(), nil
		}
	}
	req := tools.Request{Tool: call.Name, Input: input}

	if call.Name == tools.ToolRequestClarification {
		answer, err := r.clarifier.Resolve(ctx, clarify.Request{
			Question: stringInput(input, "question"),
			Context:  stringInput(input, "context"),
			Options:  stringSliceInput(input, "options"),
		})
		if err != nil {
			return "", err
		}
		return answer, nil
	}

	path, _ := tools.PathInput(req)
	check := r.contracts.ValidateAction(tc.ContractID, models.ActionCheck{
		Tool: call.Name,
		Path: path,
	})
	if !check.Allowed {
		msg := "Contract violation: " + strings.Join(check.Violations, "; ")
		slog.Warn("Tool call denied by contract",
			"work_order_id", w.ID, "pod_id", p.ID, "tool", call.Name, "path", path)
		return msg, nil
	}
	if !p.ToolAllowed(call.Name) {
		return "Contract violation: tool not in pod whitelist: " + call.Name, nil
	}

	if call.Name == tools.ToolFileWrite && path != "" {
		norm := models.NormalizePath(path)
		if _, dup := writtenPaths[norm]; dup {
			return fmt.Sprintf("File %s was already written in this task; do not rewrite it.", norm), nil
		}
		writtenPaths[norm] = struct{}{}
	}

	started := r.clock.Now()
	out, err := r.dispatcher.Dispatch(ctx, req)
	duration := r.clock.Now().Sub(started)
	if err != nil {
		return "", err
	}
	slog.Debug("Tool dispatched",
		"work_order_id", w.ID, "pod_id", p.ID, "tool", call.Name,
		"duration_ms", duration.Milliseconds())

	if tools.ProducesFileArtifact(call.Name) && path != "" {
		artifact := r.fileArtifact(tc, req, path)
		result.Artifacts = append(result.Artifacts, artifact)
		r.bus.Publish(models.BusMessage{
			From: p.ID,
			To:   models.BusBroadcast,
			Type: models.MsgArtifactReady,
			Payload: map[string]any{
				"artifactId": artifact.ID,
				"path":       artifact.Path,
			},
		})
	}
	return out, nil
}

func (r *Runtime) fileArtifact(tc TaskContext, req tools.Request, path string) *models.Artifact {
	norm := models.NormalizePath(path)
	content := stringInput(req.Input, "content")
	if req.Tool == tools.ToolEditFile {
		content = stringInput(req.Input, "new_text")
	}
	return &models.Artifact{
		ID:          uuid.New().String(),
		WorkOrderID: tc.WorkOrder.ID,
		Name:        norm,
		Type:        models.ArtifactFile,
		Content:     content,
		Path:        norm,
		CreatedBy:   tc.Pod.ID,
		CreatedAt:   r.clock.Now(),
		Version:     1,
		Status:      models.ArtifactDraft,
	}
}

func stringInput(input map[string]any, key string) string {
	s, _ := input[key].(string)
	return s
}

func stringSliceInput(input map[string]any, key string) []string {
	raw, ok := input[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
