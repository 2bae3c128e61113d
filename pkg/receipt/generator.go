// Package receipt builds the final per-work-order summary: executive,
// technical, pause history, and rollback sections.
package receipt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/forgeline/foreman/pkg/clock"
	"github.com/forgeline/foreman/pkg/llm"
	"github.com/forgeline/foreman/pkg/models"
)

// successThreshold is the quality score at which buildStatus is success.
const successThreshold = 70

// Generator produces receipts. model may be nil; the executive summary
// then comes from the deterministic fallback.
type Generator struct {
	model     llm.Client
	modelName string
	clock     clock.Clock
}

// New creates a receipt generator.
func New(model llm.Client, modelName string, clk clock.Clock) *Generator {
	return &Generator{model: model, modelName: modelName, clock: clk}
}

// Input is the engine's ledger at termination time. Artifacts are in
// creation order.
type Input struct {
	WorkOrder        *models.WorkOrder
	Artifacts        []*models.Artifact
	Pods             []*models.Pod
	TasksCompleted   int
	TasksFailed      int
	FailedPhases     int // phases where every task failed
	UnfinishedPhases []string
	TotalTokens      int
	WallClockMin     float64
	PauseDurationMin float64
}

// Generate builds the full receipt.
func (g *Generator) Generate(ctx context.Context, in Input) *models.Receipt {
	score := QualityScore(in.TasksCompleted, in.TasksFailed, in.FailedPhases)

	exec := models.ExecutiveReceipt{
		Accomplishments: accomplishments(in),
		UnfinishedItems: unfinishedItems(in),
		TokensUsed:      in.TotalTokens,
		QualityScore:    score,
	}
	for _, a := range in.Artifacts {
		if a.IsFileArtifact() {
			exec.FilesCreated++
			exec.TotalLines += a.LineCount()
		}
	}
	exec.Summary = g.summary(ctx, in, exec)

	status := models.BuildPartial
	if score >= successThreshold {
		status = models.BuildSuccess
	}

	return &models.Receipt{
		ID:          uuid.New().String(),
		WorkOrderID: in.WorkOrder.ID,
		GeneratedAt: g.clock.Now(),
		Executive:   exec,
		Technical: models.TechnicalReceipt{
			BuildStatus: status,
			PodReceipts: podReceipts(in),
			Performance: models.PerformanceTotals{
				TotalTasks:       in.TasksCompleted + in.TasksFailed,
				TasksCompleted:   in.TasksCompleted,
				TasksFailed:      in.TasksFailed,
				TotalTokens:      in.TotalTokens,
				WallClockMin:     in.WallClockMin,
				PauseDurationMin: in.PauseDurationMin,
			},
		},
		PauseEvents: pauseEvents(in.WorkOrder),
		Rollback:    rollbackPlan(in.Artifacts),
	}
}

// QualityScore is the completion ratio scaled to 100, with a 10-point
// penalty per wholly failed phase. An empty run scores 100.
func QualityScore(completed, failed, failedPhases int) int {
	total := completed + failed
	score := 100
	if total > 0 {
		score = 100 * completed / total
	}
	score -= 10 * failedPhases
	if score < 0 {
		score = 0
	}
	return score
}

func accomplishments(in Input) []string {
	var out []string
	if in.WorkOrder.Plan != nil {
		for _, ph := range in.WorkOrder.Plan.SortedPhases() {
			for _, t := range ph.Tasks {
				if t.Status == models.TaskComplete {
					out = append(out, t.Name)
				}
			}
		}
	}
	return out
}

func unfinishedItems(in Input) []string {
	out := append([]string(nil), in.UnfinishedPhases...)
	if in.WorkOrder.Plan != nil {
		for _, ph := range in.WorkOrder.Plan.SortedPhases() {
			if ph.Status == models.PhasePending {
				continue // already listed as an unfinished phase
			}
			for _, t := range ph.Tasks {
				if t.Status == models.TaskFailed {
					out = append(out, t.Name+" (failed)")
				}
			}
		}
	}
	return out
}

func podReceipts(in Input) map[string]*models.PodReceipt {
	out := make(map[string]*models.PodReceipt, len(in.Pods))
	perPodBudget := 0.0
	if len(in.Pods) > 0 {
		perPodBudget = in.WorkOrder.TimeBudget.TotalMinutes / float64(len(in.Pods))
	}
	for _, p := range in.Pods {
		completed := len(p.CompletedTasks)
		failed := p.Health.ErrorCount
		rate := 1.0
		if completed+failed > 0 {
			rate = float64(completed) / float64(completed+failed)
		}
		out[p.ID] = &models.PodReceipt{
			PodID:            p.ID,
			Role:             p.Role,
			TasksCompleted:   completed,
			TasksFailed:      failed,
			TokensUsed:       p.ResourceUsage.TokensUsed,
			TimeAllocatedMin: perPodBudget,
			TimeUsedMin:      p.ResourceUsage.ExecutionTime,
			SuccessRate:      rate,
			Warnings:         append([]string(nil), p.Health.Warnings...),
		}
	}
	return out
}

func pauseEvents(w *models.WorkOrder) []models.PauseEvent {
	var out []models.PauseEvent
	for _, pr := range w.PauseRequests {
		ev := models.PauseEvent{
			RequestID: pr.ID,
			Question:  pr.Question,
			Status:    pr.Status,
		}
		if pr.UserResponse != "" {
			ev.Resolution = pr.UserResponse
		} else {
			ev.Resolution = pr.InferredValues
		}
		if pr.ResolvedAt != nil {
			ev.DurationSec = pr.ResolvedAt.Sub(pr.CreatedAt).Seconds()
		}
		out = append(out, ev)
	}
	return out
}

// rollbackPlan maps file artifacts to numbered undo steps in creation
// order: revert where a previous version exists, delete otherwise.
func rollbackPlan(artifacts []*models.Artifact) models.RollbackPlan {
	plan := models.RollbackPlan{
		Limitations: []string{"external side effects cannot be undone"},
	}
	order := 0
	for _, a := range artifacts {
		if !a.IsFileArtifact() {
			continue
		}
		order++
		action := models.RollbackDelete
		if a.PreviousVersion {
			action = models.RollbackRevert
		}
		plan.Steps = append(plan.Steps, models.RollbackStep{
			Order:  order,
			Path:   a.Path,
			Action: action,
		})
	}
	plan.CanRollback = len(plan.Steps) > 0
	return plan
}

// summary asks the auxiliary model for a short executive summary and
// falls back to a deterministic one built from the ledger.
func (g *Generator) summary(ctx context.Context, in Input, exec models.ExecutiveReceipt) string {
	if g.model != nil {
		text, err := g.aiSummary(ctx, in, exec)
		if err == nil && text != "" {
			return text
		}
		if err != nil {
			slog.Warn("Receipt summary model call failed, using fallback",
				"work_order_id", in.WorkOrder.ID, "error", err)
		}
	}
	return fallbackSummary(in, exec)
}

func (g *Generator) aiSummary(ctx context.Context, in Input, exec models.ExecutiveReceipt) (string, error) {
	prompt := fmt.Sprintf(
		"Summarize this completed work order in 2-3 sentences for its owner.\nObjective: %s\nTasks completed: %d, failed: %d\nFiles created: %d\nQuality score: %d",
		in.WorkOrder.Objective, in.TasksCompleted, in.TasksFailed, exec.FilesCreated, exec.QualityScore)

	stream, err := g.model.Stream(ctx, &llm.Request{
		Model:       g.modelName,
		Temperature: 0.3,
		MaxTokens:   300,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", err
	}
	resp, err := llm.Collect(stream, nil)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Text), nil
}

func fallbackSummary(in Input, exec models.ExecutiveReceipt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Completed %d of %d tasks for: %s.",
		in.TasksCompleted, in.TasksCompleted+in.TasksFailed, in.WorkOrder.Objective)
	if exec.FilesCreated > 0 {
		fmt.Fprintf(&b, " Created %d files (%d lines).", exec.FilesCreated, exec.TotalLines)
	}
	if len(exec.UnfinishedItems) > 0 {
		fmt.Fprintf(&b, " %d items remain unfinished.", len(exec.UnfinishedItems))
	}
	return b.String()
}
