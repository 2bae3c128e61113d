package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/forgeline/foreman/pkg/bus"
	"github.com/forgeline/foreman/pkg/foremanerr"
	"github.com/forgeline/foreman/pkg/models"
	"github.com/forgeline/foreman/pkg/pod"
	"github.com/forgeline/foreman/pkg/pool"
	"github.com/forgeline/foreman/pkg/prompt"
	"github.com/forgeline/foreman/pkg/receipt"
	"github.com/forgeline/foreman/pkg/tools"
)

// executeRun drives one execution attempt start to finish and leaves the
// work order in a terminal status.
func (e *Engine) executeRun(ctx context.Context, r *run) error {
	w := r.w
	now := e.clock.Now()
	r.startedAt = now
	r.lastTick = now

	e.initWorkspace(ctx, r)

	deadline := now.Add(time.Duration(w.TimeBudget.RemainingMinutes * float64(time.Minute)))
	c := e.contracts.Create(w.ID, w.Scope, models.ContractBudget{
		MaxTokens: w.Scope.MaxTokens,
		Deadline:  &deadline,
	})
	if err := e.contracts.Activate(c.ID); err != nil {
		return e.finishFailed(ctx, r, err)
	}
	r.contractID = c.ID

	r.msgBus = bus.New(e.consts.InboxCap, e.clock.Now)
	r.runtime = pod.NewRuntime(e.model, r.router, e.contracts, r.msgBus, e.stream,
		runClarifier{e: e, r: r}, e.clock, e.consts)

	r.mu.Lock()
	w.Status = models.StatusExecuting
	w.ExecutionAttemptID = mintAttempt()
	w.StartedAt = &now
	w.ActivePods = nil
	e.spawnPodsLocked(r)
	err := e.persistLocked(ctx, r)
	r.mu.Unlock()
	if err != nil {
		return e.finishFailed(ctx, r, err)
	}
	slog.Info("Execution started",
		"work_order_id", w.ID, "attempt", w.ExecutionAttemptID,
		"phases", len(w.Plan.Phases), "pods", len(r.activeOrder),
		"budget_min", w.TimeBudget.RemainingMinutes, "workspace", r.workspaceID)

	stopTicker := e.startTicker(r)
	err = e.runPhases(ctx, r)
	stopTicker()

	r.mu.Lock()
	cancelled := r.cancelRequested
	r.mu.Unlock()
	switch {
	case cancelled || foremanerr.Is(err, foremanerr.KindCancelled):
		return e.finishCancelled(ctx, r)
	case err != nil:
		return e.finishFailed(ctx, r, err)
	default:
		return e.finishCompleted(ctx, r)
	}
}

// initWorkspace creates the sandbox when a workspace manager is wired.
// Creation failure degrades to direct path mode rather than failing the
// work order.
func (e *Engine) initWorkspace(ctx context.Context, r *run) {
	if e.workspaces != nil {
		id, err := e.workspaces.Create(ctx, r.w.ID)
		if err != nil {
			slog.Warn("Workspace creation failed, using direct path mode",
				"work_order_id", r.w.ID, "error", err)
		} else {
			r.workspaceID = id
		}
	}
	r.router = tools.NewRouter(e.dispatcher, r.workspaceID, slugify(r.w))
}

// spawnPodsLocked activates one pod per priority role, bounded by the
// concurrency cap. Plans without a strategy get a single backend pod
// when there is work to do.
func (e *Engine) spawnPodsLocked(r *run) {
	w := r.w
	strategy := w.Plan.PodStrategy
	order := strategy.PriorityOrder
	if len(order) == 0 && planHasTasks(w.Plan) {
		order = []models.PodRole{models.RoleBackend}
	}
	max := strategy.MaxConcurrent
	if max <= 0 || max > len(order) {
		max = len(order)
	}

	w.Pods = make(map[string]*models.Pod, max)
	r.activeOrder = r.activeOrder[:0]
	for _, role := range order[:max] {
		p := e.pool.GetOrCreate(role, w.ID)
		p.ModelConfig = models.ModelConfig{
			Provider:    "openai",
			Model:       e.modelName,
			Temperature: 0.7,
			MaxTokens:   4096,
		}
		p.ModelConfig.SystemPrompt = prompt.System(role, e.pool.ContextSummary(p.ID), w.Objective, w.Quality)
		w.Pods[p.ID] = p
		w.ActivePods = append(w.ActivePods, p.ID)
		r.activeOrder = append(r.activeOrder, p.ID)
	}
}

func planHasTasks(p *models.Plan) bool {
	for _, ph := range p.Phases {
		if len(ph.Tasks) > 0 {
			return true
		}
	}
	return false
}

// consumeElapsedLocked charges wall-clock time since the last tick to
// the budget. Intervals spent paused, at a checkpoint, or waiting on a
// user do not consume budget. Both the ticker and the synchronous
// boundary checks share the lastTick marker, so time is never charged
// twice.
func (e *Engine) consumeElapsedLocked(r *run) {
	now := e.clock.Now()
	elapsed := now.Sub(r.lastTick)
	r.lastTick = now
	if r.w.Status == models.StatusExecuting && r.pausedAt == nil {
		r.w.TimeBudget.Consume(elapsed.Minutes())
	}
}

// startTicker keeps the budget current between boundaries so state
// reads and events reflect elapsed time.
func (e *Engine) startTicker(r *run) (stop func()) {
	t := e.clock.NewTicker(e.consts.TickInterval)
	done := make(chan struct{})
	go func() {
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C():
			}
			r.mu.Lock()
			e.consumeElapsedLocked(r)
			r.mu.Unlock()
		}
	}()
	return func() { close(done) }
}

// cooperativeWait blocks while the work order is paused. A pause older
// than the max pause window self-resumes. Returns a cancelled error when
// the run was cancelled.
func (e *Engine) cooperativeWait(ctx context.Context, r *run) error {
	for {
		r.mu.Lock()
		if r.cancelRequested || r.w.Status == models.StatusCancelled {
			r.mu.Unlock()
			return foremanerr.E(foremanerr.KindCancelled, "work order cancelled")
		}
		if r.w.Status != models.StatusPaused {
			r.mu.Unlock()
			return nil
		}
		if r.pausedAt != nil {
			waited := e.clock.Now().Sub(*r.pausedAt)
			if waited >= e.consts.MaxPauseWindow {
				now := e.clock.Now()
				r.totalPause += waited
				r.pausedAt = nil
				r.lastTick = now
				r.w.Status = models.StatusExecuting
				r.w.Touch(now)
				if err := e.store.SaveWorkOrder(ctx, r.w); err != nil {
					slog.Warn("Self-resume persist failed", "work_order_id", r.w.ID, "error", err)
				}
				r.mu.Unlock()
				slog.Info("Pause window exceeded, self-resuming",
					"work_order_id", r.w.ID, "paused_min", waited.Minutes())
				return nil
			}
		}
		r.mu.Unlock()

		select {
		case <-ctx.Done():
			return foremanerr.Wrap(foremanerr.KindCancelled, "wait cancelled", ctx.Err())
		case <-e.clock.After(e.consts.PauseCheckInterval):
		}
	}
}

// finishCompleted runs the completion sequence: receipt, contract
// fulfillment, delivery, pod release, and the terminal status flip.
// Budget-exhausted early completions keep their phase-derived progress;
// a full run lands at 100.
func (e *Engine) finishCompleted(ctx context.Context, r *run) error {
	w := r.w
	r.mu.Lock()
	w.Status = models.StatusCompleting
	if err := e.persistLocked(ctx, r); err != nil {
		slog.Warn("Completing persist failed", "work_order_id", w.ID, "error", err)
	}

	in := e.receiptInputLocked(r)
	pods := make([]*models.Pod, 0, len(r.activeOrder))
	for _, id := range r.activeOrder {
		pods = append(pods, w.Pods[id])
	}
	in.Pods = pods
	allPhasesRan := len(r.unfinishedPhases) == 0
	r.mu.Unlock()

	rcpt := e.receipts.Generate(ctx, in)
	if err := e.store.SaveReceipt(ctx, rcpt); err != nil {
		slog.Warn("Receipt persist failed", "work_order_id", w.ID, "error", err)
	}

	if err := e.contracts.Fulfill(r.contractID); err != nil {
		slog.Warn("Contract fulfillment failed", "work_order_id", w.ID, "error", err)
	}

	r.mu.Lock()
	delivery := buildDelivery(w.ID, r.artifacts, r.workspaceID, e.workspaces, e.consts.PreviewByteLimit)
	now := e.clock.Now()
	w.Receipts = rcpt
	w.Status = models.StatusCompleted
	w.CompletedAt = &now
	if allPhasesRan {
		w.Progress = 100
	}
	progress := w.Progress
	err := e.persistLocked(ctx, r)
	r.mu.Unlock()
	if err != nil {
		slog.Warn("Completion persist failed", "work_order_id", w.ID, "error", err)
	}

	e.stream.Publish(w.ID, models.EventProgressUpdate, map[string]any{"progress": progress})
	e.stream.Publish(w.ID, models.EventExecutionComplete, map[string]any{
		"success":      true,
		"qualityScore": rcpt.Executive.QualityScore,
		"filesCreated": rcpt.Executive.FilesCreated,
		"delivery":     delivery,
	})
	e.appendChat(ctx, w.ID, rcpt.Executive.Summary)
	e.releasePods(r)
	e.scheduleCleanup(r, e.consts.WorkspaceCleanupDelay)
	slog.Info("Execution completed",
		"work_order_id", w.ID, "quality_score", rcpt.Executive.QualityScore,
		"files", rcpt.Executive.FilesCreated, "progress", progress)
	return nil
}

// finishFailed marks the work order failed and still delivers whatever
// partial artifacts exist.
func (e *Engine) finishFailed(ctx context.Context, r *run, cause error) error {
	w := r.w
	r.mu.Lock()
	now := e.clock.Now()
	w.Status = models.StatusFailed
	w.CompletedAt = &now
	recent := r.ring.last(5)
	delivery := buildDelivery(w.ID, r.artifacts, r.workspaceID, e.workspaces, e.consts.PreviewByteLimit)
	if err := e.persistLocked(ctx, r); err != nil {
		slog.Warn("Failure persist failed", "work_order_id", w.ID, "error", err)
	}
	r.mu.Unlock()

	if r.contractID != "" {
		if err := e.contracts.Fulfill(r.contractID); err != nil {
			slog.Warn("Contract fulfillment failed", "work_order_id", w.ID, "error", err)
		}
	}

	e.stream.Publish(w.ID, models.EventError, map[string]any{
		"kind":    string(foremanerr.KindOf(cause)),
		"message": cause.Error(),
	})
	e.stream.Publish(w.ID, models.EventExecutionComplete, map[string]any{
		"success":  false,
		"delivery": delivery,
	})

	var b strings.Builder
	fmt.Fprintf(&b, "Execution failed (%s): %s", foremanerr.KindOf(cause), cause.Error())
	for _, entry := range recent {
		b.WriteString("\n- ")
		b.WriteString(entry)
	}
	e.appendChat(ctx, w.ID, b.String())

	e.releasePods(r)
	e.scheduleCleanup(r, e.consts.WorkspaceCleanupDelayOnFailure)
	slog.Error("Execution failed", "work_order_id", w.ID, "error", cause)
	return cause
}

// finishCancelled terminates immediately: no receipt, no deliverables,
// workspace torn down right away.
func (e *Engine) finishCancelled(ctx context.Context, r *run) error {
	w := r.w
	r.mu.Lock()
	now := e.clock.Now()
	w.Status = models.StatusCancelled
	w.CompletedAt = &now
	if err := e.persistLocked(ctx, r); err != nil {
		slog.Warn("Cancellation persist failed", "work_order_id", w.ID, "error", err)
	}
	r.mu.Unlock()

	if r.contractID != "" {
		if err := e.contracts.Fulfill(r.contractID); err != nil {
			slog.Warn("Contract fulfillment failed", "work_order_id", w.ID, "error", err)
		}
	}
	e.stream.Publish(w.ID, models.EventExecutionComplete, map[string]any{
		"success":   false,
		"cancelled": true,
	})
	e.appendChat(ctx, w.ID, "Work order cancelled.")
	e.releasePods(r)
	if r.workspaceID != "" && e.workspaces != nil {
		if err := e.workspaces.Delete(context.WithoutCancel(ctx), r.workspaceID); err != nil {
			slog.Warn("Workspace delete failed", "workspace_id", r.workspaceID, "error", err)
		}
	}
	slog.Info("Execution cancelled", "work_order_id", w.ID)
	return foremanerr.E(foremanerr.KindCancelled, "work order cancelled")
}

// receiptInputLocked snapshots the termination ledger for the receipt.
func (e *Engine) receiptInputLocked(r *run) receipt.Input {
	return receipt.Input{
		WorkOrder:        r.w,
		Artifacts:        append([]*models.Artifact(nil), r.artifacts...),
		TasksCompleted:   r.tasksCompleted,
		TasksFailed:      r.tasksFailed,
		FailedPhases:     r.failedPhases,
		UnfinishedPhases: append([]string(nil), r.unfinishedPhases...),
		TotalTokens:      r.totalTokens,
		WallClockMin:     e.clock.Now().Sub(r.startedAt).Minutes(),
		PauseDurationMin: r.totalPause.Minutes(),
	}
}

// releasePods hands every active pod back to the pool with a context
// summary and inferred specializations.
func (e *Engine) releasePods(r *run) {
	r.mu.Lock()
	w := r.w
	order := append([]string(nil), r.activeOrder...)
	r.mu.Unlock()

	for _, id := range order {
		p := w.Pods[id]
		if p == nil {
			continue
		}
		summary := fmt.Sprintf("%s: completed %d tasks for %q",
			e.clock.Now().Format("2006-01-02"), len(p.CompletedTasks), w.Objective)
		if err := e.pool.Return(id, summary, pool.InferPatterns(completedPlanTasks(w, p))); err != nil {
			slog.Warn("Pod return failed", "pod_id", id, "error", err)
		}
	}
}

// completedPlanTasks resolves a pod's completed task ids against the plan.
func completedPlanTasks(w *models.WorkOrder, p *models.Pod) []*models.Task {
	done := make(map[string]struct{}, len(p.CompletedTasks))
	for _, id := range p.CompletedTasks {
		done[id] = struct{}{}
	}
	var out []*models.Task
	for _, ph := range w.Plan.Phases {
		for _, t := range ph.Tasks {
			if _, ok := done[t.ID]; ok {
				out = append(out, t)
			}
		}
	}
	return out
}

// scheduleCleanup tears the workspace down after the retention delay so
// download links in the delivery stay valid for a while.
func (e *Engine) scheduleCleanup(r *run, delay time.Duration) {
	if r.workspaceID == "" || e.workspaces == nil {
		return
	}
	id := r.workspaceID
	go func() {
		<-e.clock.After(delay)
		if err := e.workspaces.Delete(context.Background(), id); err != nil {
			slog.Warn("Workspace cleanup failed", "workspace_id", id, "error", err)
		}
	}()
}
