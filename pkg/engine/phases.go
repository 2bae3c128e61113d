package engine

import (
	"context"
	"log/slog"
	"math"

	"github.com/forgeline/foreman/pkg/foremanerr"
	"github.com/forgeline/foreman/pkg/models"
	"github.com/forgeline/foreman/pkg/pod"
	"github.com/forgeline/foreman/pkg/prompt"
	"github.com/forgeline/foreman/pkg/scheduler"
)

// runPhases walks the plan in phase order. A nil return means the run
// finished gracefully, including budget-exhausted early completion; the
// remaining phases are then recorded as unfinished.
func (e *Engine) runPhases(ctx context.Context, r *run) error {
	phases := r.w.Plan.SortedPhases()
	total := len(phases)

	for i, phase := range phases {
		if err := e.cooperativeWait(ctx, r); err != nil {
			return err
		}
		if e.budgetExhausted(r) {
			e.markUnfinished(r, phases[i:])
			return nil
		}

		r.mu.Lock()
		phase.Status = models.PhaseInProgress
		r.mu.Unlock()
		e.stream.Publish(r.w.ID, models.EventPhaseStart, map[string]any{
			"phaseId": phase.ID,
			"name":    phase.Name,
			"index":   i,
		})
		slog.Info("Phase started",
			"work_order_id", r.w.ID, "phase_id", phase.ID, "name", phase.Name)

		budgetHit := false
		groups := scheduler.BuildGroups(phase.Tasks, e.completedSnapshot(r))
		for _, group := range groups {
			if err := e.cooperativeWait(ctx, r); err != nil {
				return err
			}
			if e.budgetExhausted(r) {
				budgetHit = true
				break
			}
			if err := e.runGroup(ctx, r, i, phase, group); err != nil {
				return err
			}
		}

		if budgetHit {
			// The interrupted phase stays in_progress and is reported
			// unfinished along with everything after it.
			e.markUnfinished(r, phases[i:])
			return nil
		}
		e.closePhase(r, phase)

		if err := e.handleCheckpoint(ctx, r); err != nil {
			return err
		}
		e.setProgress(r, int(math.Round(float64(i+1)/float64(total)*100)))
	}
	return nil
}

// closePhase finalizes the phase status. A phase where tasks ran and
// none completed counts as failed.
func (e *Engine) closePhase(r *run, phase *models.Phase) {
	r.mu.Lock()
	completed, failed := 0, 0
	for _, t := range phase.Tasks {
		switch t.Status {
		case models.TaskComplete:
			completed++
		case models.TaskFailed:
			failed++
		}
	}

	now := e.clock.Now()
	phase.CompletedAt = &now
	phase.Progress = 100
	if failed > 0 && completed == 0 {
		phase.Status = models.PhaseFailed
		r.failedPhases++
	} else {
		phase.Status = models.PhaseComplete
	}
	r.mu.Unlock()
	e.stream.Publish(r.w.ID, models.EventPhaseComplete, map[string]any{
		"phaseId":        phase.ID,
		"name":           phase.Name,
		"tasksCompleted": completed,
		"tasksFailed":    failed,
	})
}

// outcome carries one task result back to the coordinator.
type outcome struct {
	task *models.Task
	pod  *models.Pod
	res  *pod.Result
	err  error
}

// runGroup executes one dependency group: all tasks in parallel, each on
// its selected pod, all-settled semantics. Task failures are tolerated;
// only cancellation aborts the run.
func (e *Engine) runGroup(ctx context.Context, r *run, phaseIdx int, phase *models.Phase, group []*models.Task) error {
	w := r.w
	results := make(chan outcome, len(group))
	launched := 0

	gate := func(gctx context.Context) error { return e.cooperativeWait(gctx, r) }

	for _, task := range group {
		r.mu.Lock()
		p := scheduler.SelectPod(task, w.Pods, r.activeOrder)
		if p == nil {
			task.Status = models.TaskFailed
			r.mu.Unlock()
			e.recordTaskFailure(r, task, foremanerr.Ef(foremanerr.KindPreconditionFailed,
				"no pod available for task %s", task.ID))
			continue
		}
		if phase.AssignedPods == nil {
			phase.AssignedPods = make(map[string]struct{})
		}
		phase.AssignedPods[p.ID] = struct{}{}
		r.mu.Unlock()
		e.notePhasePod(r, phaseIdx, p.ID)

		e.stream.Publish(w.ID, models.EventTaskStart, map[string]any{
			"taskId":  task.ID,
			"name":    task.Name,
			"podId":   p.ID,
			"phaseId": phase.ID,
		})

		tc := pod.TaskContext{
			WorkOrder:        w,
			Pod:              p,
			Task:             task,
			ContractID:       r.contractID,
			Artifacts:        e.visibleArtifacts(r, phaseIdx, p),
			RecentErrors:     e.recentErrors(r),
			RemainingMinutes: e.remainingMinutes(r),
			State:            &r.mu,
			Gate:             gate,
		}
		launched++
		go func(task *models.Task, p *models.Pod, tc pod.TaskContext) {
			res, err := r.runtime.RunTask(ctx, tc)
			results <- outcome{task: task, pod: p, res: res, err: err}
		}(task, p, tc)
	}

	var cancelled error
	for i := 0; i < launched; i++ {
		out := <-results
		if out.err != nil {
			if foremanerr.Is(out.err, foremanerr.KindCancelled) {
				cancelled = out.err
			}
			e.recordTaskFailure(r, out.task, out.err)
			continue
		}
		e.recordTaskSuccess(r, out)
	}
	if cancelled != nil {
		return cancelled
	}
	return ctx.Err()
}

func (e *Engine) recordTaskSuccess(r *run, out outcome) {
	r.mu.Lock()
	r.tasksCompleted++
	r.completedTasks[out.task.ID] = struct{}{}
	r.totalTokens += out.res.TokensUsed
	merged := make([]*models.Artifact, 0, len(out.res.Artifacts))
	for _, a := range out.res.Artifacts {
		merged = append(merged, r.addArtifactLocked(a))
	}
	r.mu.Unlock()

	for _, a := range merged {
		e.stream.Publish(r.w.ID, models.EventArtifactCreated, map[string]any{
			"artifactId": a.ID,
			"path":       a.Path,
			"version":    a.Version,
			"createdBy":  a.CreatedBy,
		})
	}
	e.stream.Publish(r.w.ID, models.EventTaskComplete, map[string]any{
		"taskId": out.task.ID,
		"podId":  out.pod.ID,
	})
}

func (e *Engine) recordTaskFailure(r *run, task *models.Task, cause error) {
	r.mu.Lock()
	r.tasksFailed++
	r.ring.push(task.Name + ": " + cause.Error())
	r.mu.Unlock()

	e.stream.Publish(r.w.ID, models.EventTaskFailed, map[string]any{
		"taskId":  task.ID,
		"kind":    string(foremanerr.KindOf(cause)),
		"message": cause.Error(),
	})
}

// addArtifactLocked merges an artifact into the run's table. A repeated
// normalized path updates the existing artifact in place, bumps its
// version, and flags that a previous version exists for rollback.
func (r *run) addArtifactLocked(a *models.Artifact) *models.Artifact {
	if a.Path != "" {
		norm := models.NormalizePath(a.Path)
		if prev, ok := r.artifactByPath[norm]; ok {
			prev.Content = a.Content
			prev.Version++
			prev.PreviousVersion = true
			prev.CreatedBy = a.CreatedBy
			prev.CreatedAt = a.CreatedAt
			prev.Status = a.Status
			return prev
		}
		r.artifactByPath[norm] = a
	}
	r.artifacts = append(r.artifacts, a)
	r.w.Artifacts = r.artifacts
	return a
}

// handleCheckpoint resolves a pending phase-boundary checkpoint and
// applies its decision to the run.
func (e *Engine) handleCheckpoint(ctx context.Context, r *run) error {
	w := r.w
	cp := w.PendingCheckpoint(models.TriggerPhaseComplete)
	if cp == nil {
		return nil
	}

	decision, err := e.checkpoints.Resolve(ctx, w.ID, w.Authority, cp, &r.mu, func(hctx context.Context) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		e.consumeElapsedLocked(r)
		if w.Status == models.StatusExecuting {
			w.Status = models.StatusCheckpoint
		}
		return e.persistLocked(hctx, r)
	})
	if err != nil {
		return err
	}

	switch decision.Action {
	case models.CheckpointPause:
		r.mu.Lock()
		now := e.clock.Now()
		w.Status = models.StatusPaused
		r.pausedAt = &now
		err = e.persistLocked(ctx, r)
		r.mu.Unlock()
		return err

	case models.CheckpointCancel:
		return foremanerr.Ef(foremanerr.KindCancelled, "cancelled at checkpoint %s", cp.Name)

	default: // continue, continue_with_changes
		if decision.Action == models.CheckpointContinueWithChanges && decision.Feedback != "" {
			r.msgBus.Publish(models.BusMessage{
				From:     models.BusFromEngine,
				To:       models.BusBroadcast,
				Type:     models.MsgStatusUpdate,
				Payload:  map[string]any{"feedback": decision.Feedback},
				Priority: models.PriorityHigh,
			})
		}
		r.mu.Lock()
		if w.Status == models.StatusCheckpoint {
			w.Status = models.StatusExecuting
		}
		r.lastTick = e.clock.Now()
		err = e.persistLocked(ctx, r)
		r.mu.Unlock()
		return err
	}
}

// setProgress raises the work order progress, never lowers it.
func (e *Engine) setProgress(r *run, progress int) {
	r.mu.Lock()
	if progress <= r.w.Progress {
		r.mu.Unlock()
		return
	}
	r.w.Progress = progress
	r.mu.Unlock()

	e.stream.Publish(r.w.ID, models.EventProgressUpdate, map[string]any{"progress": progress})
}

// markUnfinished records phases the budget did not reach.
func (e *Engine) markUnfinished(r *run, phases []*models.Phase) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ph := range phases {
		if ph.Status == models.PhaseComplete || ph.Status == models.PhaseFailed {
			continue
		}
		r.unfinishedPhases = append(r.unfinishedPhases, ph.Name)
	}
	if len(r.unfinishedPhases) > 0 {
		slog.Warn("Time budget exhausted, completing early",
			"work_order_id", r.w.ID, "unfinished", len(r.unfinishedPhases))
	}
}

func (e *Engine) budgetExhausted(r *run) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.consumeElapsedLocked(r)
	return r.w.TimeBudget.Exhausted()
}

func (e *Engine) remainingMinutes(r *run) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.w.TimeBudget.RemainingMinutes
}

func (e *Engine) recentErrors(r *run) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ring.last(e.consts.RecentErrorsInPrompt)
}

func (e *Engine) completedSnapshot(r *run) map[string]struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]struct{}, len(r.completedTasks))
	for id := range r.completedTasks {
		out[id] = struct{}{}
	}
	return out
}

func (e *Engine) notePhasePod(r *run, phaseIdx int, podID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.podsByPhase[phaseIdx]
	if set == nil {
		set = make(map[string]struct{})
		r.podsByPhase[phaseIdx] = set
	}
	set[podID] = struct{}{}
}

// visibleArtifacts filters the artifact table to what this pod may see,
// newest first.
func (e *Engine) visibleArtifacts(r *run, phaseIdx int, viewer *models.Pod) []*models.Artifact {
	r.mu.Lock()
	newestFirst := make([]*models.Artifact, 0, len(r.artifacts))
	for i := len(r.artifacts) - 1; i >= 0; i-- {
		newestFirst = append(newestFirst, r.artifacts[i])
	}
	samePhase := copySet(r.podsByPhase[phaseIdx])
	prevPhase := copySet(r.podsByPhase[phaseIdx-1])
	r.mu.Unlock()

	orchestrators := make(map[string]struct{})
	for id, p := range r.w.Pods {
		if p.Role == models.RoleOrchestrator {
			orchestrators[id] = struct{}{}
		}
	}
	return prompt.VisibleArtifacts(newestFirst, viewer, samePhase, prevPhase, orchestrators)
}

func copySet(in map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(in))
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}
