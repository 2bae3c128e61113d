// Package engine executes approved work orders: it spawns pods, walks
// the phase/task DAG, enforces the time budget, resolves checkpoints
// and clarifications, and terminates with a receipt and deliverables.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/foreman/pkg/bus"
	"github.com/forgeline/foreman/pkg/checkpoint"
	"github.com/forgeline/foreman/pkg/clarify"
	"github.com/forgeline/foreman/pkg/clock"
	"github.com/forgeline/foreman/pkg/config"
	"github.com/forgeline/foreman/pkg/contract"
	"github.com/forgeline/foreman/pkg/events"
	"github.com/forgeline/foreman/pkg/foremanerr"
	"github.com/forgeline/foreman/pkg/llm"
	"github.com/forgeline/foreman/pkg/models"
	"github.com/forgeline/foreman/pkg/pod"
	"github.com/forgeline/foreman/pkg/pool"
	"github.com/forgeline/foreman/pkg/store"
	"github.com/forgeline/foreman/pkg/tools"

	"github.com/forgeline/foreman/pkg/receipt"
)

// Deps bundles everything the engine is wired with.
type Deps struct {
	Store       store.Store
	Contracts   *contract.Service
	Stream      *events.Stream
	Pool        *pool.Pool
	Model       llm.Client
	ModelName   string
	Dispatcher  tools.Dispatcher
	Workspaces  Workspaces // nil forces direct path mode
	Checkpoints *checkpoint.Controller
	Clarify     *clarify.Broker
	Receipts    *receipt.Generator
	Clock       clock.Clock
	Constants   config.Constants
}

// Engine is the work-order executor. One Engine serves many work orders;
// each work order has at most one live execution (single-writer).
type Engine struct {
	store       store.Store
	contracts   *contract.Service
	stream      *events.Stream
	pool        *pool.Pool
	model       llm.Client
	modelName   string
	dispatcher  tools.Dispatcher
	workspaces  Workspaces
	checkpoints *checkpoint.Controller
	clarify     *clarify.Broker
	receipts    *receipt.Generator
	clock       clock.Clock
	consts      config.Constants

	mu   sync.Mutex
	runs map[string]*run
}

// New creates an engine.
func New(d Deps) *Engine {
	return &Engine{
		store:       d.Store,
		contracts:   d.Contracts,
		stream:      d.Stream,
		pool:        d.Pool,
		model:       d.Model,
		modelName:   d.ModelName,
		dispatcher:  d.Dispatcher,
		workspaces:  d.Workspaces,
		checkpoints: d.Checkpoints,
		clarify:     d.Clarify,
		receipts:    d.Receipts,
		clock:       d.Clock,
		consts:      d.Constants,
		runs:        make(map[string]*run),
	}
}

// run is the per-execution state. mu guards the work order and every
// mutable field below it; task goroutines take it through the
// runtime's state lock for their task and pod mutations.
type run struct {
	mu sync.Mutex
	w  *models.WorkOrder

	cancel          context.CancelFunc
	cancelRequested bool

	msgBus     *bus.Bus
	runtime    *pod.Runtime
	contractID string

	workspaceID string
	router      *tools.Router

	artifacts      []*models.Artifact
	artifactByPath map[string]*models.Artifact

	activeOrder    []string
	podsByPhase    map[int]map[string]struct{}
	completedTasks map[string]struct{}

	ring             *errorRing
	totalTokens      int
	tasksCompleted   int
	tasksFailed      int
	failedPhases     int
	unfinishedPhases []string

	startedAt  time.Time
	lastTick   time.Time
	pausedAt   *time.Time
	totalPause time.Duration
}

// Stream exposes the update stream for the API layer.
func (e *Engine) Stream() *events.Stream { return e.stream }

// IsRunning reports whether the work order has a live execution.
func (e *Engine) IsRunning(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[id]
	return ok
}

// GetState returns the last persisted snapshot of the work order.
// Mid-task mutations become visible at the next persistence point.
func (e *Engine) GetState(ctx context.Context, id string) (*models.WorkOrder, error) {
	return e.store.GetWorkOrder(ctx, id)
}

// Execute runs the work order to termination and returns its outcome
// error (nil for completion, kind-tagged otherwise). A call for an
// already-running work order is a no-op returning nil.
func (e *Engine) Execute(ctx context.Context, id string) error {
	w, err := e.store.GetWorkOrder(ctx, id)
	if err != nil {
		return err
	}

	if w.Status.Terminal() {
		return foremanerr.Ef(foremanerr.KindPreconditionFailed,
			"work order %s is %s and cannot execute again", id, w.Status)
	}
	if w.Plan == nil {
		return foremanerr.Ef(foremanerr.KindPreconditionFailed, "work order %s has no plan", id)
	}
	if !w.Plan.Approved() {
		return foremanerr.Ef(foremanerr.KindPreconditionFailed, "work order %s plan is not approved", id)
	}
	if err := w.Plan.Validate(); err != nil {
		return foremanerr.Wrap(foremanerr.KindPreconditionFailed, "invalid plan", err)
	}

	e.mu.Lock()
	if _, live := e.runs[id]; live {
		e.mu.Unlock()
		slog.Info("Execute ignored, work order already running", "work_order_id", id)
		return nil
	}
	if w.Status == models.StatusExecuting || w.Status == models.StatusCheckpoint ||
		w.Status == models.StatusCompleting || w.Status == models.StatusPaused ||
		w.Status == models.StatusPausedWaitingUser {
		// A previous process died mid-execution. A fresh attempt id is
		// minted below; completed tasks are not re-run.
		slog.Warn("Recovering work order stuck in non-terminal status",
			"work_order_id", id, "status", w.Status, "previous_attempt", w.ExecutionAttemptID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &run{
		w:              w,
		cancel:         cancel,
		artifactByPath: make(map[string]*models.Artifact),
		podsByPhase:    make(map[int]map[string]struct{}),
		completedTasks: make(map[string]struct{}),
		ring:           newErrorRing(e.consts.ErrorRingSize),
	}
	for _, a := range w.Artifacts {
		r.artifacts = append(r.artifacts, a)
		if a.Path != "" {
			r.artifactByPath[models.NormalizePath(a.Path)] = a
		}
	}
	for _, ph := range w.Plan.Phases {
		for _, t := range ph.Tasks {
			if t.Status == models.TaskComplete {
				r.completedTasks[t.ID] = struct{}{}
			}
		}
	}
	e.runs[id] = r
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.runs, id)
		e.mu.Unlock()
	}()

	return e.executeRun(runCtx, r)
}

// Pause holds execution at the next suspension point: before a pod's
// next tool call or at the next group boundary. Valid only while
// executing.
func (e *Engine) Pause(ctx context.Context, id string) error {
	r := e.running(id)
	if r == nil {
		return foremanerr.Ef(foremanerr.KindPreconditionFailed, "work order %s is not running", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w.Status != models.StatusExecuting {
		return foremanerr.Ef(foremanerr.KindPreconditionFailed,
			"work order %s is %s, not executing", id, r.w.Status)
	}
	e.consumeElapsedLocked(r)
	now := e.clock.Now()
	r.w.Status = models.StatusPaused
	r.pausedAt = &now
	r.w.Touch(now)
	if err := e.store.SaveWorkOrder(ctx, r.w); err != nil {
		return err
	}
	slog.Info("Work order paused", "work_order_id", id)
	return nil
}

// Resume lifts a pause. The paused interval is excluded from elapsed
// budget time.
func (e *Engine) Resume(ctx context.Context, id string) error {
	r := e.running(id)
	if r == nil {
		return foremanerr.Ef(foremanerr.KindPreconditionFailed, "work order %s is not running", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.w.Status != models.StatusPaused {
		return foremanerr.Ef(foremanerr.KindPreconditionFailed,
			"work order %s is %s, not paused", id, r.w.Status)
	}
	now := e.clock.Now()
	if r.pausedAt != nil {
		r.totalPause += now.Sub(*r.pausedAt)
		r.pausedAt = nil
	}
	r.lastTick = now
	r.w.Status = models.StatusExecuting
	r.w.Touch(now)
	if err := e.store.SaveWorkOrder(ctx, r.w); err != nil {
		return err
	}
	slog.Info("Work order resumed", "work_order_id", id)
	return nil
}

// Cancel terminates the work order. Idempotent: cancelling a terminal
// work order is a no-op. A live execution finalizes asynchronously; a
// dormant one is cancelled in place.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if r := e.running(id); r != nil {
		r.mu.Lock()
		if r.w.Status.Terminal() {
			r.mu.Unlock()
			return nil
		}
		r.cancelRequested = true
		r.mu.Unlock()
		r.cancel()
		slog.Info("Work order cancellation requested", "work_order_id", id)
		return nil
	}

	w, err := e.store.GetWorkOrder(ctx, id)
	if err != nil {
		return err
	}
	if w.Status.Terminal() {
		return nil
	}
	now := e.clock.Now()
	w.Status = models.StatusCancelled
	w.CompletedAt = &now
	w.Touch(now)
	if err := e.store.SaveWorkOrder(ctx, w); err != nil {
		return err
	}
	e.appendChat(ctx, id, "Work order cancelled.")
	slog.Info("Dormant work order cancelled", "work_order_id", id)
	return nil
}

func (e *Engine) running(id string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

// persist saves the work order under the run lock.
func (e *Engine) persist(ctx context.Context, r *run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.persistLocked(ctx, r)
}

func (e *Engine) persistLocked(ctx context.Context, r *run) error {
	r.w.Touch(e.clock.Now())
	return e.store.SaveWorkOrder(ctx, r.w)
}

func (e *Engine) appendChat(ctx context.Context, workOrderID, content string) {
	err := e.store.AppendChat(ctx, models.ChatMessage{
		WorkOrderID: workOrderID,
		Role:        "engine",
		Content:     content,
		CreatedAt:   e.clock.Now(),
	})
	if err != nil {
		slog.Warn("Chat append failed", "work_order_id", workOrderID, "error", err)
	}
}

// runRef binds the clarification broker to a live run: mutations are
// applied under the run lock and the work order status mirrors whether
// a user answer is being waited on.
type runRef struct {
	e *Engine
	r *run
}

func (ref runRef) ID() string                  { return ref.r.w.ID }
func (ref runRef) Objective() string           { return ref.r.w.Objective }
func (ref runRef) Authority() models.Authority { return ref.r.w.Authority }

func (ref runRef) Mutate(ctx context.Context, fn func(*models.WorkOrder)) error {
	ref.r.mu.Lock()
	defer ref.r.mu.Unlock()
	fn(ref.r.w)
	switch {
	case ref.r.w.ActivePauseID != "" && ref.r.w.Status == models.StatusExecuting:
		ref.r.w.Status = models.StatusPausedWaitingUser
	case ref.r.w.ActivePauseID == "" && ref.r.w.Status == models.StatusPausedWaitingUser:
		ref.r.w.Status = models.StatusExecuting
	}
	return ref.e.persistLocked(ctx, ref.r)
}

// runClarifier adapts the broker to the pod runtime's interface.
type runClarifier struct {
	e *Engine
	r *run
}

func (c runClarifier) Resolve(ctx context.Context, req clarify.Request) (string, error) {
	return c.e.clarify.Resolve(ctx, runRef{e: c.e, r: c.r}, req)
}

// slugify derives the direct-mode output directory from the objective.
func slugify(w *models.WorkOrder) string {
	var b strings.Builder
	for _, r := range strings.ToLower(w.Objective) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
		if b.Len() >= 40 {
			break
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = w.ID
		if len(slug) > 8 {
			slug = slug[:8]
		}
	}
	return slug
}

// mintAttempt stamps a fresh execution attempt.
func mintAttempt() string { return uuid.New().String() }
