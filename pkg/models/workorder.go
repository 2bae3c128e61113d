// Package models defines the entity types shared across the engine.
//
// Entities form cyclic object graphs at the domain level (work order ↔
// pods ↔ artifacts ↔ tasks), so they are stored in flat tables keyed by
// id and all back-references are ids, never owning pointers.
package models

import "time"

// WorkOrderStatus is the lifecycle state of a work order.
type WorkOrderStatus string

const (
	StatusDraft             WorkOrderStatus = "draft"
	StatusPlanning          WorkOrderStatus = "planning"
	StatusAwaitingApproval  WorkOrderStatus = "awaiting_approval"
	StatusExecuting         WorkOrderStatus = "executing"
	StatusPaused            WorkOrderStatus = "paused"
	StatusPausedWaitingUser WorkOrderStatus = "paused_waiting_for_user"
	StatusCheckpoint        WorkOrderStatus = "checkpoint"
	StatusCompleting        WorkOrderStatus = "completing"
	StatusCompleted         WorkOrderStatus = "completed"
	StatusFailed            WorkOrderStatus = "failed"
	StatusCancelled         WorkOrderStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are
// irreversible: once reached, the work order never transitions again.
func (s WorkOrderStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// QualityTarget is the requested quality tier for produced artifacts.
type QualityTarget string

const (
	QualityDraft      QualityTarget = "draft"
	QualityStandard   QualityTarget = "standard"
	QualityPremium    QualityTarget = "premium"
	QualityAppleLevel QualityTarget = "apple_level"
)

// Authority is the delegation level governing checkpoints and
// clarification handling.
type Authority string

const (
	AuthorityNone       Authority = "no_autonomy"
	AuthorityGuided     Authority = "guided"
	AuthoritySupervised Authority = "supervised"
	AuthorityAutonomous Authority = "autonomous"
)

// AtLeast reports whether a grants at least the autonomy of b.
// Ordering: no_autonomy < guided < supervised < autonomous.
func (a Authority) AtLeast(b Authority) bool {
	return a.rank() >= b.rank()
}

func (a Authority) rank() int {
	switch a {
	case AuthorityGuided:
		return 1
	case AuthoritySupervised:
		return 2
	case AuthorityAutonomous:
		return 3
	default:
		return 0
	}
}

// TimeBudget tracks wall-clock minutes for a work order.
// Invariant: Elapsed + Remaining == Total, both non-negative.
type TimeBudget struct {
	TotalMinutes     float64            `json:"totalMinutes"`
	ElapsedMinutes   float64            `json:"elapsedMinutes"`
	RemainingMinutes float64            `json:"remainingMinutes"`
	PerPhase         map[string]float64 `json:"perPhase,omitempty"`
}

// Consume moves minutes from remaining to elapsed, clamping at zero so
// the invariant holds even when ticks overshoot the budget.
func (b *TimeBudget) Consume(minutes float64) {
	if minutes <= 0 {
		return
	}
	if minutes > b.RemainingMinutes {
		minutes = b.RemainingMinutes
	}
	b.ElapsedMinutes += minutes
	b.RemainingMinutes -= minutes
}

// Exhausted reports whether no budget remains.
func (b *TimeBudget) Exhausted() bool { return b.RemainingMinutes <= 0 }

// Scope is the per-work-order allow/forbid envelope snapshotted into the
// contract at execution start.
type Scope struct {
	AllowedTools      []string `json:"allowedTools,omitempty"`
	ForbiddenTools    []string `json:"forbiddenTools,omitempty"`
	AllowedPaths      []string `json:"allowedPaths,omitempty"`
	ForbiddenPaths    []string `json:"forbiddenPaths,omitempty"`
	MaxFileSizeBytes  int64    `json:"maxFileSizeBytes,omitempty"`
	MaxConcurrentPods int      `json:"maxConcurrentPods,omitempty"`
	MaxTokens         int      `json:"maxTokens,omitempty"`
}

// WorkOrder is the root entity: a time-bounded unit of multi-agent work
// with an approved plan, scope, and quality target.
type WorkOrder struct {
	ID         string          `json:"id"`
	Type       string          `json:"type,omitempty"`
	Status     WorkOrderStatus `json:"status"`
	Objective  string          `json:"objective"`
	TimeBudget TimeBudget      `json:"timeBudget"`
	Quality    QualityTarget   `json:"quality"`
	Scope      Scope           `json:"scope"`
	Authority  Authority       `json:"authority"`
	Plan       *Plan           `json:"plan,omitempty"`

	// Pods owned by this work order while active. Keys are pod ids;
	// serialized as a list of [id, Pod] pairs (see serialize.go).
	Pods       map[string]*Pod `json:"-"`
	ActivePods []string        `json:"activePods,omitempty"`

	Artifacts     []*Artifact     `json:"artifacts,omitempty"`
	Checkpoints   []*Checkpoint   `json:"checkpoints,omitempty"`
	PauseRequests []*PauseRequest `json:"pauseRequests,omitempty"`
	ActivePauseID string          `json:"activePauseId,omitempty"`

	Progress int      `json:"progress"`
	Receipts *Receipt `json:"-"`

	// ExecutionAttemptID is an opaque nonce minted on each execution
	// start. A second execute call carrying a matching attempt id is a
	// no-op (idempotency).
	ExecutionAttemptID string `json:"executionAttemptId,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Checkpoint is a phase-boundary hold awaiting an authority decision.
type Checkpoint struct {
	ID               string              `json:"id"`
	Name             string              `json:"name"`
	TriggerCondition string              `json:"triggerCondition"`
	Status           CheckpointStatus    `json:"status"`
	ReachedAt        *time.Time          `json:"reachedAt,omitempty"`
	DecidedAt        *time.Time          `json:"decidedAt,omitempty"`
	Decision         *CheckpointDecision `json:"decision,omitempty"`
}

// CheckpointStatus is the lifecycle state of a checkpoint.
type CheckpointStatus string

const (
	CheckpointPending  CheckpointStatus = "pending"
	CheckpointReached  CheckpointStatus = "reached"
	CheckpointApproved CheckpointStatus = "approved"
	CheckpointRejected CheckpointStatus = "rejected"
	CheckpointSkipped  CheckpointStatus = "skipped"
)

// TriggerPhaseComplete marks checkpoints evaluated at phase boundaries.
const TriggerPhaseComplete = "phase_complete"

// CheckpointAction is the decision applied to a reached checkpoint.
type CheckpointAction string

const (
	CheckpointContinue            CheckpointAction = "continue"
	CheckpointContinueWithChanges CheckpointAction = "continue_with_changes"
	CheckpointPause               CheckpointAction = "pause"
	CheckpointCancel              CheckpointAction = "cancel"
)

// CheckpointDecision records who decided what at a checkpoint.
type CheckpointDecision struct {
	Action    CheckpointAction `json:"action"`
	Feedback  string           `json:"feedback,omitempty"`
	DecidedBy string           `json:"decidedBy"`
	Timestamp time.Time        `json:"timestamp"`
}

// PauseRequestStatus is the lifecycle state of a clarification request.
type PauseRequestStatus string

const (
	PausePending  PauseRequestStatus = "pending"
	PauseAnswered PauseRequestStatus = "answered"
	PauseInferred PauseRequestStatus = "inferred"
	PauseSkipped  PauseRequestStatus = "skipped"
)

// PauseRequest is a single-task suspension awaiting an answer, either
// auto-resolved or user-supplied.
type PauseRequest struct {
	ID             string             `json:"id"`
	Reason         string             `json:"reason,omitempty"`
	Question       string             `json:"question"`
	Options        []string           `json:"options,omitempty"`
	Context        string             `json:"context,omitempty"`
	Status         PauseRequestStatus `json:"status"`
	UserResponse   string             `json:"userResponse,omitempty"`
	InferredValues string             `json:"inferredValues,omitempty"`
	ContentTag     string             `json:"contentTag,omitempty"`
	CreatedAt      time.Time          `json:"createdAt"`
	ResolvedAt     *time.Time         `json:"resolvedAt,omitempty"`
}

// FindCheckpoint returns the checkpoint with the given id, or nil.
func (w *WorkOrder) FindCheckpoint(id string) *Checkpoint {
	for _, cp := range w.Checkpoints {
		if cp.ID == id {
			return cp
		}
	}
	return nil
}

// PendingCheckpoint returns the first pending checkpoint with the given
// trigger condition, or nil.
func (w *WorkOrder) PendingCheckpoint(trigger string) *Checkpoint {
	for _, cp := range w.Checkpoints {
		if cp.Status == CheckpointPending && cp.TriggerCondition == trigger {
			return cp
		}
	}
	return nil
}

// FindPauseRequest returns the pause request with the given id, or nil.
func (w *WorkOrder) FindPauseRequest(id string) *PauseRequest {
	for _, pr := range w.PauseRequests {
		if pr.ID == id {
			return pr
		}
	}
	return nil
}

// Touch records an observable mutation.
func (w *WorkOrder) Touch(now time.Time) { w.UpdatedAt = now }
