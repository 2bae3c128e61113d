package models

import "time"

// Receipt is the final per-work-order summary emitted on termination.
type Receipt struct {
	ID          string           `json:"id"`
	WorkOrderID string           `json:"workOrderId"`
	GeneratedAt time.Time        `json:"generatedAt"`
	Executive   ExecutiveReceipt `json:"executive"`
	Technical   TechnicalReceipt `json:"technical"`
	PauseEvents []PauseEvent     `json:"pauseEvents,omitempty"`
	Rollback    RollbackPlan     `json:"rollback"`
}

// ExecutiveReceipt is the human-facing summary section.
type ExecutiveReceipt struct {
	Summary         string   `json:"summary"`
	Accomplishments []string `json:"accomplishments,omitempty"`
	UnfinishedItems []string `json:"unfinishedItems,omitempty"`
	FilesCreated    int      `json:"filesCreated"`
	TotalLines      int      `json:"totalLines"`
	TokensUsed      int      `json:"tokensUsed"`
	QualityScore    int      `json:"qualityScore"`
}

// BuildStatus summarizes whether the work order met its quality bar.
type BuildStatus string

const (
	BuildSuccess BuildStatus = "success"
	BuildPartial BuildStatus = "partial"
)

// TechnicalReceipt is the engineering-facing summary section.
type TechnicalReceipt struct {
	BuildStatus BuildStatus `json:"buildStatus"`

	// PodReceipts is keyed by pod id; serialized as a list of pairs
	// (see serialize.go).
	PodReceipts map[string]*PodReceipt `json:"-"`

	Performance PerformanceTotals `json:"performance"`
}

// PodReceipt summarizes one pod's contribution.
type PodReceipt struct {
	PodID            string   `json:"podId"`
	Role             PodRole  `json:"role"`
	TasksCompleted   int      `json:"tasksCompleted"`
	TasksFailed      int      `json:"tasksFailed"`
	TokensUsed       int      `json:"tokensUsed"`
	TimeAllocatedMin float64  `json:"timeAllocatedMin"`
	TimeUsedMin      float64  `json:"timeUsedMin"`
	SuccessRate      float64  `json:"successRate"`
	Warnings         []string `json:"warnings,omitempty"`
}

// PerformanceTotals aggregates execution-wide counters.
type PerformanceTotals struct {
	TotalTasks      int     `json:"totalTasks"`
	TasksCompleted  int     `json:"tasksCompleted"`
	TasksFailed     int     `json:"tasksFailed"`
	TotalTokens     int     `json:"totalTokens"`
	WallClockMin    float64 `json:"wallClockMin"`
	PauseDurationMin float64 `json:"pauseDurationMin"`
}

// PauseEvent is one resolved pause request with its duration.
type PauseEvent struct {
	RequestID   string             `json:"requestId"`
	Question    string             `json:"question"`
	Status      PauseRequestStatus `json:"status"`
	Resolution  string             `json:"resolution,omitempty"`
	DurationSec float64            `json:"durationSec"`
}

// RollbackAction is the per-artifact undo operation.
type RollbackAction string

const (
	RollbackRevert RollbackAction = "revert"
	RollbackDelete RollbackAction = "delete"
)

// RollbackStep is one numbered undo step, ordered by artifact creation.
type RollbackStep struct {
	Order  int            `json:"order"`
	Path   string         `json:"path"`
	Action RollbackAction `json:"action"`
}

// RollbackPlan maps produced file artifacts to undo steps.
type RollbackPlan struct {
	CanRollback bool           `json:"canRollback"`
	Steps       []RollbackStep `json:"steps,omitempty"`
	Limitations []string       `json:"limitations,omitempty"`
}
