package models

import (
	"fmt"
	"sort"
	"time"
)

// PodStrategyMode selects how pods are scheduled. The distinction is
// retained on the data model for forward compatibility; scheduling is
// always per dependency group regardless of mode.
type PodStrategyMode string

const (
	StrategySequential PodStrategyMode = "sequential"
	StrategyParallel   PodStrategyMode = "parallel"
)

// PodStrategy configures which roles a plan spawns and in what order.
type PodStrategy struct {
	Mode          PodStrategyMode `json:"mode"`
	MaxConcurrent int             `json:"maxConcurrent"`
	PriorityOrder []PodRole       `json:"priorityOrder,omitempty"`

	// Dependencies maps a role to the roles it depends on. Serialized as
	// a list of pairs (see serialize.go).
	Dependencies map[PodRole][]PodRole `json:"-"`
}

// Plan is the DAG of phases and their tasks together with a pod strategy.
// Phase keys are unique phase ids.
type Plan struct {
	Phases           []*Phase    `json:"phases"`
	PodStrategy      PodStrategy `json:"podStrategy"`
	RequiresApproval bool        `json:"requiresApproval"`
	ApprovedAt       *time.Time  `json:"approvedAt,omitempty"`
}

// Approved reports whether execution may start: plans requiring approval
// must carry an approval timestamp.
func (p *Plan) Approved() bool {
	return !p.RequiresApproval || p.ApprovedAt != nil
}

// SortedPhases returns the phases ordered by ascending Order.
func (p *Plan) SortedPhases() []*Phase {
	out := make([]*Phase, len(p.Phases))
	copy(out, p.Phases)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// Validate checks structural plan invariants: unique phase orders,
// phase dependencies pointing at earlier phases, and acyclic intra-phase
// task dependencies (cycles are tolerated at runtime but duplicate
// orders and forward phase dependencies are hard errors).
func (p *Plan) Validate() error {
	orders := make(map[int]string, len(p.Phases))
	byID := make(map[string]*Phase, len(p.Phases))
	for _, ph := range p.Phases {
		if other, dup := orders[ph.Order]; dup {
			return fmt.Errorf("phases %s and %s share order %d", other, ph.ID, ph.Order)
		}
		orders[ph.Order] = ph.ID
		byID[ph.ID] = ph
	}
	for _, ph := range p.Phases {
		for dep := range ph.DependsOn {
			depPhase, ok := byID[dep]
			if !ok {
				return fmt.Errorf("phase %s depends on unknown phase %s", ph.ID, dep)
			}
			if depPhase.Order >= ph.Order {
				return fmt.Errorf("phase %s depends on phase %s with order %d >= %d",
					ph.ID, dep, depPhase.Order, ph.Order)
			}
		}
	}
	return nil
}

// PhaseStatus is the lifecycle state of a phase.
type PhaseStatus string

const (
	PhasePending    PhaseStatus = "pending"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseComplete   PhaseStatus = "complete"
	PhaseFailed     PhaseStatus = "failed"
)

// Phase is a stage of a plan containing tasks that may share dependencies.
type Phase struct {
	ID                string              `json:"id"`
	Name              string              `json:"name"`
	Order             int                 `json:"order"`
	Description       string              `json:"description,omitempty"`
	Tasks             []*Task             `json:"tasks"`
	DependsOn         map[string]struct{} `json:"-"`
	AssignedPods      map[string]struct{} `json:"-"`
	Status            PhaseStatus         `json:"status"`
	Progress          int                 `json:"progress"`
	EstimatedDuration float64             `json:"estimatedDuration,omitempty"`
	CompletedAt       *time.Time          `json:"completedAt,omitempty"`
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskComplete   TaskStatus = "complete"
	TaskFailed     TaskStatus = "failed"
)

// Task is a unit of work inside a phase, optionally pinned to a pod and
// dependent on sibling tasks within the same phase.
type Task struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Description       string     `json:"description,omitempty"`
	Status            TaskStatus `json:"status"`
	EstimatedDuration float64    `json:"estimatedDuration,omitempty"`
	AssignedPod       string     `json:"assignedPod,omitempty"`

	// DependsOn lists sibling task ids. nil means "no dependency
	// information" which schedules the whole phase as one group;
	// an empty non-nil slice means "no dependencies" for this task.
	DependsOn []string `json:"dependsOn,omitempty"`

	Output         string  `json:"output,omitempty"`
	ActualDuration float64 `json:"actualDuration,omitempty"`
}
