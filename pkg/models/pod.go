package models

import "time"

// PodRole identifies the specialization of a pod.
type PodRole string

const (
	RoleOrchestrator PodRole = "orchestrator"
	RoleFrontend     PodRole = "frontend"
	RoleBackend      PodRole = "backend"
	RoleDesigner     PodRole = "designer"
	RoleWriter       PodRole = "writer"
	RoleResearcher   PodRole = "researcher"
	RoleQA           PodRole = "qa"
)

// PodStatus is the lifecycle state of a pod.
type PodStatus string

const (
	PodInitializing PodStatus = "initializing"
	PodIdle         PodStatus = "idle"
	PodWorking      PodStatus = "working"
	PodTerminated   PodStatus = "terminated"
)

// HealthStatus is the coarse health classification of a pod.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthDead     HealthStatus = "dead"
)

// PodHealth tracks failure counters for a pod. ConsecutiveFailures is
// reset by any successful task; ErrorCount is not.
type PodHealth struct {
	Status              HealthStatus `json:"status"`
	LastHeartbeat       time.Time    `json:"lastHeartbeat"`
	ErrorCount          int          `json:"errorCount"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	Warnings            []string     `json:"warnings,omitempty"`
}

// ModelConfig selects the model a pod talks to.
type ModelConfig struct {
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	Temperature  float64 `json:"temperature"`
	MaxTokens    int     `json:"maxTokens"`
	SystemPrompt string  `json:"systemPrompt,omitempty"`
}

// ResourceUsage aggregates a pod's consumption.
type ResourceUsage struct {
	CPUPercent    float64 `json:"cpuPercent,omitempty"`
	MemoryMB      float64 `json:"memoryMB,omitempty"`
	TokensUsed    int     `json:"tokensUsed"`
	APICalls      int     `json:"apiCalls"`
	ExecutionTime float64 `json:"executionTime"`
}

// PodOutput is one unit of text output a pod produced for a task.
type PodOutput struct {
	TaskID    string    `json:"taskId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// Pod is a role-specialized long-lived agent. A pod is exclusively owned
// by one work order while active; on termination it returns to the pool,
// which carries it (and its accumulated context) across work orders.
type Pod struct {
	ID            string        `json:"id"`
	Role          PodRole       `json:"role"`
	Name          string        `json:"name"`
	Status        PodStatus     `json:"status"`
	Health        PodHealth     `json:"health"`
	ModelConfig   ModelConfig   `json:"modelConfig"`
	ToolWhitelist []string      `json:"toolWhitelist,omitempty"` // empty = all permitted
	MemoryScope   string        `json:"memoryScope,omitempty"`
	CurrentTask   string        `json:"currentTask,omitempty"`
	TaskQueue     []string      `json:"taskQueue,omitempty"`
	CompletedTasks []string     `json:"completedTasks,omitempty"`
	Outputs       []PodOutput   `json:"outputs,omitempty"`
	ResourceUsage ResourceUsage `json:"resourceUsage"`
	MessageLog    []string      `json:"messageLog,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
	UpdatedAt     time.Time     `json:"updatedAt"`
	WorkOrderID   string        `json:"workOrderId,omitempty"`
}

// ToolAllowed reports whether the pod may use the named tool.
// An empty whitelist permits everything.
func (p *Pod) ToolAllowed(tool string) bool {
	if len(p.ToolWhitelist) == 0 {
		return true
	}
	for _, t := range p.ToolWhitelist {
		if t == tool {
			return true
		}
	}
	return false
}

// RecordFailure applies the health thresholds after a failed task.
func (p *Pod) RecordFailure(warningAfter, criticalAfter int) {
	p.Health.ErrorCount++
	p.Health.ConsecutiveFailures++
	switch {
	case p.Health.ConsecutiveFailures >= criticalAfter:
		p.Health.Status = HealthCritical
	case p.Health.ConsecutiveFailures >= warningAfter:
		p.Health.Status = HealthWarning
	}
}

// RecordSuccess resets the consecutive-failure streak.
func (p *Pod) RecordSuccess() {
	p.Health.ConsecutiveFailures = 0
	if p.Health.Status == HealthWarning {
		p.Health.Status = HealthHealthy
	}
}
