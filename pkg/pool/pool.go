// Package pool is the cross-work-order pod repository. Pods returned
// here carry a rolling context summary and aggregate counters into
// their next activation.
package pool

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/forgeline/foreman/pkg/clock"
	"github.com/forgeline/foreman/pkg/foremanerr"
	"github.com/forgeline/foreman/pkg/models"
)

// entry is one pooled pod plus the cross-work-order state that outlives
// any single activation.
type entry struct {
	pod *models.Pod

	contextSummary      string
	specializations     []string
	totalTBWOsServed    int
	totalTasksCompleted int
	totalTokensUsed     int
	inUse               bool
}

// Pool maps roles to reusable pods. Mutations are serialized by one
// mutex; nothing here blocks on external calls.
type Pool struct {
	mu         sync.Mutex
	byRole     map[models.PodRole][]*entry
	byID       map[string]*entry
	contextCap int
	clock      clock.Clock
}

// New creates an empty pool. contextCap bounds each pod's rolling
// context summary in characters.
func New(clk clock.Clock, contextCap int) *Pool {
	return &Pool{
		byRole:     make(map[models.PodRole][]*entry),
		byID:       make(map[string]*entry),
		contextCap: contextCap,
		clock:      clk,
	}
}

// GetOrCreate returns a reusable pod of the role, reassigning it to the
// work order, or creates a fresh one when none is free.
func (p *Pool) GetOrCreate(role models.PodRole, workOrderID string) *models.Pod {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.byRole[role] {
		if e.inUse || e.pod.Health.Status == models.HealthDead {
			continue
		}
		e.inUse = true
		e.pod.WorkOrderID = workOrderID
		e.pod.Status = models.PodIdle
		e.pod.CurrentTask = ""
		e.pod.UpdatedAt = p.clock.Now()
		slog.Info("Pod reactivated from pool",
			"pod_id", e.pod.ID, "role", role, "work_order_id", workOrderID,
			"tbwos_served", e.totalTBWOsServed)
		return e.pod
	}

	now := p.clock.Now()
	pod := &models.Pod{
		ID:          uuid.New().String(),
		Role:        role,
		Name:        string(role) + "-pod",
		Status:      models.PodIdle,
		Health:      models.PodHealth{Status: models.HealthHealthy, LastHeartbeat: now},
		WorkOrderID: workOrderID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	e := &entry{pod: pod, inUse: true}
	p.byRole[role] = append(p.byRole[role], e)
	p.byID[pod.ID] = e
	slog.Info("Pod created", "pod_id", pod.ID, "role", role, "work_order_id", workOrderID)
	return pod
}

// Return hands a pod back after its work order terminates. The summary
// is appended to the pod's rolling context (oldest text trimmed past the
// cap) and the served/task/token counters accumulate. patterns are
// specialization heuristics inferred from the completed tasks.
func (p *Pool) Return(podID, summary string, patterns []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byID[podID]
	if !ok {
		return foremanerr.Ef(foremanerr.KindNotFound, "pooled pod %s", podID)
	}

	if summary != "" {
		if e.contextSummary != "" {
			e.contextSummary += "\n"
		}
		e.contextSummary += summary
		if len(e.contextSummary) > p.contextCap {
			e.contextSummary = e.contextSummary[len(e.contextSummary)-p.contextCap:]
		}
	}
	for _, pat := range patterns {
		if pat != "" && !contains(e.specializations, pat) {
			e.specializations = append(e.specializations, pat)
		}
	}

	e.totalTBWOsServed++
	e.totalTasksCompleted += len(e.pod.CompletedTasks)
	e.totalTokensUsed += e.pod.ResourceUsage.TokensUsed

	e.pod.Status = models.PodTerminated
	e.pod.WorkOrderID = ""
	e.pod.CurrentTask = ""
	e.pod.CompletedTasks = nil
	e.pod.Outputs = nil
	e.pod.ResourceUsage = models.ResourceUsage{}
	e.pod.UpdatedAt = p.clock.Now()
	e.inUse = false
	return nil
}

// ContextSummary returns the rolling context injected into the pod's
// system prompt on its next activation.
func (p *Pool) ContextSummary(podID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byID[podID]; ok {
		return e.contextSummary
	}
	return ""
}

// Specializations returns the inferred specialization tags for a pod.
func (p *Pool) Specializations(podID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.byID[podID]; ok {
		return append([]string(nil), e.specializations...)
	}
	return nil
}

// Stats aggregates the pool-wide counters for observability.
type Stats struct {
	Pods                int `json:"pods"`
	InUse               int `json:"inUse"`
	TotalTBWOsServed    int `json:"totalTbwosServed"`
	TotalTasksCompleted int `json:"totalTasksCompleted"`
	TotalTokensUsed     int `json:"totalTokensUsed"`
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Stats
	for _, e := range p.byID {
		s.Pods++
		if e.inUse {
			s.InUse++
		}
		s.TotalTBWOsServed += e.totalTBWOsServed
		s.TotalTasksCompleted += e.totalTasksCompleted
		s.TotalTokensUsed += e.totalTokensUsed
	}
	return s
}

// Shutdown marks every pod terminated. The pool is not reusable after.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, e := range p.byID {
		e.pod.Status = models.PodTerminated
		e.inUse = false
	}
	slog.Info("Pod pool shut down", "pods", len(p.byID))
}

// InferPatterns derives specialization tags from completed task
// descriptions. Heuristic keyword matching, nothing fancier.
func InferPatterns(tasks []*models.Task) []string {
	keywords := map[string]string{
		"react":     "react",
		"html":      "web-markup",
		"css":       "web-styling",
		"api":       "api-design",
		"database":  "data-modeling",
		"sql":       "data-modeling",
		"test":      "testing",
		"deploy":    "deployment",
		"design":    "visual-design",
		"copy":      "copywriting",
		"research":  "research",
		"benchmark": "performance",
	}

	var out []string
	for _, t := range tasks {
		if t.Status != models.TaskComplete {
			continue
		}
		text := strings.ToLower(t.Name + " " + t.Description)
		for kw, tag := range keywords {
			if strings.Contains(text, kw) && !contains(out, tag) {
				out = append(out, tag)
			}
		}
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
