package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleWorkOrder(t *testing.T) *WorkOrder {
	t.Helper()
	now := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	approved := now.Add(-time.Hour)
	return &WorkOrder{
		ID:        "wo-1",
		Type:      "build",
		Status:    StatusAwaitingApproval,
		Objective: "Ship the landing page",
		TimeBudget: TimeBudget{
			TotalMinutes:     60,
			ElapsedMinutes:   10,
			RemainingMinutes: 50,
		},
		Quality:   QualityStandard,
		Authority: AuthoritySupervised,
		Scope: Scope{
			AllowedTools:   []string{"file_write", "file_read"},
			ForbiddenPaths: []string{"/etc"},
		},
		Plan: &Plan{
			RequiresApproval: true,
			ApprovedAt:       &approved,
			PodStrategy: PodStrategy{
				Mode:          StrategyParallel,
				MaxConcurrent: 2,
				PriorityOrder: []PodRole{RoleFrontend, RoleQA},
				Dependencies: map[PodRole][]PodRole{
					RoleQA: {RoleFrontend},
				},
			},
			Phases: []*Phase{
				{
					ID:     "phase-1",
					Name:   "Build",
					Order:  1,
					Status: PhasePending,
					Tasks: []*Task{
						{ID: "t1", Name: "Write index.html", Status: TaskPending},
						{ID: "t2", Name: "Write styles", Status: TaskPending, DependsOn: []string{"t1"}},
					},
				},
				{
					ID:        "phase-2",
					Name:      "Review",
					Order:     2,
					Status:    PhasePending,
					DependsOn: map[string]struct{}{"phase-1": {}},
					Tasks:     []*Task{{ID: "t3", Name: "Review output", Status: TaskPending}},
				},
			},
		},
		Pods: map[string]*Pod{
			"pod-a": {ID: "pod-a", Role: RoleFrontend, Name: "Frontend", Status: PodIdle},
			"pod-b": {ID: "pod-b", Role: RoleQA, Name: "QA", Status: PodIdle},
		},
		ActivePods: []string{"pod-a", "pod-b"},
		Artifacts: []*Artifact{
			{ID: "art-1", WorkOrderID: "wo-1", Path: "index.html", Content: "<!doctype html>", Version: 1, Type: ArtifactFile, Status: ArtifactFinal},
		},
		Receipts: &Receipt{
			ID:          "rcpt-1",
			WorkOrderID: "wo-1",
			Technical: TechnicalReceipt{
				BuildStatus: BuildSuccess,
				PodReceipts: map[string]*PodReceipt{
					"pod-a": {PodID: "pod-a", Role: RoleFrontend, TasksCompleted: 2},
				},
			},
		},
		Progress:  40,
		CreatedAt: now.Add(-2 * time.Hour),
		UpdatedAt: now,
	}
}

func TestWorkOrderRoundTrip(t *testing.T) {
	w := sampleWorkOrder(t)

	data, err := json.Marshal(w)
	require.NoError(t, err)

	var got WorkOrder
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, w.ID, got.ID)
	assert.Equal(t, w.Status, got.Status)
	assert.Equal(t, w.Objective, got.Objective)
	assert.Equal(t, w.TimeBudget, got.TimeBudget)

	// Mappings reconstitute from pair lists.
	require.Len(t, got.Pods, 2)
	assert.Equal(t, RoleFrontend, got.Pods["pod-a"].Role)
	assert.Equal(t, []string{"pod-a", "pod-b"}, got.ActivePods)
	require.NotNil(t, got.Plan)
	assert.Equal(t, []PodRole{RoleFrontend}, got.Plan.PodStrategy.Dependencies[RoleQA])

	// Sets reconstitute from sorted lists.
	require.Len(t, got.Plan.Phases, 2)
	_, ok := got.Plan.Phases[1].DependsOn["phase-1"]
	assert.True(t, ok)

	// Receipt pod receipts reconstitute from pairs.
	require.NotNil(t, got.Receipts)
	require.Len(t, got.Receipts.Technical.PodReceipts, 1)
	assert.Equal(t, 2, got.Receipts.Technical.PodReceipts["pod-a"].TasksCompleted)
}

func TestWorkOrderPairLayout(t *testing.T) {
	w := sampleWorkOrder(t)

	data, err := json.Marshal(w)
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &raw))

	// pods serializes as a list of [id, Pod] pairs, not an object.
	var pods [][]json.RawMessage
	require.NoError(t, json.Unmarshal(raw["pods"], &pods))
	require.Len(t, pods, 2)
	var firstID string
	require.NoError(t, json.Unmarshal(pods[0][0], &firstID))
	assert.Equal(t, "pod-a", firstID)
}

func TestTimeBudgetConsume(t *testing.T) {
	b := TimeBudget{TotalMinutes: 30, RemainingMinutes: 30}

	b.Consume(10)
	assert.Equal(t, 10.0, b.ElapsedMinutes)
	assert.Equal(t, 20.0, b.RemainingMinutes)
	assert.Equal(t, b.TotalMinutes, b.ElapsedMinutes+b.RemainingMinutes)

	// Overshoot clamps at zero and preserves the invariant.
	b.Consume(100)
	assert.Equal(t, 30.0, b.ElapsedMinutes)
	assert.Equal(t, 0.0, b.RemainingMinutes)
	assert.True(t, b.Exhausted())
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		plan    *Plan
		wantErr string
	}{
		{
			name: "valid",
			plan: &Plan{Phases: []*Phase{
				{ID: "a", Order: 1},
				{ID: "b", Order: 2, DependsOn: map[string]struct{}{"a": {}}},
			}},
		},
		{
			name: "duplicate order",
			plan: &Plan{Phases: []*Phase{
				{ID: "a", Order: 1},
				{ID: "b", Order: 1},
			}},
			wantErr: "share order",
		},
		{
			name: "forward dependency",
			plan: &Plan{Phases: []*Phase{
				{ID: "a", Order: 1, DependsOn: map[string]struct{}{"b": {}}},
				{ID: "b", Order: 2},
			}},
			wantErr: "order",
		},
		{
			name: "unknown dependency",
			plan: &Plan{Phases: []*Phase{
				{ID: "a", Order: 1, DependsOn: map[string]struct{}{"ghost": {}}},
			}},
			wantErr: "unknown phase",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPodHealthThresholds(t *testing.T) {
	p := &Pod{Health: PodHealth{Status: HealthHealthy}}

	p.RecordFailure(3, 5)
	p.RecordFailure(3, 5)
	assert.Equal(t, HealthHealthy, p.Health.Status)

	p.RecordFailure(3, 5)
	assert.Equal(t, HealthWarning, p.Health.Status)

	p.RecordSuccess()
	assert.Equal(t, HealthHealthy, p.Health.Status)
	assert.Equal(t, 0, p.Health.ConsecutiveFailures)
	assert.Equal(t, 3, p.Health.ErrorCount)

	for i := 0; i < 5; i++ {
		p.RecordFailure(3, 5)
	}
	assert.Equal(t, HealthCritical, p.Health.Status)
}

func TestNormalizePath(t *testing.T) {
	assert.Equal(t, "a/b.txt", NormalizePath("./a/b.txt"))
	assert.Equal(t, "a/b.txt", NormalizePath("a//b.txt"))
	assert.Equal(t, "a/b.txt", NormalizePath("a\\b.txt"))
	assert.Equal(t, "index.html", NormalizePath("index.html"))
}

func TestAuthorityOrdering(t *testing.T) {
	assert.True(t, AuthorityAutonomous.AtLeast(AuthoritySupervised))
	assert.True(t, AuthoritySupervised.AtLeast(AuthoritySupervised))
	assert.False(t, AuthorityGuided.AtLeast(AuthoritySupervised))
	assert.False(t, AuthorityNone.AtLeast(AuthorityGuided))
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range []WorkOrderStatus{StatusCompleted, StatusFailed, StatusCancelled} {
		assert.True(t, s.Terminal(), string(s))
	}
	for _, s := range []WorkOrderStatus{StatusDraft, StatusExecuting, StatusPaused, StatusCheckpoint} {
		assert.False(t, s.Terminal(), string(s))
	}
}
