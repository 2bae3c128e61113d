package store

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeline/foreman/pkg/foremanerr"
	"github.com/forgeline/foreman/pkg/models"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0, 0)

	w := &models.WorkOrder{
		ID:        "wo-1",
		Status:    models.StatusExecuting,
		Objective: "Build a landing page",
		Pods: map[string]*models.Pod{
			"pod-1": {ID: "pod-1", Role: models.RoleFrontend},
		},
		ActivePods: []string{"pod-1"},
		UpdatedAt:  time.Now().UTC(),
	}
	require.NoError(t, s.SaveWorkOrder(ctx, w))

	got, err := s.GetWorkOrder(ctx, "wo-1")
	require.NoError(t, err)
	assert.Equal(t, "Build a landing page", got.Objective)
	require.Contains(t, got.Pods, "pod-1")
	assert.Equal(t, models.RoleFrontend, got.Pods["pod-1"].Role)

	// A later save is fully independent of the loaded copy.
	got.Objective = "mutated"
	again, err := s.GetWorkOrder(ctx, "wo-1")
	require.NoError(t, err)
	assert.Equal(t, "Build a landing page", again.Objective)
}

func TestMemoryStoreNotFound(t *testing.T) {
	s := NewMemoryStore(0, 0)
	_, err := s.GetWorkOrder(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, foremanerr.Is(err, foremanerr.KindNotFound))
}

func TestMemoryStoreQuotaKeepsMostRecent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(2000, 2)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		w := &models.WorkOrder{
			ID:        fmt.Sprintf("wo-%d", i),
			Status:    models.StatusCompleted,
			Objective: strings.Repeat("x", 600),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.SaveWorkOrder(ctx, w))
	}

	list, err := s.ListWorkOrders(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	_, err = s.GetWorkOrder(ctx, "wo-4")
	assert.NoError(t, err)
	_, err = s.GetWorkOrder(ctx, "wo-0")
	assert.Error(t, err)
}

func TestMemoryStoreReceiptsSurviveTrim(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(500, 1)

	require.NoError(t, s.SaveReceipt(ctx, &models.Receipt{ID: "r-1", WorkOrderID: "wo-0"}))
	for i := 0; i < 3; i++ {
		w := &models.WorkOrder{
			ID:        fmt.Sprintf("wo-%d", i),
			Objective: strings.Repeat("y", 400),
			UpdatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, s.SaveWorkOrder(ctx, w))
	}

	r, err := s.GetReceipt(ctx, "wo-0")
	require.NoError(t, err)
	assert.Equal(t, "r-1", r.ID)
}

func TestMemoryStoreChatSince(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(0, 0)

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendChat(ctx, models.ChatMessage{
			WorkOrderID: "wo-1",
			Role:        "user",
			Content:     fmt.Sprintf("msg %d", i),
			CreatedAt:   base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := s.ChatSince(ctx, "wo-1", base)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "msg 1", got[0].Content)
	assert.Equal(t, "msg 2", got[1].Content)
}
