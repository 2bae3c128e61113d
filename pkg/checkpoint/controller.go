// Package checkpoint implements the phase-boundary hold: autonomous
// work orders auto-continue, everything else blocks until an external
// decision lands on the persisted work order or the timeout fires.
package checkpoint

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeline/foreman/pkg/clock"
	"github.com/forgeline/foreman/pkg/events"
	"github.com/forgeline/foreman/pkg/foremanerr"
	"github.com/forgeline/foreman/pkg/models"
)

// WorkOrders is the slice of the store the controller polls decisions
// from.
type WorkOrders interface {
	GetWorkOrder(ctx context.Context, id string) (*models.WorkOrder, error)
}

// Controller resolves reached checkpoints. Decisions are applied by
// external code writing a CheckpointDecision onto the persisted work
// order; the controller polls for it.
type Controller struct {
	store        WorkOrders
	stream       *events.Stream
	clock        clock.Clock
	pollInterval time.Duration
	timeout      time.Duration
}

// New creates a checkpoint controller.
func New(store WorkOrders, stream *events.Stream, clk clock.Clock, pollInterval, timeout time.Duration) *Controller {
	return &Controller{
		store:        store,
		stream:       stream,
		clock:        clk,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

// Resolve blocks until the checkpoint is decided and returns the
// decision. The caller owns cp and the work order; mu serializes cp
// mutations with the caller's persistence path and must not be held
// when Resolve is called. hold is invoked once the checkpoint is
// marked reached and must flip the work order into checkpoint status
// and persist it so external deciders can see the hold. The caller
// applies the resulting status transition.
func (c *Controller) Resolve(ctx context.Context, workOrderID string, authority models.Authority,
	cp *models.Checkpoint, mu sync.Locker, hold func(context.Context) error) (*models.CheckpointDecision, error) {

	now := c.clock.Now()

	if authority == models.AuthorityAutonomous {
		decision := &models.CheckpointDecision{
			Action:    models.CheckpointContinue,
			DecidedBy: "system-autonomous",
			Timestamp: now,
		}
		c.applyDecision(mu, cp, decision, now)
		slog.Info("Checkpoint auto-continued",
			"work_order_id", workOrderID, "checkpoint_id", cp.ID)
		return decision, nil
	}

	mu.Lock()
	cp.Status = models.CheckpointReached
	cp.ReachedAt = &now
	mu.Unlock()
	if err := hold(ctx); err != nil {
		return nil, err
	}
	c.stream.Publish(workOrderID, models.EventCheckpointReached, map[string]any{
		"checkpointId": cp.ID,
		"name":         cp.Name,
	})
	slog.Info("Checkpoint reached, waiting for decision",
		"work_order_id", workOrderID, "checkpoint_id", cp.ID, "authority", authority)

	deadline := now.Add(c.timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, foremanerr.Wrap(foremanerr.KindCancelled, "checkpoint wait cancelled", ctx.Err())
		case <-c.clock.After(c.pollInterval):
		}

		if c.clock.Now().After(deadline) {
			decision := &models.CheckpointDecision{
				Action:    models.CheckpointContinue,
				DecidedBy: "system-timeout",
				Timestamp: c.clock.Now(),
			}
			c.applyDecision(mu, cp, decision, decision.Timestamp)
			slog.Warn("Checkpoint timed out, continuing",
				"work_order_id", workOrderID, "checkpoint_id", cp.ID)
			return decision, nil
		}

		stored, err := c.store.GetWorkOrder(ctx, workOrderID)
		if err != nil {
			slog.Warn("Checkpoint poll failed", "work_order_id", workOrderID, "error", err)
			continue
		}
		storedCP := stored.FindCheckpoint(cp.ID)
		if storedCP == nil || storedCP.Decision == nil {
			continue
		}

		decision := storedCP.Decision
		c.applyDecision(mu, cp, decision, c.clock.Now())
		slog.Info("Checkpoint decided",
			"work_order_id", workOrderID, "checkpoint_id", cp.ID,
			"action", decision.Action, "decided_by", decision.DecidedBy)
		return decision, nil
	}
}

func (c *Controller) applyDecision(mu sync.Locker, cp *models.Checkpoint, decision *models.CheckpointDecision, now time.Time) {
	mu.Lock()
	defer mu.Unlock()
	cp.Decision = decision
	cp.DecidedAt = &now
	if decision.Action == models.CheckpointCancel {
		cp.Status = models.CheckpointRejected
	} else {
		cp.Status = models.CheckpointApproved
	}
}
