package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/forgeline/foreman/pkg/foremanerr"
	"github.com/forgeline/foreman/pkg/models"
)

// createWorkOrder handles POST /api/v1/workorders. The body is a work
// order document; id, status, and timestamps are filled in when absent.
func (s *Server) createWorkOrder(c *gin.Context) {
	var w models.WorkOrder
	if err := c.ShouldBindJSON(&w); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if w.Objective == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "objective is required"})
		return
	}
	if w.Plan != nil {
		if err := w.Plan.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	now := s.clock.Now()
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.Status == "" {
		w.Status = models.StatusDraft
	}
	if w.Quality == "" {
		w.Quality = models.QualityStandard
	}
	if w.Authority == "" {
		w.Authority = models.AuthorityGuided
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.Touch(now)

	if err := s.store.SaveWorkOrder(c.Request.Context(), &w); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, &w)
}

func (s *Server) listWorkOrders(c *gin.Context) {
	orders, err := s.store.ListWorkOrders(c.Request.Context())
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workOrders": orders})
}

func (s *Server) getWorkOrder(c *gin.Context) {
	w, err := s.store.GetWorkOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

// getState returns the last persisted snapshot plus whether a live
// execution is attached to it.
func (s *Server) getState(c *gin.Context) {
	id := c.Param("id")
	w, err := s.engine.GetState(c.Request.Context(), id)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, &WorkOrderStateResponse{
		WorkOrder: w,
		Running:   s.engine.IsRunning(id),
	})
}

// approvePlan handles POST /api/v1/workorders/:id/approve, stamping the
// plan so execution may start.
func (s *Server) approvePlan(c *gin.Context) {
	id := c.Param("id")
	w, err := s.store.GetWorkOrder(c.Request.Context(), id)
	if err != nil {
		renderError(c, err)
		return
	}
	if w.Plan == nil {
		renderError(c, foremanerr.Ef(foremanerr.KindPreconditionFailed,
			"work order %s has no plan to approve", id))
		return
	}
	if w.Plan.ApprovedAt != nil {
		c.JSON(http.StatusOK, gin.H{"workOrderId": id, "status": "already_approved"})
		return
	}
	now := s.clock.Now()
	w.Plan.ApprovedAt = &now
	w.Touch(now)
	if err := s.store.SaveWorkOrder(c.Request.Context(), w); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workOrderId": id, "status": "approved"})
}

// executeWorkOrder handles POST /api/v1/workorders/:id/execute.
// Execution blocks until terminal, so it runs detached from the request;
// preconditions are checked up front so the caller gets a meaningful
// status instead of a fire-and-forget 202 for a doomed run.
func (s *Server) executeWorkOrder(c *gin.Context) {
	id := c.Param("id")
	w, err := s.store.GetWorkOrder(c.Request.Context(), id)
	if err != nil {
		renderError(c, err)
		return
	}
	if w.Status.Terminal() {
		renderError(c, foremanerr.Ef(foremanerr.KindPreconditionFailed,
			"work order %s is %s and cannot execute again", id, w.Status))
		return
	}
	if w.Plan == nil || !w.Plan.Approved() {
		renderError(c, foremanerr.Ef(foremanerr.KindPreconditionFailed,
			"work order %s has no approved plan", id))
		return
	}

	go func() {
		if err := s.engine.Execute(context.Background(), id); err != nil {
			slog.Warn("Execution finished with error",
				"work_order_id", id, "kind", foremanerr.KindOf(err), "error", err)
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{"workOrderId": id, "status": "executing"})
}

func (s *Server) pauseWorkOrder(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Pause(c.Request.Context(), id); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workOrderId": id, "status": "paused"})
}

func (s *Server) resumeWorkOrder(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Resume(c.Request.Context(), id); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workOrderId": id, "status": "executing"})
}

func (s *Server) cancelWorkOrder(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Cancel(c.Request.Context(), id); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workOrderId": id, "status": "cancelled"})
}

func (s *Server) getReceipt(c *gin.Context) {
	r, err := s.store.GetReceipt(c.Request.Context(), c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// getEvents returns the retained update-event history, the REST fallback
// for clients that missed the live stream.
func (s *Server) getEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.store.GetWorkOrder(c.Request.Context(), id); err != nil {
		renderError(c, err)
		return
	}
	events := s.engine.Stream().History(id)
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// getChat returns transcript messages, optionally only those after the
// RFC 3339 timestamp in the `since` query parameter.
func (s *Server) getChat(c *gin.Context) {
	id := c.Param("id")
	var since time.Time
	if v := c.Query("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be an RFC 3339 timestamp"})
			return
		}
		since = t
	}
	msgs, err := s.store.ChatSince(c.Request.Context(), id, since)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs, "count": len(msgs)})
}

// postChat appends a user message to the transcript. The clarification
// broker polls the transcript, so this is also how a user answers a
// pending clarification.
func (s *Server) postChat(c *gin.Context) {
	id := c.Param("id")
	var req PostChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Content == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "content is required"})
		return
	}
	if _, err := s.store.GetWorkOrder(c.Request.Context(), id); err != nil {
		renderError(c, err)
		return
	}

	msg := models.ChatMessage{
		ID:          uuid.New().String(),
		WorkOrderID: id,
		Role:        "user",
		Content:     req.Content,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.AppendChat(c.Request.Context(), msg); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"messageId": msg.ID})
}

// decideCheckpoint records an authority decision on a reached checkpoint.
// The checkpoint controller polls the stored snapshot and applies the
// decision at the held phase boundary.
func (s *Server) decideCheckpoint(c *gin.Context) {
	id := c.Param("id")
	cpID := c.Param("checkpointId")

	var req CheckpointDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	switch req.Action {
	case models.CheckpointContinue, models.CheckpointContinueWithChanges,
		models.CheckpointPause, models.CheckpointCancel:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown checkpoint action"})
		return
	}

	w, err := s.store.GetWorkOrder(c.Request.Context(), id)
	if err != nil {
		renderError(c, err)
		return
	}
	cp := w.FindCheckpoint(cpID)
	if cp == nil {
		renderError(c, foremanerr.Ef(foremanerr.KindNotFound,
			"checkpoint %s on work order %s", cpID, id))
		return
	}
	if cp.Decision != nil {
		renderError(c, foremanerr.Ef(foremanerr.KindPreconditionFailed,
			"checkpoint %s already decided", cpID))
		return
	}
	if cp.Status != models.CheckpointReached {
		renderError(c, foremanerr.Ef(foremanerr.KindPreconditionFailed,
			"checkpoint %s is %s, not reached", cpID, cp.Status))
		return
	}

	decidedBy := req.DecidedBy
	if decidedBy == "" {
		decidedBy = "user"
	}
	cp.Decision = &models.CheckpointDecision{
		Action:    req.Action,
		Feedback:  req.Feedback,
		DecidedBy: decidedBy,
		Timestamp: s.clock.Now(),
	}
	w.Touch(s.clock.Now())
	if err := s.store.SaveWorkOrder(c.Request.Context(), w); err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"workOrderId":  id,
		"checkpointId": cpID,
		"action":       string(req.Action),
	})
}
