// Package clarify implements the pause/clarification broker: the
// request_clarification tool routes here, and the answer comes either
// from an auxiliary decisive model call or from the user via the chat
// transcript, depending on the work order's authority.
package clarify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forgeline/foreman/pkg/clock"
	"github.com/forgeline/foreman/pkg/foremanerr"
	"github.com/forgeline/foreman/pkg/llm"
	"github.com/forgeline/foreman/pkg/models"
)

// Chat is the transcript slice the broker posts questions to and polls
// replies from.
type Chat interface {
	AppendChat(ctx context.Context, msg models.ChatMessage) error
	ChatSince(ctx context.Context, workOrderID string, after time.Time) ([]models.ChatMessage, error)
}

// Ref is the broker's handle on a running work order. Mutate must apply
// fn under whatever lock guards the work order and persist the result;
// pods in parallel tasks can clarify concurrently.
type Ref interface {
	ID() string
	Objective() string
	Authority() models.Authority
	Mutate(ctx context.Context, fn func(*models.WorkOrder)) error
}

// Request is one clarification ask from a pod's tool loop.
type Request struct {
	Question string
	Context  string
	Options  []string
}

// Broker resolves clarification requests. Only the asking pod suspends;
// sibling pods keep working.
type Broker struct {
	chat         Chat
	model        llm.Client
	modelName    string
	clock        clock.Clock
	pollInterval time.Duration
	timeout      time.Duration
}

// New creates a clarification broker. model is the auxiliary client used
// for auto-resolution.
func New(chat Chat, model llm.Client, modelName string, clk clock.Clock, pollInterval, timeout time.Duration) *Broker {
	return &Broker{
		chat:         chat,
		model:        model,
		modelName:    modelName,
		clock:        clk,
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

// Resolve records a pending pause request on the work order, obtains an
// answer per the authority level, marks the request resolved, and
// returns the answer string for the tool loop. Only the user-wait path
// sets the active pause marker; auto-resolved requests never surface a
// user wait.
func (b *Broker) Resolve(ctx context.Context, wo Ref, req Request) (string, error) {
	now := b.clock.Now()
	pr := &models.PauseRequest{
		ID:        uuid.New().String(),
		Question:  req.Question,
		Context:   req.Context,
		Options:   req.Options,
		Status:    models.PausePending,
		CreatedAt: now,
	}
	needsUser := !wo.Authority().AtLeast(models.AuthoritySupervised)
	if err := wo.Mutate(ctx, func(w *models.WorkOrder) {
		w.PauseRequests = append(w.PauseRequests, pr)
		if needsUser {
			w.ActivePauseID = pr.ID
		}
		w.Touch(now)
	}); err != nil {
		return "", err
	}
	slog.Info("Clarification requested",
		"work_order_id", wo.ID(), "pause_id", pr.ID, "authority", wo.Authority())

	var (
		answer   string
		status   models.PauseRequestStatus
		inferred bool
		err      error
	)
	if needsUser {
		answer, status, err = b.waitForUser(ctx, wo, pr.ID, req)
		if err != nil {
			return "", err
		}
		inferred = status != models.PauseAnswered
	} else {
		answer = b.autoAnswer(ctx, wo, req)
		status = models.PauseInferred
		inferred = true
	}

	resolved := b.clock.Now()
	if err := wo.Mutate(ctx, func(w *models.WorkOrder) {
		stored := w.FindPauseRequest(pr.ID)
		if stored == nil {
			return
		}
		stored.Status = status
		stored.ResolvedAt = &resolved
		if inferred {
			stored.InferredValues = answer
			stored.ContentTag = "auto_resolved"
		} else {
			stored.UserResponse = answer
		}
		if w.ActivePauseID == pr.ID {
			w.ActivePauseID = ""
		}
		w.Touch(resolved)
	}); err != nil {
		return "", err
	}
	slog.Info("Clarification resolved",
		"work_order_id", wo.ID(), "pause_id", pr.ID, "status", status)
	return answer, nil
}

// waitForUser posts the question to the chat and polls for a user reply
// newer than the question. On timeout the auto-answer path takes over.
func (b *Broker) waitForUser(ctx context.Context, wo Ref, pauseID string, req Request) (string, models.PauseRequestStatus, error) {
	asked := b.clock.Now()
	content := req.Question
	if len(req.Options) > 0 {
		content += "\nOptions: " + strings.Join(req.Options, " | ")
	}
	if err := b.chat.AppendChat(ctx, models.ChatMessage{
		WorkOrderID: wo.ID(),
		Role:        "engine",
		Content:     content,
		CreatedAt:   asked,
	}); err != nil {
		return "", "", err
	}

	deadline := asked.Add(b.timeout)
	for {
		select {
		case <-ctx.Done():
			return "", "", foremanerr.Wrap(foremanerr.KindCancelled, "clarification wait cancelled", ctx.Err())
		case <-b.clock.After(b.pollInterval):
		}

		if b.clock.Now().After(deadline) {
			slog.Warn("Clarification timed out, auto-resolving",
				"work_order_id", wo.ID(), "pause_id", pauseID)
			return b.autoAnswer(ctx, wo, req), models.PauseInferred, nil
		}

		msgs, err := b.chat.ChatSince(ctx, wo.ID(), asked)
		if err != nil {
			slog.Warn("Clarification poll failed", "work_order_id", wo.ID(), "error", err)
			continue
		}
		for _, m := range msgs {
			if m.Role == "user" && m.Content != "" {
				return m.Content, models.PauseAnswered, nil
			}
		}
	}
}

// autoAnswer asks the auxiliary model for a 1-3 sentence decisive
// answer at low temperature. A model failure falls back to a
// deterministic default so the tool loop always gets a string.
func (b *Broker) autoAnswer(ctx context.Context, wo Ref, req Request) string {
	prompt := fmt.Sprintf(
		"A worker needs a decision to proceed with this objective: %s\n\nQuestion: %s\n",
		wo.Objective(), req.Question)
	if req.Context != "" {
		prompt += "Context: " + req.Context + "\n"
	}
	if len(req.Options) > 0 {
		prompt += "Options: " + strings.Join(req.Options, " | ") + "\n"
	}
	prompt += "\nAnswer decisively in 1-3 sentences. Do not ask follow-up questions."

	stream, err := b.model.Stream(ctx, &llm.Request{
		Model:       b.modelName,
		Temperature: 0.2,
		MaxTokens:   300,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "You make pragmatic decisions for automated workers. Be brief and decisive."},
			{Role: llm.RoleUser, Content: prompt},
		},
	})
	if err == nil {
		var resp *llm.Response
		resp, err = llm.Collect(stream, nil)
		if err == nil && strings.TrimSpace(resp.Text) != "" {
			return strings.TrimSpace(resp.Text)
		}
	}
	if err != nil {
		slog.Warn("Auto-answer model call failed, using fallback",
			"work_order_id", wo.ID(), "error", err)
	}

	if len(req.Options) > 0 {
		return "Go with: " + req.Options[0]
	}
	return "Proceed with your best judgment and keep the result consistent with the objective."
}

// StoreRef adapts a bare work order plus a store into a Ref, serializing
// mutations with its own mutex. The engine supplies its own Ref bound to
// the run lock; StoreRef covers standalone callers.
type StoreRef struct {
	mu    sync.Mutex
	w     *models.WorkOrder
	saver Saver
}

// Saver persists work order mutations made through a StoreRef.
type Saver interface {
	SaveWorkOrder(ctx context.Context, w *models.WorkOrder) error
}

// NewStoreRef wraps w; all mutations go through the internal lock.
func NewStoreRef(w *models.WorkOrder, saver Saver) *StoreRef {
	return &StoreRef{w: w, saver: saver}
}

func (r *StoreRef) ID() string                 { return r.w.ID }
func (r *StoreRef) Objective() string          { return r.w.Objective }
func (r *StoreRef) Authority() models.Authority { return r.w.Authority }

func (r *StoreRef) Mutate(ctx context.Context, fn func(*models.WorkOrder)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.w)
	return r.saver.SaveWorkOrder(ctx, r.w)
}
