package api

import "github.com/forgeline/foreman/pkg/models"

// PostChatRequest is the body of POST /workorders/:id/chat.
type PostChatRequest struct {
	Content string `json:"content"`
}

// CheckpointDecisionRequest is the body of
// POST /workorders/:id/checkpoints/:checkpointId/decision.
type CheckpointDecisionRequest struct {
	Action    models.CheckpointAction `json:"action"`
	Feedback  string                  `json:"feedback,omitempty"`
	DecidedBy string                  `json:"decidedBy,omitempty"`
}

// WorkOrderStateResponse is the body of GET /workorders/:id/state.
type WorkOrderStateResponse struct {
	WorkOrder *models.WorkOrder `json:"workOrder"`
	Running   bool              `json:"running"`
}

// ClientMessage is a message from a WebSocket client.
type ClientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
}

// eventEnvelope wraps a stream event for WebSocket delivery, carrying
// the channel name the client subscribed with.
type eventEnvelope struct {
	Type    string             `json:"type"`
	Channel string             `json:"channel"`
	Event   models.UpdateEvent `json:"event"`
}
