package models

import "time"

// BusFrom is the sender id used by the engine itself on the message bus.
const BusFromEngine = "engine"

// BusBroadcast is the recipient wildcard reaching all subscribers.
const BusBroadcast = "*"

// BusMessageType classifies inter-pod messages.
type BusMessageType string

const (
	MsgTaskAssignment       BusMessageType = "task_assignment"
	MsgStatusUpdate         BusMessageType = "status_update"
	MsgQuestion             BusMessageType = "question"
	MsgResult               BusMessageType = "result"
	MsgError                BusMessageType = "error"
	MsgArtifactReady        BusMessageType = "artifact_ready"
	MsgClarificationRequest BusMessageType = "clarification_request"
)

// BusPriority orders messages for overflow eviction: high-priority
// messages survive inbox overflow, oldest normal/low messages drop first.
type BusPriority string

const (
	PriorityLow    BusPriority = "low"
	PriorityNormal BusPriority = "normal"
	PriorityHigh   BusPriority = "high"
)

// BusMessage is one typed message between pods (or from the engine).
type BusMessage struct {
	ID        string         `json:"id"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Type      BusMessageType `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Priority  BusPriority    `json:"priority"`
	Timestamp time.Time      `json:"timestamp"`
}

// ChatMessage is one entry of a work order's user-facing transcript. The
// clarification broker posts questions here and polls for replies.
type ChatMessage struct {
	ID          string    `json:"id"`
	WorkOrderID string    `json:"workOrderId"`
	Role        string    `json:"role"` // "user", "engine", "pod"
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
}
