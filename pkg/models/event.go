package models

import "time"

// UpdateEventType is the closed set of update-stream event types.
type UpdateEventType string

const (
	EventPhaseStart        UpdateEventType = "phase_start"
	EventPhaseComplete     UpdateEventType = "phase_complete"
	EventTaskStart         UpdateEventType = "task_start"
	EventTaskComplete      UpdateEventType = "task_complete"
	EventTaskFailed        UpdateEventType = "task_failed"
	EventPodMessage        UpdateEventType = "pod_message"
	EventArtifactCreated   UpdateEventType = "artifact_created"
	EventCheckpointReached UpdateEventType = "checkpoint_reached"
	EventProgressUpdate    UpdateEventType = "progress_update"
	EventError             UpdateEventType = "error"
	EventExecutionComplete UpdateEventType = "execution_complete"
)

// UpdateEvent is one entry of a work order's append-only event log.
type UpdateEvent struct {
	ID          string          `json:"id"`
	WorkOrderID string          `json:"workOrderId"`
	Type        UpdateEventType `json:"type"`
	Data        map[string]any  `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
