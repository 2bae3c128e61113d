package config

import "time"

// Constants is the central bundle of design constants. Keeping them in
// one injected struct lets tests assert the documented bounds hold and
// shrink timings without sleeping.
type Constants struct {
	// TickInterval is the time-tracking ticker period.
	TickInterval time.Duration

	// PauseCheckInterval bounds how often cooperative waits re-check the
	// work order status while paused.
	PauseCheckInterval time.Duration

	// DecisionPollInterval is the checkpoint/clarification poll period;
	// external mutations must be observed within this bound.
	DecisionPollInterval time.Duration

	// MaxPauseWindow is how long a pause may last before the engine
	// resumes itself.
	MaxPauseWindow time.Duration

	// CheckpointTimeout auto-continues a reached checkpoint.
	CheckpointTimeout time.Duration

	// ClarificationTimeout falls a user-answered clarification back to
	// the auto-answer path.
	ClarificationTimeout time.Duration

	// WorkspaceCleanupDelay / WorkspaceCleanupDelayOnFailure schedule
	// workspace teardown after termination.
	WorkspaceCleanupDelay          time.Duration
	WorkspaceCleanupDelayOnFailure time.Duration

	// MaxToolIterations caps the per-task tool loop.
	MaxToolIterations int

	// ArtifactContextBudget is the total character budget of the
	// artifact context slice injected into task prompts.
	ArtifactContextBudget int

	// ArtifactContextPerItem caps a single artifact's contribution to
	// the context slice.
	ArtifactContextPerItem int

	// InboxDigestLimit is the number of most recent inbox messages
	// injected into a task prompt.
	InboxDigestLimit int

	// InboxCap bounds a pod's inbox; on overflow the oldest
	// non-high-priority messages drop first.
	InboxCap int

	// EventHistoryLimit bounds the per-work-order update event history.
	EventHistoryLimit int

	// ErrorRingSize bounds the per-execution error ring.
	ErrorRingSize int

	// RecentErrorsInPrompt is how many ring entries a task prompt warns about.
	RecentErrorsInPrompt int

	// PreviewByteLimit truncates inline code previews on delivery.
	PreviewByteLimit int

	// PoolContextCap bounds a pooled pod's rolling context summary.
	PoolContextCap int

	// HealthWarningAfter / HealthCriticalAfter are the consecutive
	// failure thresholds.
	HealthWarningAfter  int
	HealthCriticalAfter int

	// StoreQuotaBytes / StoreRetainCount: above the quota the persistor
	// keeps only the most recently updated work orders.
	StoreQuotaBytes  int64
	StoreRetainCount int
}

// DefaultConstants returns the documented defaults.
func DefaultConstants() Constants {
	return Constants{
		TickInterval:                   10 * time.Second,
		PauseCheckInterval:             time.Second,
		DecisionPollInterval:           2 * time.Second,
		MaxPauseWindow:                 time.Hour,
		CheckpointTimeout:              30 * time.Minute,
		ClarificationTimeout:           30 * time.Minute,
		WorkspaceCleanupDelay:          30 * time.Minute,
		WorkspaceCleanupDelayOnFailure: 5 * time.Minute,
		MaxToolIterations:              10,
		ArtifactContextBudget:          50_000,
		ArtifactContextPerItem:         8_000,
		InboxDigestLimit:               20,
		InboxCap:                       200,
		EventHistoryLimit:              200,
		ErrorRingSize:                  50,
		RecentErrorsInPrompt:           3,
		PreviewByteLimit:               3_000,
		PoolContextCap:                 10_000,
		HealthWarningAfter:             3,
		HealthCriticalAfter:            5,
		StoreQuotaBytes:                2 << 20,
		StoreRetainCount:               5,
	}
}
