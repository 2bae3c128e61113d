package models

import (
	"path"
	"strings"
	"time"
)

// ArtifactType categorizes a produced output.
type ArtifactType string

const (
	ArtifactCode     ArtifactType = "code"
	ArtifactDocument ArtifactType = "document"
	ArtifactDesign   ArtifactType = "design"
	ArtifactFile     ArtifactType = "file"
	ArtifactData     ArtifactType = "data"
	ArtifactConfig   ArtifactType = "config"
)

// ArtifactStatus is the review state of an artifact.
type ArtifactStatus string

const (
	ArtifactDraft    ArtifactStatus = "draft"
	ArtifactFinal    ArtifactStatus = "final"
	ArtifactReview   ArtifactStatus = "review"
	ArtifactApproved ArtifactStatus = "approved"
	ArtifactRejected ArtifactStatus = "rejected"
)

// Artifact is a produced output attributed to a pod. Within one work
// order artifacts are unique by normalized path: writing the same path
// twice merges in place and increments Version.
type Artifact struct {
	ID              string         `json:"id"`
	WorkOrderID     string         `json:"workOrderId"`
	Name            string         `json:"name"`
	Type            ArtifactType   `json:"type"`
	Description     string         `json:"description,omitempty"`
	Content         string         `json:"content"`
	Path            string         `json:"path,omitempty"`
	CreatedBy       string         `json:"createdBy"`
	CreatedAt       time.Time      `json:"createdAt"`
	Version         int            `json:"version"`
	Status          ArtifactStatus `json:"status"`
	PreviousVersion bool           `json:"previousVersion,omitempty"`
}

// NormalizePath canonicalizes an artifact path for uniqueness checks:
// cleaned, forward slashes, no leading "./".
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	p = strings.TrimPrefix(p, "./")
	return p
}

// IsFileArtifact reports whether the artifact represents a deliverable
// file with string content.
func (a *Artifact) IsFileArtifact() bool {
	return a.Path != "" && a.Content != ""
}

// LineCount counts lines in the artifact's string content.
func (a *Artifact) LineCount() int {
	if a.Content == "" {
		return 0
	}
	return strings.Count(a.Content, "\n") + 1
}
