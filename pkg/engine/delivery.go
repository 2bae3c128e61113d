package engine

import (
	"encoding/base64"
	"path"
	"strings"

	"github.com/forgeline/foreman/pkg/models"
)

var mimeByExt = map[string]string{
	".html": "text/html",
	".htm":  "text/html",
	".css":  "text/css",
	".js":   "text/javascript",
	".ts":   "text/typescript",
	".json": "application/json",
	".md":   "text/markdown",
	".txt":  "text/plain",
	".svg":  "image/svg+xml",
	".py":   "text/x-python",
	".go":   "text/x-go",
	".sql":  "application/sql",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".csv":  "text/csv",
	".xml":  "application/xml",
	".sh":   "application/x-sh",
}

var languageByExt = map[string]string{
	".html": "html",
	".htm":  "html",
	".css":  "css",
	".js":   "javascript",
	".ts":   "typescript",
	".json": "json",
	".md":   "markdown",
	".py":   "python",
	".go":   "go",
	".sql":  "sql",
	".yaml": "yaml",
	".yml":  "yaml",
	".sh":   "shell",
	".xml":  "xml",
}

// buildDelivery turns the file artifacts into the deliverable set: one
// attachment plus one inline preview per file, and a single zip record
// covering the workspace in workspace mode.
func buildDelivery(workOrderID string, artifacts []*models.Artifact, workspaceID string,
	workspaces Workspaces, previewLimit int) models.Delivery {

	d := models.Delivery{WorkOrderID: workOrderID}
	for _, a := range artifacts {
		if !a.IsFileArtifact() {
			continue
		}
		filename := path.Base(a.Path)
		ext := strings.ToLower(path.Ext(a.Path))
		mime := mimeByExt[ext]
		if mime == "" {
			mime = "application/octet-stream"
		}

		var fileURL string
		if workspaceID != "" && workspaces != nil {
			fileURL = workspaces.FileURL(workspaceID, a.Path)
		} else {
			fileURL = "data:" + mime + ";base64," +
				base64.StdEncoding.EncodeToString([]byte(a.Content))
		}
		d.Attachments = append(d.Attachments, models.Attachment{
			Filename:  filename,
			MIMEType:  mime,
			SizeBytes: len(a.Content),
			URL:       fileURL,
		})

		preview := models.Preview{
			Filename: filename,
			Language: languageByExt[ext],
			Content:  a.Content,
		}
		if len(preview.Content) > previewLimit {
			preview.Content = preview.Content[:previewLimit]
			preview.Truncated = true
		}
		d.Previews = append(d.Previews, preview)
	}

	if workspaceID != "" && workspaces != nil && len(d.Attachments) > 0 {
		d.ZipURL = workspaces.ZipURL(workspaceID)
	}
	return d
}
