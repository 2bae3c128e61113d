package models

// Attachment is the delivery record for one file artifact: a data URL in
// direct mode or an authenticated workspace URL in workspace mode.
type Attachment struct {
	Filename  string `json:"filename"`
	MIMEType  string `json:"mimeType"`
	SizeBytes int    `json:"sizeBytes"`
	URL       string `json:"url"`
}

// Preview is the inline code preview accompanying an attachment,
// truncated at the configured preview budget.
type Preview struct {
	Filename  string `json:"filename"`
	Language  string `json:"language,omitempty"`
	Content   string `json:"content"`
	Truncated bool   `json:"truncated"`
}

// Delivery is the full deliverable set handed to the caller on
// completion (or partially on failure). ZipURL is set only in workspace
// mode and covers the whole workspace.
type Delivery struct {
	WorkOrderID string       `json:"workOrderId"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Previews    []Preview    `json:"previews,omitempty"`
	ZipURL      string       `json:"zipUrl,omitempty"`
}
