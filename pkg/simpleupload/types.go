package simpleupload

import (
	"time"

	"github.com/google/uuid"
)

// UploadedFile describes one accepted and persisted file.
type UploadedFile struct {
	StoredName   string `json:"filename"`
	OriginalName string `json:"originalName"`
	StoragePath  string `json:"path"`
	Size         int64  `json:"size"`
	MimeType     string `json:"mimeType,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Submission is the metadata and files of one upload request.
type Submission struct {
	ID          uuid.UUID      `json:"id"`
	Name        string         `json:"name"`
	Email       string         `json:"email"`
	Description string         `json:"description"`
	Subject     string         `json:"subject,omitempty"`
	Files       []UploadedFile `json:"files"`
	UploadedAt  time.Time      `json:"uploadedAt"`
}

// ObjectMeta contains metadata about an object in storage
type ObjectMeta struct {
	Key         string
	Size        int64
	ContentType string
	UpdatedAt   time.Time
	ETag        string
}

// UploadParams contains parameters for uploading an object
type UploadParams struct {
	ObjectKey string
	MimeType  string
}
