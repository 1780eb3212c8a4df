package simpleupload

import (
	"context"
	"io"
	"mime/multipart"

	"github.com/google/uuid"
)

// Service defines the main interface for the simple-upload library
type Service interface {
	// Ingest consumes a multipart stream as one all-or-nothing batch and
	// returns the recorded submission. subject is the authenticated uploader
	// and is recorded as is.
	Ingest(ctx context.Context, mr *multipart.Reader, subject string) (*Submission, error)

	// NewBatch starts a batch for callers that drive the file stream themselves.
	NewBatch() *Batch

	// Submission and file lookups
	GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error)
	OpenFile(ctx context.Context, storedName string) (io.ReadCloser, *UploadedFile, error)

	// Limits
	Policy() Policy
	MaxRequestBytes() int64
}
