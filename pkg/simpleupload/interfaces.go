package simpleupload

import (
	"context"
	"io"

	"github.com/google/uuid"
)

// BlobStore defines the interface for storage backends
type BlobStore interface {
	// Name identifies the backend in errors and logs
	Name() string

	// Upload writes the reader under objectKey and returns the number of bytes written.
	// An existing object with the same key is never overwritten.
	Upload(ctx context.Context, reader io.Reader, params UploadParams) (int64, error)

	// Download opens the object for reading
	Download(ctx context.Context, objectKey string) (io.ReadCloser, error)

	// Delete deletes content
	Delete(ctx context.Context, objectKey string) error

	// GetObjectMeta retrieves metadata for an object
	GetObjectMeta(ctx context.Context, objectKey string) (*ObjectMeta, error)

	// Location returns the backend-specific address of objectKey
	Location(objectKey string) string
}

// Repository records completed submissions
type Repository interface {
	CreateSubmission(ctx context.Context, submission *Submission) error
	GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error)

	// GetFile looks a stored file up by its generated name
	GetFile(ctx context.Context, storedName string) (*UploadedFile, error)
}
