package simpleupload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

var errBatchClosed = errors.New("batch already committed or rolled back")

// Batch collects the files of one request. Any failure removes every file the
// batch has stored so far. A Batch is not safe for concurrent use.
type Batch struct {
	guard  *Guard
	writer *Writer
	repo   Repository
	logger *slog.Logger
	now    func() time.Time

	files  []UploadedFile
	closed bool
}

// Files returns the files stored so far.
func (b *Batch) Files() []UploadedFile {
	return append([]UploadedFile(nil), b.files...)
}

// Add checks the file against the guard, then streams it to storage.
func (b *Batch) Add(ctx context.Context, r io.Reader, originalName, mimeType string) (*UploadedFile, error) {
	if b.closed {
		return nil, errBatchClosed
	}

	if err := b.guard.Accept(originalName, mimeType, len(b.files)); err != nil {
		b.Rollback(ctx)
		return nil, err
	}

	file, err := b.writer.Store(ctx, b.guard.Limit(r, originalName), originalName, mimeType)
	if err != nil {
		b.Rollback(ctx)
		return nil, err
	}

	b.files = append(b.files, *file)
	b.logger.Debug("stored upload file",
		"stored_name", file.StoredName,
		"original_name", file.OriginalName,
		"size", file.Size)
	return file, nil
}

// Commit validates the request as a whole and records it. On error the batch
// is rolled back.
func (b *Batch) Commit(ctx context.Context, sub *Submission) error {
	if b.closed {
		return errBatchClosed
	}

	if len(b.files) == 0 {
		b.Rollback(ctx)
		return &ValidationError{Code: CodeNoFiles, Message: "No files uploaded"}
	}
	if sub.Name == "" || sub.Email == "" {
		b.Rollback(ctx)
		return &ValidationError{Code: CodeMissingField, Message: "Name and email are required"}
	}

	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	if sub.UploadedAt.IsZero() {
		sub.UploadedAt = b.now().UTC()
	}
	sub.Files = b.Files()

	if err := b.repo.CreateSubmission(ctx, sub); err != nil {
		b.Rollback(ctx)
		return fmt.Errorf("failed to record submission: %w", err)
	}

	b.closed = true
	return nil
}

// Rollback deletes every stored file. It runs even when ctx is already
// cancelled and is a no-op once the batch is closed.
func (b *Batch) Rollback(ctx context.Context) error {
	if b.closed {
		return nil
	}
	b.closed = true

	ctx = context.WithoutCancel(ctx)
	var errs []error
	for i := range b.files {
		if err := b.writer.Remove(ctx, &b.files[i]); err != nil {
			b.logger.Error("failed to remove file during rollback",
				"stored_name", b.files[i].StoredName,
				"err", err)
			errs = append(errs, err)
		}
	}
	if len(b.files) > 0 {
		b.logger.Info("rolled back upload batch", "files", len(b.files))
	}
	b.files = nil
	return errors.Join(errs...)
}
