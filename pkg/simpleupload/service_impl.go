package simpleupload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"time"

	"github.com/google/uuid"
	"github.com/tendant/simple-upload/pkg/simpleupload/objectkey"
)

const (
	// DefaultFieldName is the multipart field that carries files.
	DefaultFieldName = "photos"

	maxFieldBytes = 64 << 10
)

// service implements the Service interface
type service struct {
	repository    Repository
	blobStore     BlobStore
	keyGenerator  objectkey.Generator
	policy        Policy
	fieldName     string
	publicBaseURL string
	logger        *slog.Logger
	now           func() time.Time

	guard  *Guard
	writer *Writer
}

// Option represents a functional option for configuring the service
type Option func(*service)

// WithRepository sets the submission ledger
func WithRepository(repo Repository) Option {
	return func(s *service) {
		s.repository = repo
	}
}

// WithBlobStore sets the storage backend files are written to
func WithBlobStore(store BlobStore) Option {
	return func(s *service) {
		s.blobStore = store
	}
}

// WithPolicy sets the upload limits
func WithPolicy(policy Policy) Option {
	return func(s *service) {
		s.policy = policy
	}
}

// WithKeyGenerator overrides the stored-name generator
func WithKeyGenerator(gen objectkey.Generator) Option {
	return func(s *service) {
		s.keyGenerator = gen
	}
}

// WithFieldName sets the multipart field that carries files
func WithFieldName(name string) Option {
	return func(s *service) {
		s.fieldName = name
	}
}

// WithPublicBaseURL prefixes the URL reported for stored files
func WithPublicBaseURL(baseURL string) Option {
	return func(s *service) {
		s.publicBaseURL = baseURL
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

// WithClock overrides the time source used for UploadedAt
func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

// New creates a new service instance with the given options
func New(options ...Option) (Service, error) {
	s := &service{
		policy:    DefaultPolicy(),
		fieldName: DefaultFieldName,
		now:       time.Now,
	}

	for _, option := range options {
		option(s)
	}

	if s.repository == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if s.blobStore == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.guard = NewGuard(s.policy)
	s.writer = NewWriter(s.blobStore, s.keyGenerator, s.publicBaseURL)

	return s, nil
}

func (s *service) Policy() Policy {
	return s.guard.Policy()
}

func (s *service) MaxRequestBytes() int64 {
	return s.guard.MaxRequestBytes()
}

func (s *service) NewBatch() *Batch {
	return &Batch{
		guard:  s.guard,
		writer: s.writer,
		repo:   s.repository,
		logger: s.logger,
		now:    s.now,
	}
}

// Ingest reads parts in arrival order. Files are streamed to storage as they
// come; text fields may appear before or after them.
func (s *service) Ingest(ctx context.Context, mr *multipart.Reader, subject string) (*Submission, error) {
	batch := s.NewBatch()
	fields := make(map[string]string)

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			batch.Rollback(ctx)
			return nil, fmt.Errorf("%w: %w", &ValidationError{Code: CodeMalformed, Message: "Malformed multipart body"}, err)
		}

		if part.FileName() == "" {
			value, err := readField(part)
			part.Close()
			if err != nil {
				batch.Rollback(ctx)
				return nil, err
			}
			if _, seen := fields[part.FormName()]; !seen {
				fields[part.FormName()] = value
			}
			continue
		}

		if part.FormName() != s.fieldName {
			part.Close()
			batch.Rollback(ctx)
			return nil, &ValidationError{
				Code:    CodeUnexpectedField,
				Message: fmt.Sprintf("Unexpected file field %q", part.FormName()),
				File:    part.FileName(),
			}
		}

		_, err = batch.Add(ctx, part, part.FileName(), part.Header.Get("Content-Type"))
		part.Close()
		if err != nil {
			return nil, err
		}
	}

	sub := &Submission{
		Name:        fields["name"],
		Email:       fields["email"],
		Description: fields["description"],
		Subject:     subject,
	}
	if err := batch.Commit(ctx, sub); err != nil {
		return nil, err
	}

	s.logger.Info("upload batch committed",
		"submission_id", sub.ID,
		"files", len(sub.Files))
	return sub, nil
}

func readField(part *multipart.Part) (string, error) {
	data, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
	if err != nil {
		return "", fmt.Errorf("%w: %w", &ValidationError{Code: CodeMalformed, Message: "Malformed multipart body"}, err)
	}
	if len(data) > maxFieldBytes {
		return "", &ValidationError{
			Code:    CodeTooLarge,
			Message: fmt.Sprintf("Field %s too large (maximum %d bytes)", part.FormName(), maxFieldBytes),
		}
	}
	return string(data), nil
}

func (s *service) GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error) {
	return s.repository.GetSubmission(ctx, id)
}

// OpenFile prefers the ledger entry for a stored file and falls back to the
// storage metadata for files the ledger does not know.
func (s *service) OpenFile(ctx context.Context, storedName string) (io.ReadCloser, *UploadedFile, error) {
	if !objectkey.ValidKey(storedName) {
		return nil, nil, ErrFileNotFound
	}

	file, err := s.repository.GetFile(ctx, storedName)
	if err != nil {
		if !errors.Is(err, ErrFileNotFound) {
			return nil, nil, err
		}
		meta, err := s.writer.Stat(ctx, storedName)
		if err != nil {
			return nil, nil, err
		}
		file = &UploadedFile{
			StoredName:  storedName,
			StoragePath: s.blobStore.Location(storedName),
			Size:        meta.Size,
			MimeType:    meta.ContentType,
			URL:         s.writer.FileURL(storedName),
		}
	}

	rc, err := s.writer.Open(ctx, storedName)
	if err != nil {
		return nil, nil, err
	}
	return rc, file, nil
}
