package simpleupload

import (
	"errors"
	"fmt"
	"io/fs"
	"syscall"
)

// Error types
var (
	// ErrFileNotFound indicates a stored file or object does not exist
	ErrFileNotFound = errors.New("file not found")

	// ErrSubmissionNotFound indicates a submission was not found in the repository
	ErrSubmissionNotFound = errors.New("submission not found")

	// ErrInvalidObjectKey indicates a key that would resolve outside the storage root
	ErrInvalidObjectKey = errors.New("invalid object key")
)

// ValidationCode enumerates the reasons a request or file is rejected.
type ValidationCode string

const (
	CodeMissingField   ValidationCode = "missing_field"
	CodeNoFiles        ValidationCode = "no_files"
	CodeDisallowedType ValidationCode = "disallowed_type"
	CodeTooLarge       ValidationCode = "too_large"
	CodeTooManyFiles   ValidationCode = "too_many_files"

	CodeUnexpectedField ValidationCode = "unexpected_field"
	CodeMalformed       ValidationCode = "malformed_request"
)

// ValidationError is returned for client-side problems with an upload request.
type ValidationError struct {
	Code    ValidationCode
	Message string
	// File is the client-supplied name of the offending file, if any.
	File string
}

func (e *ValidationError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.File)
	}
	return e.Message
}

// IsValidationCode reports whether err is a ValidationError with the given code.
func IsValidationCode(err error, code ValidationCode) bool {
	var ve *ValidationError
	return errors.As(err, &ve) && ve.Code == code
}

// StorageErrorKind classifies storage failures.
type StorageErrorKind string

const (
	StorageDiskFull         StorageErrorKind = "disk_full"
	StoragePermissionDenied StorageErrorKind = "permission_denied"
	StorageWriteInterrupted StorageErrorKind = "write_interrupted"
	StorageNotFound         StorageErrorKind = "not_found"
)

// StorageError represents an error related to storage operations
type StorageError struct {
	Kind    StorageErrorKind
	Backend string
	Key     string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage operation %s failed for key %s on backend %s (%s): %v", e.Op, e.Key, e.Backend, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err and classifies it. Validation errors raised while
// reading the source stream pass through untouched.
func NewStorageError(backend, key, op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{
		Kind:    classifyStorageError(err),
		Backend: backend,
		Key:     key,
		Op:      op,
		Err:     err,
	}
}

func classifyStorageError(err error) StorageErrorKind {
	switch {
	case errors.Is(err, syscall.ENOSPC), errors.Is(err, syscall.EDQUOT):
		return StorageDiskFull
	case errors.Is(err, fs.ErrPermission):
		return StoragePermissionDenied
	case errors.Is(err, fs.ErrNotExist), errors.Is(err, ErrFileNotFound):
		return StorageNotFound
	default:
		// Cancelled contexts, truncated client streams and other I/O faults
		return StorageWriteInterrupted
	}
}
