package fs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/objectkey"
)

const backendName = "fs"

// Backend is a filesystem implementation of the simpleupload.BlobStore interface.
// Every object lives directly inside baseDir.
type Backend struct {
	baseDir string
}

// Config options for the filesystem backend
type Config struct {
	BaseDir string // Destination root for stored files
}

// New creates a new filesystem storage backend
func New(config Config) (*Backend, error) {
	if config.BaseDir == "" {
		return nil, errors.New("base directory is required")
	}

	baseDir, err := filepath.Abs(config.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base directory: %w", err)
	}

	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Backend{baseDir: baseDir}, nil
}

func (b *Backend) Name() string {
	return backendName
}

// BaseDir returns the absolute destination root
func (b *Backend) BaseDir() string {
	return b.baseDir
}

// resolve maps objectKey to a path inside baseDir, refusing anything that
// would land elsewhere.
func (b *Backend) resolve(objectKey string) (string, error) {
	if !objectkey.ValidKey(objectKey) {
		return "", simpleupload.ErrInvalidObjectKey
	}
	filePath := filepath.Join(b.baseDir, objectKey)
	rel, err := filepath.Rel(b.baseDir, filePath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", simpleupload.ErrInvalidObjectKey
	}
	return filePath, nil
}

// Location returns the path the object is (or would be) stored at
func (b *Backend) Location(objectKey string) string {
	return filepath.Join(b.baseDir, objectKey)
}

// Upload streams reader into a new file. The file is created exclusively and
// removed again if the copy does not complete.
func (b *Backend) Upload(ctx context.Context, reader io.Reader, params simpleupload.UploadParams) (int64, error) {
	filePath, err := b.resolve(params.ObjectKey)
	if err != nil {
		return 0, err
	}

	file, err := os.OpenFile(filePath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, simpleupload.NewStorageError(backendName, params.ObjectKey, "create", err)
	}

	written, err := io.Copy(file, &contextReader{ctx: ctx, r: reader})
	if err == nil {
		err = file.Sync()
	}
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(filePath)
		return 0, simpleupload.NewStorageError(backendName, params.ObjectKey, "write", err)
	}

	return written, nil
}

// Download opens the stored file for reading
func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	filePath, err := b.resolve(objectKey)
	if err != nil {
		return nil, simpleupload.ErrFileNotFound
	}

	file, err := os.Open(filePath)
	if os.IsNotExist(err) {
		return nil, simpleupload.ErrFileNotFound
	} else if err != nil {
		return nil, simpleupload.NewStorageError(backendName, objectKey, "open", err)
	}

	return file, nil
}

// GetObjectMeta retrieves metadata for an object in the filesystem
func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*simpleupload.ObjectMeta, error) {
	filePath, err := b.resolve(objectKey)
	if err != nil {
		return nil, simpleupload.ErrFileNotFound
	}

	info, err := os.Stat(filePath)
	if os.IsNotExist(err) {
		return nil, simpleupload.ErrFileNotFound
	} else if err != nil {
		return nil, simpleupload.NewStorageError(backendName, objectKey, "stat", err)
	}
	if info.IsDir() {
		return nil, simpleupload.ErrFileNotFound
	}

	// Detect content type
	contentType := "application/octet-stream"
	if file, err := os.Open(filePath); err == nil {
		defer file.Close()
		buffer := make([]byte, 512)
		if n, err := file.Read(buffer); err == nil {
			contentType = http.DetectContentType(buffer[:n])
		}
	}

	return &simpleupload.ObjectMeta{
		Key:         objectKey,
		Size:        info.Size(),
		ContentType: contentType,
		UpdatedAt:   info.ModTime(),
	}, nil
}

// Delete deletes content from the filesystem
func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	filePath, err := b.resolve(objectKey)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return simpleupload.ErrFileNotFound
		}
		return simpleupload.NewStorageError(backendName, objectKey, "delete", err)
	}

	return nil
}

// contextReader stops a copy as soon as ctx is done, so a client that hangs
// up mid-upload does not leave a writer blocked on a dead stream.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
