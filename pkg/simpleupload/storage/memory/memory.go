package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/objectkey"
)

const backendName = "memory"

type object struct {
	data      []byte
	mimeType  string
	updatedAt time.Time
}

// Backend is an in-memory implementation of the simpleupload.BlobStore interface
type Backend struct {
	mu      sync.RWMutex
	objects map[string]object
}

// New creates a new in-memory storage backend
func New() *Backend {
	return &Backend{
		objects: make(map[string]object),
	}
}

func (b *Backend) Name() string {
	return backendName
}

func (b *Backend) Location(objectKey string) string {
	return "memory://" + objectKey
}

// Upload reads the whole stream before storing it, so a failed read stores nothing.
func (b *Backend) Upload(ctx context.Context, reader io.Reader, params simpleupload.UploadParams) (int64, error) {
	if !objectkey.ValidKey(params.ObjectKey) {
		return 0, simpleupload.ErrInvalidObjectKey
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return 0, simpleupload.NewStorageError(backendName, params.ObjectKey, "write", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, simpleupload.NewStorageError(backendName, params.ObjectKey, "write", err)
	}

	mimeType := params.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.objects[params.ObjectKey]; exists {
		return 0, simpleupload.NewStorageError(backendName, params.ObjectKey, "create",
			fmt.Errorf("object %s already exists", params.ObjectKey))
	}
	b.objects[params.ObjectKey] = object{data: data, mimeType: mimeType, updatedAt: time.Now()}
	return int64(len(data)), nil
}

func (b *Backend) Download(ctx context.Context, objectKey string) (io.ReadCloser, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[objectKey]
	if !exists {
		return nil, simpleupload.ErrFileNotFound
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (b *Backend) GetObjectMeta(ctx context.Context, objectKey string) (*simpleupload.ObjectMeta, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, exists := b.objects[objectKey]
	if !exists {
		return nil, simpleupload.ErrFileNotFound
	}
	return &simpleupload.ObjectMeta{
		Key:         objectKey,
		Size:        int64(len(obj.data)),
		ContentType: obj.mimeType,
		UpdatedAt:   obj.updatedAt,
	}, nil
}

func (b *Backend) Delete(ctx context.Context, objectKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.objects[objectKey]; !exists {
		return simpleupload.ErrFileNotFound
	}
	delete(b.objects, objectKey)
	return nil
}

// Len returns the number of stored objects
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.objects)
}
