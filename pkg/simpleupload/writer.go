package simpleupload

import (
	"context"
	"errors"
	"io"
	"net/url"
	"strings"

	"github.com/tendant/simple-upload/pkg/simpleupload/objectkey"
)

// Writer persists accepted files under freshly generated names.
type Writer struct {
	store         BlobStore
	keys          objectkey.Generator
	publicBaseURL string
}

// NewWriter returns a Writer over store. A nil generator selects the
// recommended one. publicBaseURL, when set, prefixes the URL of every stored file.
func NewWriter(store BlobStore, keys objectkey.Generator, publicBaseURL string) *Writer {
	if keys == nil {
		keys = objectkey.NewRecommendedGenerator()
	}
	return &Writer{
		store:         store,
		keys:          keys,
		publicBaseURL: strings.TrimRight(publicBaseURL, "/"),
	}
}

// Store streams r into the blob store and returns the persisted file.
// Size is the number of bytes actually written.
func (w *Writer) Store(ctx context.Context, r io.Reader, originalName, mimeType string) (*UploadedFile, error) {
	storedName := w.keys.GenerateKey(originalName)

	written, err := w.store.Upload(ctx, r, UploadParams{ObjectKey: storedName, MimeType: mimeType})
	if err != nil {
		return nil, NewStorageError(w.store.Name(), storedName, "write", err)
	}

	return &UploadedFile{
		StoredName:   storedName,
		OriginalName: originalName,
		StoragePath:  w.store.Location(storedName),
		Size:         written,
		MimeType:     mimeType,
		URL:          w.FileURL(storedName),
	}, nil
}

// Remove deletes a previously stored file. A file that is already gone is not an error.
func (w *Writer) Remove(ctx context.Context, file *UploadedFile) error {
	err := w.store.Delete(ctx, file.StoredName)
	if err != nil && !errors.Is(err, ErrFileNotFound) {
		return err
	}
	return nil
}

// Open returns a reader for a stored file.
func (w *Writer) Open(ctx context.Context, storedName string) (io.ReadCloser, error) {
	if !objectkey.ValidKey(storedName) {
		return nil, ErrFileNotFound
	}
	return w.store.Download(ctx, storedName)
}

// Stat returns storage metadata for a stored file.
func (w *Writer) Stat(ctx context.Context, storedName string) (*ObjectMeta, error) {
	if !objectkey.ValidKey(storedName) {
		return nil, ErrFileNotFound
	}
	return w.store.GetObjectMeta(ctx, storedName)
}

// FileURL is the retrieval URL of a stored file.
func (w *Writer) FileURL(storedName string) string {
	return w.publicBaseURL + "/uploads/" + url.PathEscape(storedName)
}
