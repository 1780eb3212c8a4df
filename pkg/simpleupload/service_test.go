package simpleupload_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/repo/memory"
	fsstorage "github.com/tendant/simple-upload/pkg/simpleupload/storage/fs"
	memorystorage "github.com/tendant/simple-upload/pkg/simpleupload/storage/memory"
)

type testPart struct {
	field    string
	filename string
	mimeType string
	content  []byte
	value    string
}

func field(name, value string) testPart {
	return testPart{field: name, value: value}
}

func file(name, mimeType string, content []byte) testPart {
	return testPart{field: "photos", filename: name, mimeType: mimeType, content: content}
}

func multipartReader(t *testing.T, parts ...testPart) *multipart.Reader {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, p := range parts {
		if p.filename == "" {
			require.NoError(t, mw.WriteField(p.field, p.value))
			continue
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, p.field, p.filename))
		h.Set("Content-Type", p.mimeType)
		w, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = w.Write(p.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return multipart.NewReader(&body, mw.Boundary())
}

func newService(t *testing.T, store simpleupload.BlobStore, opts ...simpleupload.Option) (simpleupload.Service, *memory.Repository) {
	t.Helper()
	repo := memory.New()
	options := append([]simpleupload.Option{
		simpleupload.WithRepository(repo),
		simpleupload.WithBlobStore(store),
	}, opts...)
	svc, err := simpleupload.New(options...)
	require.NoError(t, err)
	return svc, repo
}

func TestServiceCreation(t *testing.T) {
	tests := []struct {
		name        string
		options     []simpleupload.Option
		expectError bool
	}{
		{
			name:        "no options should fail",
			options:     []simpleupload.Option{},
			expectError: true,
		},
		{
			name: "repository without blob store should fail",
			options: []simpleupload.Option{
				simpleupload.WithRepository(memory.New()),
			},
			expectError: true,
		},
		{
			name: "with repository and blob store should succeed",
			options: []simpleupload.Option{
				simpleupload.WithRepository(memory.New()),
				simpleupload.WithBlobStore(memorystorage.New()),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := simpleupload.New(tt.options...)
			if tt.expectError {
				assert.Error(t, err)
				assert.Nil(t, svc)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, svc)
			}
		})
	}
}

func TestIngest_SingleFile(t *testing.T) {
	store := memorystorage.New()
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 123_000_000, time.UTC)
	svc, repo := newService(t, store, simpleupload.WithClock(func() time.Time { return fixed }))

	img := bytes.Repeat([]byte{0xff}, 200*1024)
	sub, err := svc.Ingest(context.Background(), multipartReader(t,
		field("name", "Ada"),
		field("email", "ada@example.com"),
		field("description", "beach"),
		file("cat.jpg", "image/jpeg", img),
	), "user-1")
	require.NoError(t, err)

	assert.Equal(t, "Ada", sub.Name)
	assert.Equal(t, "ada@example.com", sub.Email)
	assert.Equal(t, "beach", sub.Description)
	assert.Equal(t, fixed, sub.UploadedAt)
	assert.Equal(t, "user-1", sub.Subject)
	require.Len(t, sub.Files, 1)
	assert.Equal(t, "cat.jpg", sub.Files[0].OriginalName)
	assert.Equal(t, int64(len(img)), sub.Files[0].Size)
	assert.True(t, strings.HasSuffix(sub.Files[0].StoredName, "-cat.jpg"))
	assert.Equal(t, "/uploads/"+sub.Files[0].StoredName, sub.Files[0].URL)
	assert.Equal(t, 1, store.Len())

	recorded, err := repo.GetSubmission(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Files, recorded.Files)
	assert.Equal(t, "user-1", recorded.Subject)
}

func TestIngest_FieldsAfterFiles(t *testing.T) {
	svc, _ := newService(t, memorystorage.New())

	sub, err := svc.Ingest(context.Background(), multipartReader(t,
		file("a.png", "image/png", []byte("png")),
		file("b.gif", "image/gif", []byte("gif")),
		field("name", "Ada"),
		field("email", "ada@example.com"),
		field("subject", "admin@example.com"),
	), "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", sub.Subject, "a subject form field must not override the caller")
	require.Len(t, sub.Files, 2)
	assert.Equal(t, "a.png", sub.Files[0].OriginalName)
	assert.Equal(t, "b.gif", sub.Files[1].OriginalName)
	assert.NotEqual(t, sub.Files[0].StoredName, sub.Files[1].StoredName)
}

func TestIngest_RejectionsLeaveNothingStored(t *testing.T) {
	small := simpleupload.Policy{AllowedTypes: simpleupload.DefaultPolicy().AllowedTypes, MaxFileSize: 1024, MaxFiles: 2}

	tests := []struct {
		name  string
		parts []testPart
		code  simpleupload.ValidationCode
	}{
		{
			name:  "disallowed type after a good file",
			parts: []testPart{field("name", "Ada"), field("email", "a@b.c"), file("a.png", "image/png", []byte("ok")), file("doc.pdf", "application/pdf", []byte("%PDF"))},
			code:  simpleupload.CodeDisallowedType,
		},
		{
			name:  "too large",
			parts: []testPart{field("name", "Ada"), field("email", "a@b.c"), file("a.png", "image/png", []byte("ok")), file("big.png", "image/png", bytes.Repeat([]byte("x"), 2048))},
			code:  simpleupload.CodeTooLarge,
		},
		{
			name:  "too many files",
			parts: []testPart{field("name", "Ada"), field("email", "a@b.c"), file("a.png", "image/png", []byte("1")), file("b.png", "image/png", []byte("2")), file("c.png", "image/png", []byte("3"))},
			code:  simpleupload.CodeTooManyFiles,
		},
		{
			name:  "missing email",
			parts: []testPart{field("name", "Ada"), file("a.png", "image/png", []byte("ok"))},
			code:  simpleupload.CodeMissingField,
		},
		{
			name:  "missing name and files",
			parts: []testPart{field("email", "a@b.c")},
			code:  simpleupload.CodeNoFiles,
		},
		{
			name:  "unexpected file field",
			parts: []testPart{file("a.png", "image/png", []byte("ok")), {field: "avatar", filename: "b.png", mimeType: "image/png", content: []byte("x")}},
			code:  simpleupload.CodeUnexpectedField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			store, err := fsstorage.New(fsstorage.Config{BaseDir: dir})
			require.NoError(t, err)
			svc, _ := newService(t, store, simpleupload.WithPolicy(small))

			sub, err := svc.Ingest(context.Background(), multipartReader(t, tt.parts...), "user-1")
			require.Error(t, err)
			assert.Nil(t, sub)
			assert.True(t, simpleupload.IsValidationCode(err, tt.code), "got %v", err)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

type failingRepo struct {
	*memory.Repository
}

func (failingRepo) CreateSubmission(ctx context.Context, s *simpleupload.Submission) error {
	return errors.New("ledger unavailable")
}

func TestIngest_LedgerFailureRollsBack(t *testing.T) {
	store := memorystorage.New()
	svc, err := simpleupload.New(
		simpleupload.WithRepository(failingRepo{memory.New()}),
		simpleupload.WithBlobStore(store),
	)
	require.NoError(t, err)

	_, err = svc.Ingest(context.Background(), multipartReader(t,
		field("name", "Ada"), field("email", "a@b.c"), file("a.png", "image/png", []byte("ok"))), "user-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger unavailable")
	assert.Equal(t, 0, store.Len())
}

func TestBatch_RollbackAfterCancel(t *testing.T) {
	store := memorystorage.New()
	svc, _ := newService(t, store)

	ctx, cancel := context.WithCancel(context.Background())
	batch := svc.NewBatch()
	_, err := batch.Add(ctx, strings.NewReader("img"), "a.png", "image/png")
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	cancel()
	require.NoError(t, batch.Rollback(ctx))
	assert.Equal(t, 0, store.Len())

	_, err = batch.Add(context.Background(), strings.NewReader("img"), "b.png", "image/png")
	assert.Error(t, err)
}

func TestOpenFile(t *testing.T) {
	store := memorystorage.New()
	svc, _ := newService(t, store, simpleupload.WithPublicBaseURL("https://cdn.example.com/"))
	ctx := context.Background()

	sub, err := svc.Ingest(ctx, multipartReader(t,
		field("name", "Ada"), field("email", "a@b.c"), file("a.png", "image/png", []byte("png-data"))), "user-1")
	require.NoError(t, err)
	stored := sub.Files[0]
	assert.Equal(t, "https://cdn.example.com/uploads/"+stored.StoredName, stored.URL)

	rc, meta, err := svc.OpenFile(ctx, stored.StoredName)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	assert.Equal(t, "png-data", string(data))
	assert.Equal(t, "image/png", meta.MimeType)
	assert.Equal(t, "a.png", meta.OriginalName)

	// Files present in storage but unknown to the ledger are still served
	_, err = store.Upload(ctx, strings.NewReader("gif"), simpleupload.UploadParams{ObjectKey: "orphan.gif", MimeType: "image/gif"})
	require.NoError(t, err)
	rc, meta, err = svc.OpenFile(ctx, "orphan.gif")
	require.NoError(t, err)
	_ = rc.Close()
	assert.Equal(t, "image/gif", meta.MimeType)

	for _, name := range []string{"missing.png", "../etc/passwd", ""} {
		_, _, err = svc.OpenFile(ctx, name)
		assert.ErrorIs(t, err, simpleupload.ErrFileNotFound, name)
	}
}
