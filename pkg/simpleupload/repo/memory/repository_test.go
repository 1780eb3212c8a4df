package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendant/simple-upload/pkg/simpleupload"
)

func newSubmission(files ...string) *simpleupload.Submission {
	sub := &simpleupload.Submission{
		ID:         uuid.New(),
		Name:       "Ada",
		Email:      "ada@example.com",
		UploadedAt: time.Now().UTC(),
	}
	for _, name := range files {
		sub.Files = append(sub.Files, simpleupload.UploadedFile{StoredName: name, OriginalName: "orig-" + name, Size: 3})
	}
	return sub
}

func TestRepository_SubmissionRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := New()

	sub := newSubmission("a.png", "b.png")
	require.NoError(t, repo.CreateSubmission(ctx, sub))

	// Mutating the caller's copy must not leak into the repository
	sub.Files[0].OriginalName = "changed"

	got, err := repo.GetSubmission(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got.Name)
	require.Len(t, got.Files, 2)
	assert.Equal(t, "orig-a.png", got.Files[0].OriginalName)

	file, err := repo.GetFile(ctx, "b.png")
	require.NoError(t, err)
	assert.Equal(t, "orig-b.png", file.OriginalName)
}

func TestRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := New()

	_, err := repo.GetSubmission(ctx, uuid.New())
	assert.ErrorIs(t, err, simpleupload.ErrSubmissionNotFound)

	_, err = repo.GetFile(ctx, "missing.png")
	assert.ErrorIs(t, err, simpleupload.ErrFileNotFound)
}

func TestRepository_RejectsDuplicates(t *testing.T) {
	ctx := context.Background()
	repo := New()

	sub := newSubmission("a.png")
	require.NoError(t, repo.CreateSubmission(ctx, sub))
	assert.Error(t, repo.CreateSubmission(ctx, sub))

	other := newSubmission("a.png")
	assert.Error(t, repo.CreateSubmission(ctx, other))
	_, err := repo.GetSubmission(ctx, other.ID)
	assert.ErrorIs(t, err, simpleupload.ErrSubmissionNotFound)
}
