package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tendant/simple-upload/pkg/simpleupload"
)

// Repository implements simpleupload.Repository using in-memory storage
type Repository struct {
	mu          sync.RWMutex
	submissions map[uuid.UUID]*simpleupload.Submission
	filesByName map[string]uuid.UUID // stored_name -> submission_id
}

// New creates a new in-memory repository
func New() *Repository {
	return &Repository{
		submissions: make(map[uuid.UUID]*simpleupload.Submission),
		filesByName: make(map[string]uuid.UUID),
	}
}

func (r *Repository) CreateSubmission(ctx context.Context, submission *simpleupload.Submission) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.submissions[submission.ID]; exists {
		return fmt.Errorf("submission %s already exists", submission.ID)
	}
	for _, f := range submission.Files {
		if _, exists := r.filesByName[f.StoredName]; exists {
			return fmt.Errorf("file %s already recorded", f.StoredName)
		}
	}

	// Create a copy to avoid external modifications
	r.submissions[submission.ID] = copySubmission(submission)
	for _, f := range submission.Files {
		r.filesByName[f.StoredName] = submission.ID
	}

	return nil
}

func (r *Repository) GetSubmission(ctx context.Context, id uuid.UUID) (*simpleupload.Submission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	submission, exists := r.submissions[id]
	if !exists {
		return nil, simpleupload.ErrSubmissionNotFound
	}
	return copySubmission(submission), nil
}

func (r *Repository) GetFile(ctx context.Context, storedName string) (*simpleupload.UploadedFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.filesByName[storedName]
	if !exists {
		return nil, simpleupload.ErrFileNotFound
	}
	for _, f := range r.submissions[id].Files {
		if f.StoredName == storedName {
			fileCopy := f
			return &fileCopy, nil
		}
	}
	return nil, simpleupload.ErrFileNotFound
}

func copySubmission(s *simpleupload.Submission) *simpleupload.Submission {
	c := *s
	c.Files = append([]simpleupload.UploadedFile(nil), s.Files...)
	return &c
}
