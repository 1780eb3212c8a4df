package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/tendant/simple-upload/pkg/simpleupload"
)

//go:embed schema.sql
var schemaSQL string

// DBTX is an interface that allows us to use either a connection pool or a transaction
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
}

// Repository implements simpleupload.Repository using PostgreSQL
type Repository struct {
	db DBTX
}

// New creates a new PostgreSQL repository
func New(db DBTX) *Repository {
	return &Repository{db: db}
}

// NewWithPool creates a new PostgreSQL repository with connection pool
func NewWithPool(pool *pgxpool.Pool) *Repository {
	return &Repository{db: pool}
}

// EnsureSchema creates the ledger tables when they do not exist yet
func (r *Repository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schemaSQL); err != nil {
		return handlePostgresError("ensure schema", err)
	}
	return nil
}

// Error handling helper
func handlePostgresError(operation string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			if strings.Contains(pgErr.ConstraintName, "submission_file") {
				return fmt.Errorf("file already recorded: %w", err)
			}
			return fmt.Errorf("submission already exists: %w", err)
		case "23503": // foreign_key_violation
			return fmt.Errorf("referenced submission not found: %w", err)
		case "23502": // not_null_violation
			return fmt.Errorf("required field %s is missing: %w", pgErr.ColumnName, err)
		case "42P01": // undefined_table
			return fmt.Errorf("table does not exist - database migration required: %w", err)
		default:
			return fmt.Errorf("database error in %s: %s (code: %s): %w", operation, pgErr.Message, pgErr.Code, err)
		}
	}

	return fmt.Errorf("database error in %s: %w", operation, err)
}

// CreateSubmission records the submission and its files in one transaction
func (r *Repository) CreateSubmission(ctx context.Context, submission *simpleupload.Submission) error {
	err := pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO submission (id, name, email, description, subject, uploaded_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			submission.ID, submission.Name, submission.Email,
			submission.Description, submission.Subject, submission.UploadedAt)
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for i, f := range submission.Files {
			batch.Queue(`
				INSERT INTO submission_file (
					stored_name, submission_id, position, original_name,
					storage_path, size, mime_type, url
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				f.StoredName, submission.ID, i, f.OriginalName,
				f.StoragePath, f.Size, f.MimeType, f.URL)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return handlePostgresError("create submission", err)
	}

	return nil
}

func (r *Repository) GetSubmission(ctx context.Context, id uuid.UUID) (*simpleupload.Submission, error) {
	var submission simpleupload.Submission
	err := r.db.QueryRow(ctx, `
		SELECT id, name, email, description, subject, uploaded_at
		FROM submission WHERE id = $1`, id).Scan(
		&submission.ID, &submission.Name, &submission.Email,
		&submission.Description, &submission.Subject, &submission.UploadedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simpleupload.ErrSubmissionNotFound
		}
		return nil, handlePostgresError("get submission", err)
	}
	submission.UploadedAt = submission.UploadedAt.UTC()

	rows, err := r.db.Query(ctx, `
		SELECT stored_name, original_name, storage_path, size, mime_type, url
		FROM submission_file WHERE submission_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, handlePostgresError("list submission files", err)
	}
	defer rows.Close()

	for rows.Next() {
		var f simpleupload.UploadedFile
		if err := rows.Scan(&f.StoredName, &f.OriginalName, &f.StoragePath, &f.Size, &f.MimeType, &f.URL); err != nil {
			return nil, handlePostgresError("scan submission file", err)
		}
		submission.Files = append(submission.Files, f)
	}
	if err := rows.Err(); err != nil {
		return nil, handlePostgresError("list submission files", err)
	}

	return &submission, nil
}

func (r *Repository) GetFile(ctx context.Context, storedName string) (*simpleupload.UploadedFile, error) {
	var f simpleupload.UploadedFile
	err := r.db.QueryRow(ctx, `
		SELECT stored_name, original_name, storage_path, size, mime_type, url
		FROM submission_file WHERE stored_name = $1`, storedName).Scan(
		&f.StoredName, &f.OriginalName, &f.StoragePath, &f.Size, &f.MimeType, &f.URL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, simpleupload.ErrFileNotFound
		}
		return nil, handlePostgresError("get file", err)
	}

	return &f, nil
}
