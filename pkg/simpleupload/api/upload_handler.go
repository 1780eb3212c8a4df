package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/tendant/simple-upload/internal/metrics"
	"github.com/tendant/simple-upload/pkg/simpleupload"
	"github.com/tendant/simple-upload/pkg/simpleupload/auth/token"
)

// uploadedAtLayout is RFC 3339 with millisecond precision
const uploadedAtLayout = "2006-01-02T15:04:05.000Z07:00"

// ErrorResponse is the body of every error reply
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// UploadResponse is the body of a successful upload
type UploadResponse struct {
	Message string     `json:"message"`
	Data    UploadData `json:"data"`
}

// UploadData echoes the submission back to the client
type UploadData struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Email       string         `json:"email"`
	Description string         `json:"description"`
	Files       []FileResponse `json:"files"`
	UploadedAt  string         `json:"uploadedAt"`
}

// FileResponse describes one stored file
type FileResponse struct {
	Filename     string `json:"filename"`
	OriginalName string `json:"originalName"`
	Path         string `json:"path"`
	Size         int64  `json:"size"`
	URL          string `json:"url"`
}

// newUploadData maps sub to its response. Relative file URLs are resolved
// against origin.
func newUploadData(sub *simpleupload.Submission, origin string) UploadData {
	files := make([]FileResponse, 0, len(sub.Files))
	for _, f := range sub.Files {
		url := f.URL
		if strings.HasPrefix(url, "/") {
			url = origin + url
		}
		files = append(files, FileResponse{
			Filename:     f.StoredName,
			OriginalName: f.OriginalName,
			Path:         f.StoragePath,
			Size:         f.Size,
			URL:          url,
		})
	}
	return UploadData{
		ID:          sub.ID.String(),
		Name:        sub.Name,
		Email:       sub.Email,
		Description: sub.Description,
		Files:       files,
		UploadedAt:  sub.UploadedAt.UTC().Format(uploadedAtLayout),
	}
}

// handleUpload streams a multipart request into the service. The
// authenticator has already run.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.service.MaxRequestBytes())

	mr, err := r.MultipartReader()
	if err != nil {
		if errors.Is(err, http.ErrNotMultipart) {
			// Nothing to read files from
			s.rejectUpload(w, r, &simpleupload.ValidationError{Code: simpleupload.CodeNoFiles, Message: "No files uploaded"})
			return
		}
		s.rejectUpload(w, r, &simpleupload.ValidationError{Code: simpleupload.CodeMalformed, Message: "Malformed multipart body"})
		return
	}

	var subject string
	if claims, ok := token.FromContext(r.Context()); ok {
		subject = claims.Subject
	}

	sub, err := s.service.Ingest(r.Context(), mr, subject)
	if err != nil {
		var tooLarge *http.MaxBytesError
		var ve *simpleupload.ValidationError
		switch {
		case errors.As(err, &tooLarge):
			s.rejectUpload(w, r, &simpleupload.ValidationError{Code: simpleupload.CodeTooLarge, Message: "Request body too large"})
		case errors.As(err, &ve):
			s.rejectUpload(w, r, ve)
		default:
			s.logger.Error("Failed to store upload",
				"request_id", middleware.GetReqID(r.Context()),
				"error", err)
			s.observeUpload(metrics.ResultFailed, 0, 0)
			render.Status(r, http.StatusInternalServerError)
			render.JSON(w, r, ErrorResponse{Error: err.Error()})
		}
		return
	}

	var written int64
	for _, f := range sub.Files {
		written += f.Size
	}
	s.observeUpload(metrics.ResultSuccess, len(sub.Files), written)

	s.logger.Info("Upload stored",
		"request_id", middleware.GetReqID(r.Context()),
		"submission_id", sub.ID,
		"subject", sub.Subject,
		"files", len(sub.Files),
		"bytes", written)
	render.JSON(w, r, UploadResponse{
		Message: "Upload successful!",
		Data:    newUploadData(sub, requestOrigin(r)),
	})
}

func (s *Server) rejectUpload(w http.ResponseWriter, r *http.Request, ve *simpleupload.ValidationError) {
	s.logger.Info("Upload rejected",
		"request_id", middleware.GetReqID(r.Context()),
		"code", ve.Code,
		"error", ve.Error())
	s.observeUpload(metrics.ResultRejected, 0, 0)
	render.Status(r, http.StatusBadRequest)
	render.JSON(w, r, ErrorResponse{Error: ve.Error(), Code: string(ve.Code)})
}

func (s *Server) observeUpload(result string, files int, bytes int64) {
	if s.metrics != nil {
		s.metrics.ObserveUpload(result, files, bytes)
	}
}

// SubmissionResponse is a recorded submission
type SubmissionResponse struct {
	UploadData
	Subject string `json:"subject,omitempty"`
}

func (s *Server) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	id, ok := parseUUIDParam(w, r, "id")
	if !ok {
		return
	}

	sub, err := s.service.GetSubmission(r.Context(), id)
	if err != nil {
		if errors.Is(err, simpleupload.ErrSubmissionNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, ErrorResponse{Error: "Submission not found"})
			return
		}
		s.logger.Error("Failed to get submission", "submission_id", id, "error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Error: err.Error()})
		return
	}

	render.JSON(w, r, SubmissionResponse{UploadData: newUploadData(sub, requestOrigin(r)), Subject: sub.Subject})
}

// requestOrigin is the scheme and host the client addressed. A proxy's
// X-Forwarded-Proto wins over the connection's own scheme.
func requestOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}
