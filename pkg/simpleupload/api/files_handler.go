package api

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/simple-upload/pkg/simpleupload"
)

// handleGetFile streams a stored file. Unknown and malformed names are both 404.
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	rc, file, err := s.service.OpenFile(r.Context(), name)
	if err != nil {
		if errors.Is(err, simpleupload.ErrFileNotFound) {
			render.Status(r, http.StatusNotFound)
			render.JSON(w, r, ErrorResponse{Error: "File not found"})
			return
		}
		s.logger.Error("Failed to open file",
			"request_id", middleware.GetReqID(r.Context()),
			"stored_name", name,
			"error", err)
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, ErrorResponse{Error: "Failed to read file"})
		return
	}
	defer rc.Close()

	contentType := file.MimeType
	if contentType == "" {
		contentType = mime.TypeByExtension(path.Ext(name))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if file.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(file.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("Failed to stream file",
			"request_id", middleware.GetReqID(r.Context()),
			"stored_name", name,
			"error", err)
	}
}

func parseUUIDParam(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, ErrorResponse{Error: "Invalid " + param})
		return uuid.Nil, false
	}
	return id, true
}
