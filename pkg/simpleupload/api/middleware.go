package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/tendant/simple-upload/pkg/simpleupload/auth/token"
)

// Middleware is a function that wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// RequestLogger logs one line when a request starts and one when it ends.
func RequestLogger(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			requestID := middleware.GetReqID(r.Context())

			logger.Debug("request started",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			logger.Info("request completed",
				"request_id", requestID,
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start))
		})
	}
}

// TokenValidator verifies a raw bearer token against the expected audience and issuer.
type TokenValidator interface {
	Validate(ctx context.Context, raw, expectedAudience, expectedIssuer string) (*token.Claims, error)
}

// Authenticator rejects requests without a valid bearer token. The request
// body is never read for a rejected request.
type Authenticator struct {
	Validator TokenValidator
	Audience  string
	Issuer    string
	Logger    *slog.Logger

	// OnFailure, when set, is called for every rejected request
	OnFailure func(*token.AuthError)
}

// Middleware returns the authenticating middleware. Verified claims are
// attached to the request context, see token.FromContext.
func (a Authenticator) Middleware(next http.Handler) http.Handler {
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := a.Validator.Validate(r.Context(), token.FromRequest(r), a.Audience, a.Issuer)
		if err != nil {
			var authErr *token.AuthError
			if !errors.As(err, &authErr) {
				authErr = &token.AuthError{Kind: token.KindTokenInvalid, Reason: token.ReasonClaims, Err: err}
			}

			logger.Warn("token rejected",
				"request_id", middleware.GetReqID(r.Context()),
				"kind", authErr.Kind,
				"reason", authErr.Reason,
				"err", authErr.Err)
			if a.OnFailure != nil {
				a.OnFailure(authErr)
			}

			writeUnauthorized(w, r, authErr)
			return
		}

		next.ServeHTTP(w, r.WithContext(token.NewContext(r.Context(), claims)))
	})
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, err *token.AuthError) {
	render.Status(r, http.StatusUnauthorized)
	if err.Kind == token.KindMissingToken {
		w.Header().Set("WWW-Authenticate", "Bearer")
		render.JSON(w, r, ErrorResponse{Error: err.Detail()})
		return
	}
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	render.JSON(w, r, ErrorResponse{Error: "Invalid token", Details: err.Detail()})
}
