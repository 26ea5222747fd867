package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"visualdiff/internal/auth"
	"visualdiff/internal/core"
	"visualdiff/internal/schemas"
)

// LoggingMiddleware returns a middleware that logs HTTP requests
func LoggingMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("HTTP request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"duration_ms", time.Since(start).Milliseconds(),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}

// RequireAPIToken rejects requests whose bearer token differs from token.
func RequireAPIToken(token string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !auth.Verify(token, r.Header.Get("Authorization")) {
				writeJSON(w, http.StatusUnauthorized, schemas.ErrorResponse{
					Error: schemas.ErrorDetail{Kind: "unauthorized", Message: "missing or invalid bearer token"},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func statusOf(kind core.Kind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// writeError maps err's kind to a status code and writes the error body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := core.KindOf(err)
	code := statusOf(kind)
	if code >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			"method", r.Method, "path", r.URL.Path, "kind", kind, "error", err,
			"request_id", middleware.GetReqID(r.Context()))
	}
	writeJSON(w, code, schemas.ErrorResponse{
		Error: schemas.ErrorDetail{Kind: string(kind), Message: err.Error()},
	})
}
