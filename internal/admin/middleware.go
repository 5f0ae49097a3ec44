package admin

import (
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"bizjournal/internal/types"
)

// AdminKeyHeader carries the shared admin secret.
const AdminKeyHeader = "X-Admin-Key"

type responseCapture struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	return rc.ResponseWriter.Write(b)
}

func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// Recoverer turns handler panics into a logged 500.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				s.logger.ErrorContext(r.Context(), "panic recovered",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("panic", fmt.Sprintf("%v", rvr)),
					slog.String("stack", string(debug.Stack())),
				)
				Error(w, r, types.NewAppError(types.ErrCodeInternalUnexpected, "an unexpected error occurred", nil))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RequestIDMiddleware propagates X-Request-Id or assigns a new one.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", requestID)
		next.ServeHTTP(w, r.WithContext(types.WithRequestID(r.Context(), requestID)))
	})
}

// RequestLogger logs method, path, status and duration. The admin key is
// never logged.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rc, r)

			attrs := []any{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rc.statusCode),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", types.GetRequestID(r.Context())),
			}
			switch {
			case rc.statusCode >= 500:
				logger.ErrorContext(r.Context(), "request completed", attrs...)
			case rc.statusCode >= 400:
				logger.WarnContext(r.Context(), "request completed", attrs...)
			default:
				logger.DebugContext(r.Context(), "request completed", attrs...)
			}
		})
	}
}

// RequireAdminKey rejects requests whose X-Admin-Key does not match.
func (s *Server) RequireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.Header.Get(AdminKeyHeader)
		if got == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "missing "+AdminKeyHeader+" header", nil))
			return
		}
		want := s.adminKey.Unmask()
		if want == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
			s.logger.WarnContext(r.Context(), "admin key rejected", "path", r.URL.Path)
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid admin key", nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}
