package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"zscanner-backend/internal/api"
	"zscanner-backend/internal/observability/logging"
)

var errInternal = errors.New("internal server error")

// recoverMiddleware turns a panicking handler into a 500 and a log line.
// http.ErrAbortHandler is re-raised so net/http can abort the response.
func recoverMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			p := recover()
			if p == nil {
				return
			}
			if p == http.ErrAbortHandler {
				panic(p)
			}
			logging.WithContext(r.Context(), logger).Error("panic serving request",
				"method", r.Method,
				"path", r.URL.Path,
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()))
			api.WriteError(w, http.StatusInternalServerError, errInternal)
		}()
		next.ServeHTTP(w, r)
	})
}
