package auth

import (
	"encoding/json"
	"net/http"

	"zscanner-backend/internal/observability/logging"
)

// MiddlewareConfig configures Middleware.
type MiddlewareConfig struct {
	Authenticator Authenticator
	// Skip exempts requests, typically health checks and metrics scrapes.
	Skip func(r *http.Request) bool
}

// Middleware rejects requests the authenticator refuses with 401
// {"error":"invalid-client-tag"} and stores the resolved user on the request
// context otherwise.
func Middleware(cfg MiddlewareConfig, next http.Handler) http.Handler {
	authenticator := cfg.Authenticator
	if authenticator == nil {
		authenticator = Noop{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || (cfg.Skip != nil && cfg.Skip(r)) {
			next.ServeHTTP(w, r)
			return
		}
		user, err := authenticator.Authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid-client-tag"})
			return
		}
		if user != "" {
			r = r.WithContext(logging.ContextWithUserID(r.Context(), user))
		}
		next.ServeHTTP(w, r)
	})
}
