// Package auth verifies the client calling the REST and upload routes.
package auth

import (
	"context"
	"errors"
	"net/http"

	"zscanner-backend/internal/models"
	"zscanner-backend/internal/observability/logging"
)

// ErrUnauthenticated is returned by authenticators that reject a request.
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves the user behind a request. An empty user with a nil
// error is an anonymous but accepted request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
	Health(ctx context.Context) models.HealthReport
}

// Noop accepts every request without a user.
type Noop struct{}

func (Noop) Authenticate(*http.Request) (string, error) { return "", nil }

func (Noop) Health(context.Context) models.HealthReport { return models.Healthy() }

// UserID returns the user the authentication middleware attached to ctx.
func UserID(ctx context.Context) string {
	user, _ := logging.UserIDFromContext(ctx)
	return user
}
