// Package api hosts the REST handlers of the zScanner backend and the upload
// types it registers on the resumable upload gateway.
//
// Handler delegates persistence to the storage interfaces injected at
// construction time. Authentication, rate limiting, metrics and request
// logging are applied by the middleware in internal/server; handlers read the
// authenticated user with auth.UserID.
package api
