package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrMissingUploadType is returned when metadata carries no uploadType.
var ErrMissingUploadType = errors.New("missing uploadType in upload metadata")

// BeforeStartFunc validates the metadata of an upload about to be created.
// Returning an error rejects the upload before any blob is allocated.
type BeforeStartFunc func(ctx context.Context, meta Metadata) error

// CompleteFunc processes an upload whose final byte has been written. meta
// carries the original metadata plus MetaFilePath.
type CompleteFunc func(ctx context.Context, meta Metadata) error

// ValidationError is the error a BeforeStartFunc returns to reject metadata
// with a message meant for the client.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Reject builds a ValidationError from a format string.
func Reject(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Registry maps upload types to their callbacks. Registering twice for the
// same type replaces the previous callback.
type Registry struct {
	mu          sync.RWMutex
	beforeStart map[string]BeforeStartFunc
	onComplete  map[string]CompleteFunc
}

func NewRegistry() *Registry {
	return &Registry{
		beforeStart: make(map[string]BeforeStartFunc),
		onComplete:  make(map[string]CompleteFunc),
	}
}

func (r *Registry) RegisterBeforeStart(uploadType string, fn BeforeStartFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeStart[uploadType] = fn
}

func (r *Registry) RegisterOnComplete(uploadType string, fn CompleteFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onComplete[uploadType] = fn
}

// DispatchBeforeStart runs the validator registered for meta's upload type.
// Types without a validator are accepted. Errors from the validator are
// returned unchanged.
func (r *Registry) DispatchBeforeStart(ctx context.Context, meta Metadata) error {
	uploadType := meta.UploadType()
	if uploadType == "" {
		return ErrMissingUploadType
	}
	r.mu.RLock()
	fn := r.beforeStart[uploadType]
	r.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, meta)
}

// DispatchOnComplete runs the completion handler registered for meta's
// upload type, if any.
func (r *Registry) DispatchOnComplete(ctx context.Context, meta Metadata) error {
	uploadType := meta.UploadType()
	if uploadType == "" {
		return ErrMissingUploadType
	}
	r.mu.RLock()
	fn := r.onComplete[uploadType]
	r.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, meta)
}
