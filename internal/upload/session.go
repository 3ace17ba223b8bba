package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"zscanner-backend/internal/observability/logging"
	"zscanner-backend/internal/observability/metrics"
)

var (
	ErrUnknownSession     = errors.New("upload session not found")
	ErrOffsetMismatch     = errors.New("upload offset does not match received length")
	ErrAlreadyComplete    = errors.New("upload session already complete")
	ErrInvalidTotalLength = errors.New("upload length must not be negative")
	// ErrHandlerPanic wraps a panic raised by a BeforeStart or OnComplete handler.
	ErrHandlerPanic = errors.New("upload handler panicked")
)

// State is the lifecycle position of an upload session.
type State int

const (
	StateCreated State = iota
	StateReceiving
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReceiving:
		return "receiving"
	case StateComplete:
		return "complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is a point-in-time snapshot of an upload session.
type Session struct {
	ID             string
	TotalLength    int64
	ReceivedLength int64
	Metadata       Metadata
	BlobPath       string
	CreatedAt      time.Time
	// UpdatedAt is the last time bytes were written, or CreatedAt before that.
	UpdatedAt      time.Time
	State          State
}

// RejectedError wraps the error a BeforeStart validator (or the registry
// itself) returned while creating a session.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string {
	return "upload rejected: " + e.Err.Error()
}

func (e *RejectedError) Unwrap() error {
	return e.Err
}

// CompletionError reports a completion handler failure. The session is
// complete and its blob stays on disk.
type CompletionError struct {
	ID  string
	Err error
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("complete upload %s: %v", e.ID, e.Err)
}

func (e *CompletionError) Unwrap() error {
	return e.Err
}

type sessionEntry struct {
	mu   sync.Mutex
	info Session
}

// Manager tracks upload sessions in memory and drives their state machine.
// Operations on one session are serialized; different sessions proceed
// independently.
type Manager struct {
	registry *Registry
	blobs    *BlobStore
	logger   *slog.Logger
	metrics  *metrics.Recorder
	newID    func() string
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*sessionEntry
}

type ManagerOption func(*Manager)

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithMetrics(recorder *metrics.Recorder) ManagerOption {
	return func(m *Manager) {
		m.metrics = recorder
	}
}

// WithIDGenerator overrides the session id source.
func WithIDGenerator(fn func() string) ManagerOption {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(registry *Registry, blobs *BlobStore, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry: registry,
		blobs:    blobs,
		logger:   logging.Discard(),
		newID:    newSessionID,
		now:      time.Now,
		sessions: make(map[string]*sessionEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Create validates meta through the registry and allocates a new session.
// A zero totalLength completes the session immediately, running the
// completion handler before Create returns.
func (m *Manager) Create(ctx context.Context, totalLength int64, meta Metadata) (Session, error) {
	if totalLength < 0 {
		return Session{}, ErrInvalidTotalLength
	}
	meta = meta.Clone()
	err := m.guard(ctx, "", "before_start", func() error {
		return m.registry.DispatchBeforeStart(ctx, meta)
	})
	if err != nil {
		m.metrics.UploadRejected(rejectReason(err))
		return Session{}, &RejectedError{Err: err}
	}

	id := m.newID()
	if err := m.blobs.Create(id); err != nil {
		return Session{}, err
	}

	created := m.now()
	entry := &sessionEntry{info: Session{
		ID:          id,
		TotalLength: totalLength,
		Metadata:    meta,
		BlobPath:    m.blobs.Path(id),
		CreatedAt:   created,
		UpdatedAt:   created,
		State:       StateCreated,
	}}
	if totalLength == 0 {
		entry.info.State = StateComplete
	}
	snapshot := entry.snapshot()

	m.mu.Lock()
	m.sessions[id] = entry
	m.mu.Unlock()

	m.metrics.UploadCreated(meta.UploadType())
	m.sessionLogger(ctx, id).Info("upload session created",
		"upload_type", meta.UploadType(),
		"length", totalLength,
		"size", humanize.Bytes(uint64(totalLength)))

	if snapshot.State == StateComplete {
		return snapshot, m.complete(ctx, snapshot)
	}
	return snapshot, nil
}

// Get returns a snapshot of the session with the given id.
func (m *Manager) Get(id string) (Session, error) {
	entry, ok := m.lookup(id)
	if !ok {
		return Session{}, ErrUnknownSession
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.snapshot(), nil
}

// Append writes chunk to the session starting at offset, which must equal
// the bytes received so far. At most the remaining length is read from
// chunk. When the write brings the session to its total length the
// completion handler runs before Append returns; its failure is reported as
// a *CompletionError alongside the completed snapshot.
func (m *Manager) Append(ctx context.Context, id string, offset int64, chunk io.Reader) (Session, error) {
	entry, ok := m.lookup(id)
	if !ok {
		return Session{}, ErrUnknownSession
	}

	entry.mu.Lock()
	if entry.info.State == StateComplete {
		snapshot := entry.snapshot()
		entry.mu.Unlock()
		return snapshot, ErrAlreadyComplete
	}
	if offset != entry.info.ReceivedLength {
		snapshot := entry.snapshot()
		entry.mu.Unlock()
		return snapshot, fmt.Errorf("%w: got %d, want %d", ErrOffsetMismatch, offset, snapshot.ReceivedLength)
	}

	remaining := entry.info.TotalLength - entry.info.ReceivedLength
	length, writeErr := m.blobs.WriteAt(id, offset, io.LimitReader(chunk, remaining))
	if length > entry.info.ReceivedLength {
		m.metrics.BytesReceived(length - entry.info.ReceivedLength)
		entry.info.ReceivedLength = length
		entry.info.UpdatedAt = m.now()
	}
	if entry.info.ReceivedLength > 0 && entry.info.State == StateCreated {
		entry.info.State = StateReceiving
	}
	completed := entry.info.ReceivedLength == entry.info.TotalLength
	if completed {
		entry.info.State = StateComplete
	}
	snapshot := entry.snapshot()
	entry.mu.Unlock()

	logger := m.sessionLogger(ctx, id)
	if writeErr != nil {
		logger.Warn("upload append failed",
			"offset", offset,
			"received", snapshot.ReceivedLength,
			"error", writeErr)
		if !completed {
			return snapshot, writeErr
		}
	}
	logger.Debug("upload chunk stored",
		"offset", offset,
		"received", snapshot.ReceivedLength,
		"total", snapshot.TotalLength)

	if !completed {
		return snapshot, nil
	}
	// The client may disconnect right after the last byte; the handler still
	// runs to the end.
	return snapshot, m.complete(context.WithoutCancel(ctx), snapshot)
}

func (m *Manager) complete(ctx context.Context, snapshot Session) error {
	meta := snapshot.Metadata.Clone()
	meta[MetaFilePath] = snapshot.BlobPath

	logger := m.sessionLogger(ctx, snapshot.ID)
	logger.Info("upload complete",
		"upload_type", meta.UploadType(),
		"size", humanize.Bytes(uint64(snapshot.TotalLength)))

	err := m.guard(ctx, snapshot.ID, "on_complete", func() error {
		return m.registry.DispatchOnComplete(ctx, meta)
	})
	m.metrics.UploadCompleted(meta.UploadType(), err)
	if err != nil {
		logger.Error("upload completion handler failed",
			"upload_type", meta.UploadType(),
			"blob", snapshot.BlobPath,
			"error", err)
		return &CompletionError{ID: snapshot.ID, Err: err}
	}
	return nil
}

// Len reports the number of sessions tracked in memory.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Forget drops session bookkeeping for sessions without writes since
// cutoff, mirroring the sweeper's removal of their blobs by modification
// time. It returns the number of sessions dropped; those that never
// completed are reported to metrics as abandoned.
func (m *Manager) Forget(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped, abandoned := 0, 0
	for id, entry := range m.sessions {
		entry.mu.Lock()
		stale := entry.info.UpdatedAt.Before(cutoff)
		incomplete := entry.info.State != StateComplete
		entry.mu.Unlock()
		if !stale {
			continue
		}
		delete(m.sessions, id)
		dropped++
		if incomplete {
			abandoned++
		}
	}
	m.metrics.UploadsAbandoned(abandoned)
	return dropped
}

// guard runs a route module handler and turns a panic into an error
// wrapping ErrHandlerPanic.
func (m *Manager) guard(ctx context.Context, id, stage string, fn func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			logging.WithContext(logging.ContextWithUploadID(ctx, id), m.logger).Error("upload handler panicked",
				"stage", stage,
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, p)
		}
	}()
	return fn()
}

func (m *Manager) lookup(id string) (*sessionEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.sessions[id]
	return entry, ok
}

func (m *Manager) sessionLogger(ctx context.Context, id string) *slog.Logger {
	return logging.WithContext(logging.ContextWithUploadID(ctx, id), m.logger)
}

func (e *sessionEntry) snapshot() Session {
	return e.info.clone()
}

func (s Session) clone() Session {
	s.Metadata = s.Metadata.Clone()
	return s
}

func rejectReason(err error) string {
	var validation *ValidationError
	switch {
	case errors.Is(err, ErrMissingUploadType):
		return "missing_upload_type"
	case errors.Is(err, ErrHandlerPanic):
		return "panic"
	case errors.As(err, &validation):
		return "validation"
	default:
		return "handler"
	}
}
