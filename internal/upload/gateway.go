package upload

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/afero"

	"zscanner-backend/internal/observability/logging"
	"zscanner-backend/internal/observability/metrics"
)

const (
	TusVersion    = "1.0.0"
	TusExtensions = "creation"

	offsetContentType = "application/offset+octet-stream"
)

// Config describes a Gateway.
type Config struct {
	// BasePath is the URL path the gateway is mounted on, e.g. /api-zscanner/upload.
	BasePath string
	// Directory holds one blob per session.
	Directory string
	// MaxSize caps Upload-Length; zero means unlimited.
	MaxSize int64
	// Fs defaults to the OS filesystem.
	Fs      afero.Fs
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// ManagerOptions are applied after the logger and metrics options.
	ManagerOptions []ManagerOption
}

// Gateway serves the resumable upload protocol and exposes the registration
// functions route modules use to hook into upload creation and completion.
type Gateway struct {
	basePath string
	maxSize  int64
	registry *Registry
	sessions *Manager
	blobs    *BlobStore
	logger   *slog.Logger
}

func NewGateway(cfg Config) (*Gateway, error) {
	basePath := "/" + strings.Trim(strings.TrimSpace(cfg.BasePath), "/")
	if basePath == "/" {
		return nil, errors.New("upload base path is required")
	}
	if cfg.MaxSize < 0 {
		return nil, fmt.Errorf("upload max size must not be negative, got %d", cfg.MaxSize)
	}
	blobs, err := NewBlobStore(cfg.Fs, cfg.Directory)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	registry := NewRegistry()
	opts := append([]ManagerOption{WithLogger(logger), WithMetrics(cfg.Metrics)}, cfg.ManagerOptions...)
	return &Gateway{
		basePath: basePath,
		maxSize:  cfg.MaxSize,
		registry: registry,
		sessions: NewManager(registry, blobs, opts...),
		blobs:    blobs,
		logger:   logger,
	}, nil
}

// BeforeUploadStart registers the validator for uploadType.
func (g *Gateway) BeforeUploadStart(uploadType string, fn BeforeStartFunc) {
	g.registry.RegisterBeforeStart(uploadType, fn)
}

// OnUploadComplete registers the completion handler for uploadType.
func (g *Gateway) OnUploadComplete(uploadType string, fn CompleteFunc) {
	g.registry.RegisterOnComplete(uploadType, fn)
}

func (g *Gateway) BasePath() string {
	return g.basePath
}

func (g *Gateway) Sessions() *Manager {
	return g.sessions
}

func (g *Gateway) Blobs() *BlobStore {
	return g.blobs
}

// Routes registers the gateway on mux for the collection and its sessions.
func (g *Gateway) Routes(mux *http.ServeMux) {
	mux.Handle(g.basePath, g)
	mux.Handle(g.basePath+"/", g)
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if override := r.Header.Get("X-HTTP-Method-Override"); r.Method == http.MethodPost && override != "" {
		r.Method = strings.ToUpper(override)
	}

	header := w.Header()
	header.Set("Tus-Resumable", TusVersion)

	if r.Method == http.MethodOptions {
		g.options(w)
		return
	}
	if version := r.Header.Get("Tus-Resumable"); version != "" && version != TusVersion {
		header.Set("Tus-Version", TusVersion)
		g.sendError(w, r, errUnsupportedVersion)
		return
	}

	id, isCollection, ok := g.resolve(r.URL.Path)
	if !ok {
		g.sendError(w, r, errNotFound)
		return
	}
	if id != "" {
		r = r.WithContext(logging.ContextWithUploadID(r.Context(), id))
	}

	switch {
	case isCollection && r.Method == http.MethodPost:
		g.create(w, r)
	case !isCollection && r.Method == http.MethodHead:
		g.head(w, r, id)
	case !isCollection && r.Method == http.MethodPatch:
		g.patch(w, r, id)
	default:
		header.Set("Allow", allowedMethods(isCollection))
		g.sendError(w, r, errMethodNotAllowed)
	}
}

func (g *Gateway) resolve(path string) (id string, collection bool, ok bool) {
	rest, found := strings.CutPrefix(path, g.basePath)
	if !found || (rest != "" && rest[0] != '/') {
		return "", false, false
	}
	rest = strings.Trim(rest, "/")
	if rest == "" {
		return "", true, true
	}
	if strings.Contains(rest, "/") {
		return "", false, false
	}
	return rest, false, true
}

func allowedMethods(collection bool) string {
	if collection {
		return "POST, OPTIONS"
	}
	return "HEAD, PATCH, OPTIONS"
}

func (g *Gateway) options(w http.ResponseWriter) {
	header := w.Header()
	header.Set("Tus-Version", TusVersion)
	header.Set("Tus-Extension", TusExtensions)
	if g.maxSize > 0 {
		header.Set("Tus-Max-Size", strconv.FormatInt(g.maxSize, 10))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) create(w http.ResponseWriter, r *http.Request) {
	length, err := strconv.ParseInt(r.Header.Get("Upload-Length"), 10, 64)
	if err != nil || length < 0 {
		g.sendError(w, r, errInvalidUploadLength)
		return
	}
	if g.maxSize > 0 && length > g.maxSize {
		g.sendError(w, r, errSizeExceeded)
		return
	}

	raw := strings.TrimSpace(r.Header.Get("Upload-Metadata"))
	if raw == "" {
		g.sendError(w, r, errMissingMetadata)
		return
	}
	meta, err := DecodeMetadata(raw)
	if err != nil {
		g.sendError(w, r, err)
		return
	}

	session, err := g.sessions.Create(r.Context(), length, meta)
	if session.ID != "" {
		w.Header().Set("Location", g.location(r, session.ID))
	}
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	w.Header().Set("Upload-Offset", strconv.FormatInt(session.ReceivedLength, 10))
	w.WriteHeader(http.StatusCreated)
}

func (g *Gateway) head(w http.ResponseWriter, r *http.Request, id string) {
	session, err := g.sessions.Get(id)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	header := w.Header()
	header.Set("Cache-Control", "no-store")
	header.Set("Upload-Offset", strconv.FormatInt(session.ReceivedLength, 10))
	header.Set("Upload-Length", strconv.FormatInt(session.TotalLength, 10))
	if len(session.Metadata) > 0 {
		header.Set("Upload-Metadata", EncodeMetadata(session.Metadata))
	}
	w.WriteHeader(http.StatusOK)
}

func (g *Gateway) patch(w http.ResponseWriter, r *http.Request, id string) {
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mediaType != offsetContentType {
		g.sendError(w, r, errInvalidContentType)
		return
	}
	offset, err := strconv.ParseInt(r.Header.Get("Upload-Offset"), 10, 64)
	if err != nil || offset < 0 {
		g.sendError(w, r, errInvalidOffset)
		return
	}

	current, err := g.sessions.Get(id)
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	// A stale offset or a finished session is reported by Append instead.
	if current.State != StateComplete && offset == current.ReceivedLength &&
		r.ContentLength > 0 && offset+r.ContentLength > current.TotalLength {
		g.sendError(w, r, errChunkTooLarge)
		return
	}

	session, err := g.sessions.Append(r.Context(), id, offset, r.Body)
	if session.ID != "" {
		w.Header().Set("Upload-Offset", strconv.FormatInt(session.ReceivedLength, 10))
	}
	if err != nil {
		g.sendError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// location builds the absolute session URL when the request carries a host,
// and a path-only URL otherwise.
func (g *Gateway) location(r *http.Request, id string) string {
	path := g.basePath + "/" + id
	if r.Host == "" {
		return path
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto == "http" || proto == "https" {
		scheme = proto
	}
	return scheme + "://" + r.Host + path
}

func (g *Gateway) sendError(w http.ResponseWriter, r *http.Request, err error) {
	proto := classify(err)
	logger := logging.WithContext(r.Context(), g.logger)
	if proto.status >= http.StatusInternalServerError {
		logger.Error("upload request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		logger.Debug("upload request rejected", "method", r.Method, "path", r.URL.Path, "status", proto.status, "error", err)
	}

	if r.Method == http.MethodHead {
		w.WriteHeader(proto.status)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(proto.status)
	_, _ = w.Write([]byte(proto.message + "\n"))
}
