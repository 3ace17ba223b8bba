package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"

	"zscanner-backend/internal/auth"
	"zscanner-backend/internal/models"
	"zscanner-backend/internal/observability/logging"
	"zscanner-backend/internal/storage"
	"zscanner-backend/internal/upload"
)

// HealthComponent names a dependency reported by the healthcheck routes.
type HealthComponent struct {
	Name    string
	Checker storage.HealthChecker
}

// Config wires a Handler.
type Config struct {
	Documents storage.DocumentStorage
	BodyParts storage.BodyPartsStorage
	Metrics   storage.MetricsStorage
	// Components are reported by the healthcheck routes in order.
	Components []HealthComponent
	// Blobs is where multipart page files are spooled and where completed
	// resumable uploads live.
	Blobs *upload.BlobStore
	// KeepProcessedFiles leaves page files on disk after they were submitted.
	KeepProcessedFiles bool
	Logger             *slog.Logger
	Now                func() time.Time
}

type Handler struct {
	documents  storage.DocumentStorage
	bodyParts  storage.BodyPartsStorage
	metrics    storage.MetricsStorage
	components []HealthComponent
	blobs      *upload.BlobStore
	keepFiles  bool
	validate   *validator.Validate
	logger     *slog.Logger
	now        func() time.Time
}

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Documents == nil {
		return nil, errors.New("document storage is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("blob store is required")
	}
	h := &Handler{
		documents:  cfg.Documents,
		bodyParts:  cfg.BodyParts,
		metrics:    cfg.Metrics,
		components: cfg.Components,
		blobs:      cfg.Blobs,
		keepFiles:  cfg.KeepProcessedFiles,
		validate:   newValidator(),
		logger:     cfg.Logger,
		now:        cfg.Now,
	}
	if h.bodyParts == nil {
		h.bodyParts = storage.DemoBodyPartsStorage{}
	}
	if h.metrics == nil {
		h.metrics = storage.NoopMetricsStorage{}
	}
	if h.logger == nil {
		h.logger = logging.Discard()
	}
	h.logger = logging.WithComponent(h.logger, "api")
	if h.now == nil {
		h.now = time.Now
	}
	return h, nil
}

func newValidator() *validator.Validate {
	validate := validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		for _, tag := range []string{"json", "form"} {
			name := strings.SplitN(field.Tag.Get(tag), ",", 2)[0]
			if name != "" && name != "-" {
				return name
			}
		}
		return field.Name
	})
	validate.RegisterCustomTypeFunc(func(v reflect.Value) interface{} {
		if ts, ok := v.Interface().(flexibleTime); ok {
			return time.Time(ts)
		}
		return nil
	}, flexibleTime{})
	return validate
}

func (h *Handler) fs() afero.Fs {
	return h.blobs.Fs()
}

func (h *Handler) logMetricsEvent(ctx context.Context, eventType string, version int, data map[string]any) {
	h.metrics.Log(ctx, models.MetricsEvent{
		Timestamp: h.now(),
		Type:      eventType,
		Version:   version,
		User:      auth.UserID(ctx),
		Data:      data,
	})
}

// routeVersion reads the API version from a /vN/ path segment.
func routeVersion(path string) int {
	switch {
	case strings.Contains(path, "/v3/"):
		return 3
	case strings.Contains(path, "/v2/"):
		return 2
	default:
		return 1
	}
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	logging.WithContext(r.Context(), h.logger).Error(msg, "method", r.Method, "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, errors.New("internal server error"))
}

func userOf(r *http.Request) string {
	return auth.UserID(r.Context())
}
