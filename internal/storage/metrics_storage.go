package storage

import (
	"context"
	"log/slog"

	"zscanner-backend/internal/models"
	"zscanner-backend/internal/observability/logging"
)

// NoopMetricsStorage drops every event.
type NoopMetricsStorage struct{}

func (NoopMetricsStorage) Log(context.Context, models.MetricsEvent) {}

func (NoopMetricsStorage) Health(context.Context) models.HealthReport {
	return models.Healthy()
}

// LogMetricsStorage writes events to a structured logger.
type LogMetricsStorage struct {
	logger *slog.Logger
}

func NewLogMetricsStorage(logger *slog.Logger) *LogMetricsStorage {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LogMetricsStorage{logger: logger}
}

func (s *LogMetricsStorage) Log(ctx context.Context, event models.MetricsEvent) {
	logging.WithContext(ctx, s.logger).Info("metrics event",
		"event_type", event.Type,
		"version", event.Version,
		"user", event.User,
		"ts", event.Timestamp,
		"data", event.Data)
}

func (s *LogMetricsStorage) Health(context.Context) models.HealthReport {
	return models.Healthy()
}
