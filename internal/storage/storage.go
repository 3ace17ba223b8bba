package storage

import (
	"context"
	"errors"

	"zscanner-backend/internal/models"
)

// ErrFolderNotFound is returned by lookups that match no folder.
var ErrFolderNotFound = errors.New("folder not found")

// HealthChecker is implemented by every storage and authenticator.
type HealthChecker interface {
	Health(ctx context.Context) models.HealthReport
}

// DocumentStorage is the document management backend the REST routes and
// upload completion handlers feed.
type DocumentStorage interface {
	HealthChecker

	// FindFolders searches folders by a sanitized query on behalf of user.
	FindFolders(ctx context.Context, query, user string) ([]models.DocumentFolder, error)
	// GetFolderByBarcode resolves a scanned folder barcode, returning
	// ErrFolderNotFound when nothing matches.
	GetFolderByBarcode(ctx context.Context, barcode string) (models.DocumentFolder, error)
	GetDocumentTypes(ctx context.Context) ([]models.DocumentType, error)

	SubmitDocumentPage(ctx context.Context, correlation string, pageIndex int, filePath string) error
	SubmitLargeDocumentPage(ctx context.Context, correlation string, pageIndex int, page models.LargePage) error
	SubmitLargeDocumentPageWithDefect(ctx context.Context, correlation string, pageIndex int, page models.LargePageWithDefect) error
	SubmitDocumentSummary(ctx context.Context, correlation string, summary models.DocumentSummary) error
}

type BodyPartsStorage interface {
	HealthChecker
	GetBodyPartsViews(ctx context.Context) ([]models.BodyPartsView, error)
}

// MetricsStorage records usage events. Log never fails the caller; backends
// report their own errors.
type MetricsStorage interface {
	HealthChecker
	Log(ctx context.Context, event models.MetricsEvent)
}

// WorstHealth folds several reports into one carrying the worst level and
// every message.
func WorstHealth(reports ...models.HealthReport) models.HealthReport {
	combined := models.Healthy()
	for _, report := range reports {
		if report.Level > combined.Level {
			combined.Level = report.Level
		}
		combined.Messages = append(combined.Messages, report.Messages...)
	}
	return combined
}
