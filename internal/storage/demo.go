package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/spf13/afero"

	"zscanner-backend/internal/models"
	"zscanner-backend/internal/observability/logging"
)

// DemoFolders is randomly generated sample data.
var DemoFolders = []models.DocumentFolder{
	{ExternalID: "925221/9449", InternalID: "124587112", Name: "Radana Macháčková"},
	{ExternalID: "011116/0632", InternalID: "124587113", Name: "František Chadima"},
	{ExternalID: "995507/4789", InternalID: "124587116", Name: "Aneta Šálková"},
	{ExternalID: "760623/6979", InternalID: "124587154", Name: "Servác Skoumal"},
	{ExternalID: "841206/2483", InternalID: "124587154", Name: "Petr Šmídek"},
	{ExternalID: "806007/3351", InternalID: "124587199", Name: "Jiřina Hozová"},
}

// DemoDocumentTypes must not contain the foto mode; the Android client
// crashes on it.
var DemoDocumentTypes = []models.DocumentType{
	{Mode: models.DocumentModeDoc, Display: "Rodný list", Type: "birthcertificate"},
	{Mode: models.DocumentModeDoc, Display: "Občanský průkaz", Type: "nationalid"},
	{Mode: models.DocumentModeDoc, Display: "Pas", Type: "passport"},
	{Mode: models.DocumentModeDoc, Display: "Kartička pojišťovny", Type: "insuranceid"},
	{Mode: models.DocumentModeExam, Display: "Výsledky analýzy krve", Type: "blood-results"},
	{Mode: models.DocumentModeExam, Display: "Výsledky RTG vyšetření", Type: "rtg-results"},
	{Mode: models.DocumentModeExam, Display: "Výsledky sonografického vyšetření", Type: "sono-results"},
}

// DemoDocumentStorage serves fixed folders and document types and logs every
// submission instead of storing it.
type DemoDocumentStorage struct {
	fs     afero.Fs
	logger *slog.Logger
}

func NewDemoDocumentStorage(fs afero.Fs, logger *slog.Logger) *DemoDocumentStorage {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &DemoDocumentStorage{fs: fs, logger: logger}
}

func (s *DemoDocumentStorage) Health(context.Context) models.HealthReport {
	return models.Healthy()
}

func (s *DemoDocumentStorage) FindFolders(_ context.Context, query, _ string) ([]models.DocumentFolder, error) {
	needle := NormalizeString(query)
	matches := make([]models.DocumentFolder, 0)
	for _, folder := range DemoFolders {
		if strings.Contains(NormalizeString(folder.ExternalID), needle) ||
			strings.Contains(NormalizeString(folder.InternalID), needle) ||
			strings.Contains(NormalizeString(folder.Name), needle) {
			matches = append(matches, folder)
		}
	}
	return matches, nil
}

func (s *DemoDocumentStorage) GetFolderByBarcode(_ context.Context, barcode string) (models.DocumentFolder, error) {
	for _, folder := range DemoFolders {
		if folder.InternalID == barcode {
			return folder, nil
		}
	}
	return models.DocumentFolder{}, ErrFolderNotFound
}

func (s *DemoDocumentStorage) GetDocumentTypes(context.Context) ([]models.DocumentType, error) {
	return append([]models.DocumentType(nil), DemoDocumentTypes...), nil
}

func (s *DemoDocumentStorage) SubmitDocumentPage(ctx context.Context, correlation string, pageIndex int, filePath string) error {
	size, detected, err := s.describe(filePath)
	if err != nil {
		return err
	}
	logging.WithContext(ctx, s.logger).Info("document page posted",
		"correlation", correlation,
		"page", pageIndex,
		"file", filePath,
		"size", humanize.Bytes(uint64(size)),
		"detected_type", detected)
	return nil
}

func (s *DemoDocumentStorage) SubmitLargeDocumentPage(ctx context.Context, correlation string, pageIndex int, page models.LargePage) error {
	size, detected, err := s.describe(page.FilePath)
	if err != nil {
		return err
	}
	logging.WithContext(ctx, s.logger).Info("large document page posted",
		"correlation", correlation,
		"page", pageIndex,
		"file", page.FilePath,
		"content_type", page.ContentType,
		"detected_type", detected,
		"size", humanize.Bytes(uint64(size)))
	return nil
}

func (s *DemoDocumentStorage) SubmitLargeDocumentPageWithDefect(ctx context.Context, correlation string, pageIndex int, page models.LargePageWithDefect) error {
	size, detected, err := s.describe(page.FilePath)
	if err != nil {
		return err
	}
	attrs := []any{
		"correlation", correlation,
		"page", pageIndex,
		"file", page.FilePath,
		"content_type", page.ContentType,
		"detected_type", detected,
		"size", humanize.Bytes(uint64(size)),
		"description", page.Description,
	}
	if page.Defect != nil {
		attrs = append(attrs, "defect_id", page.Defect.ID, "defect_name", page.Defect.Name, "body_part_id", page.Defect.BodyPartID)
	}
	logging.WithContext(ctx, s.logger).Info("large document page with defect posted", attrs...)
	return nil
}

func (s *DemoDocumentStorage) SubmitDocumentSummary(ctx context.Context, correlation string, summary models.DocumentSummary) error {
	logging.WithContext(ctx, s.logger).Info("document summary posted",
		"correlation", correlation,
		"folder", summary.FolderInternalID,
		"mode", summary.DocumentMode,
		"type", summary.DocumentType,
		"pages", summary.Pages,
		"datetime", summary.Datetime,
		"user", summary.User)
	return nil
}

func (s *DemoDocumentStorage) describe(path string) (int64, string, error) {
	info, err := s.fs.Stat(path)
	if err != nil {
		return 0, "", fmt.Errorf("stat page file: %w", err)
	}
	detected, err := DetectContentType(s.fs, path)
	if err != nil {
		return 0, "", err
	}
	return info.Size(), detected, nil
}

// DetectContentType sniffs the content type of the file at path.
func DetectContentType(fs afero.Fs, path string) (string, error) {
	file, err := fs.Open(path)
	if err != nil {
		return "", fmt.Errorf("open page file: %w", err)
	}
	defer file.Close()
	mime, err := mimetype.DetectReader(file)
	if err != nil {
		return "", fmt.Errorf("detect page type: %w", err)
	}
	return mime.String(), nil
}

// DemoBodyPartsViews is randomly generated sample data.
var DemoBodyPartsViews = []models.BodyPartsView{
	{
		ImageURL: "http://localhost/head.png",
		BodyParts: []models.BodyPart{
			{ID: "leftEye", Name: "Left eye", Coordinates: [2]float64{0.2, 0.2}},
			{ID: "rightEye", Name: "Right eye", Coordinates: [2]float64{0.8, 0.2}},
		},
	},
	{
		ImageURL: "http://localhost/hand.png",
		BodyParts: []models.BodyPart{
			{ID: "finger", Name: "Finger", Coordinates: [2]float64{0.1, 0.1}},
		},
	},
}

type DemoBodyPartsStorage struct{}

func (DemoBodyPartsStorage) Health(context.Context) models.HealthReport {
	return models.Healthy()
}

func (DemoBodyPartsStorage) GetBodyPartsViews(context.Context) ([]models.BodyPartsView, error) {
	return append([]models.BodyPartsView(nil), DemoBodyPartsViews...), nil
}
