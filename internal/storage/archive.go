package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/spf13/afero"

	"zscanner-backend/internal/models"
	"zscanner-backend/internal/observability/logging"
)

const defaultArchiveRequestTimeout = 30 * time.Second

// ObjectStorageConfig describes the bucket page files are archived to before
// they are handed to the document backend.
type ObjectStorageConfig struct {
	Endpoint       string
	Region         string
	AccessKey      string
	SecretKey      string
	Bucket         string
	UseSSL         bool
	Prefix         string
	RequestTimeout time.Duration
}

// Enabled reports whether both an endpoint and a bucket are configured.
func (cfg ObjectStorageConfig) Enabled() bool {
	return strings.TrimSpace(cfg.Endpoint) != "" && strings.TrimSpace(cfg.Bucket) != ""
}

func (cfg ObjectStorageConfig) requestTimeout() time.Duration {
	if cfg.RequestTimeout <= 0 {
		return defaultArchiveRequestTimeout
	}
	return cfg.RequestTimeout
}

type objectUploader interface {
	PutObject(ctx context.Context, bucket, object string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// ObjectArchive copies every submitted page into an S3 compatible bucket
// and then forwards the submission to the wrapped DocumentStorage.
type ObjectArchive struct {
	DocumentStorage

	cfg      ObjectStorageConfig
	fs       afero.Fs
	uploader objectUploader
	logger   *slog.Logger
}

// NewObjectArchive wraps next with archiving. When cfg is not enabled next is
// returned unchanged.
func NewObjectArchive(next DocumentStorage, fs afero.Fs, cfg ObjectStorageConfig, logger *slog.Logger) (DocumentStorage, error) {
	if !cfg.Enabled() {
		return next, nil
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return nil, fmt.Errorf("parse archive endpoint: %w", err)
		}
		endpoint = parsed.Host
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create archive client: %w", err)
	}
	return newObjectArchive(next, fs, cfg, client, logger), nil
}

func newObjectArchive(next DocumentStorage, fs afero.Fs, cfg ObjectStorageConfig, uploader objectUploader, logger *slog.Logger) *ObjectArchive {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	cfg.Bucket = strings.TrimSpace(cfg.Bucket)
	return &ObjectArchive{
		DocumentStorage: next,
		cfg:             cfg,
		fs:              fs,
		uploader:        uploader,
		logger:          logging.WithComponent(logger, "archive"),
	}
}

func (a *ObjectArchive) Health(ctx context.Context) models.HealthReport {
	inner := a.DocumentStorage.Health(ctx)
	ctx, cancel := context.WithTimeout(ctx, a.cfg.requestTimeout())
	defer cancel()
	exists, err := a.uploader.BucketExists(ctx, a.cfg.Bucket)
	switch {
	case err != nil:
		return WorstHealth(inner, models.HealthReport{Level: models.HealthWarning, Messages: []string{"archive: " + err.Error()}})
	case !exists:
		return WorstHealth(inner, models.HealthReport{Level: models.HealthWarning, Messages: []string{"archive: bucket " + a.cfg.Bucket + " does not exist"}})
	}
	return inner
}

func (a *ObjectArchive) SubmitDocumentPage(ctx context.Context, correlation string, pageIndex int, filePath string) error {
	if err := a.archive(ctx, correlation, pageIndex, filePath, ""); err != nil {
		return err
	}
	return a.DocumentStorage.SubmitDocumentPage(ctx, correlation, pageIndex, filePath)
}

func (a *ObjectArchive) SubmitLargeDocumentPage(ctx context.Context, correlation string, pageIndex int, page models.LargePage) error {
	if err := a.archive(ctx, correlation, pageIndex, page.FilePath, page.DetectedType); err != nil {
		return err
	}
	return a.DocumentStorage.SubmitLargeDocumentPage(ctx, correlation, pageIndex, page)
}

func (a *ObjectArchive) SubmitLargeDocumentPageWithDefect(ctx context.Context, correlation string, pageIndex int, page models.LargePageWithDefect) error {
	if err := a.archive(ctx, correlation, pageIndex, page.FilePath, page.DetectedType); err != nil {
		return err
	}
	return a.DocumentStorage.SubmitLargeDocumentPageWithDefect(ctx, correlation, pageIndex, page)
}

// ObjectKey is where a page lands in the bucket.
func (a *ObjectArchive) ObjectKey(correlation string, pageIndex int) string {
	return a.cfg.Prefix + path.Join(correlation, strconv.Itoa(pageIndex))
}

func (a *ObjectArchive) archive(ctx context.Context, correlation string, pageIndex int, filePath, contentType string) error {
	file, err := a.fs.Open(filePath)
	if err != nil {
		return fmt.Errorf("open page file: %w", err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat page file: %w", err)
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.requestTimeout())
	defer cancel()
	key := a.ObjectKey(correlation, pageIndex)
	if _, err := a.uploader.PutObject(ctx, a.cfg.Bucket, key, file, info.Size(), minio.PutObjectOptions{ContentType: contentType}); err != nil {
		return fmt.Errorf("archive page %s: %w", key, err)
	}
	logging.WithContext(ctx, a.logger).Debug("page archived", "bucket", a.cfg.Bucket, "key", key, "size", info.Size())
	return nil
}
