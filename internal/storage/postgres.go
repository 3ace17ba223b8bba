package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/afero"

	"zscanner-backend/internal/models"
	"zscanner-backend/internal/observability/logging"
)

const (
	defaultPostgresTimeout = 5 * time.Second
	healthPingTimeout      = 2 * time.Second
)

// PostgresConfig describes the connection pool of a PostgresStore.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
	ApplicationName string
	// Fs is where page files handed to the Submit methods are read from.
	Fs     afero.Fs
	Logger *slog.Logger
}

// PostgresStore keeps folders, document types, submitted pages (including
// their bytes), summaries and metrics events in Postgres. It implements both
// DocumentStorage and MetricsStorage.
type PostgresStore struct {
	pool   *pgxpool.Pool
	fs     afero.Fs
	logger *slog.Logger
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS folders (
		internal_id TEXT PRIMARY KEY,
		external_id TEXT NOT NULL,
		name TEXT NOT NULL,
		search_key TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS document_types (
		type TEXT PRIMARY KEY,
		mode TEXT NOT NULL,
		display TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS document_pages (
		correlation TEXT NOT NULL,
		page_index INTEGER NOT NULL,
		content_type TEXT NOT NULL,
		detected_type TEXT NOT NULL DEFAULT '',
		size BIGINT NOT NULL,
		content BYTEA NOT NULL,
		defect_id TEXT,
		defect_name TEXT,
		body_part_id TEXT,
		description TEXT,
		received_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (correlation, page_index)
	)`,
	`CREATE TABLE IF NOT EXISTS document_summaries (
		correlation TEXT PRIMARY KEY,
		folder_internal_id TEXT NOT NULL,
		document_mode TEXT NOT NULL,
		document_type TEXT NOT NULL,
		pages INTEGER NOT NULL,
		document_datetime TIMESTAMPTZ NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		user_id TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS metrics_events (
		id BIGSERIAL PRIMARY KEY,
		ts TIMESTAMPTZ NOT NULL,
		type TEXT NOT NULL,
		version INTEGER NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		data JSONB NOT NULL DEFAULT '{}'::jsonb
	)`,
}

// NewPostgresStore opens a connection pool. Call EnsureSchema before use on a
// fresh database.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	store := &PostgresStore{pool: pool, fs: cfg.Fs, logger: cfg.Logger}
	if store.fs == nil {
		store.fs = afero.NewOsFs()
	}
	if store.logger == nil {
		store.logger = logging.Discard()
	}
	return store, nil
}

// EnsureSchema creates the tables the store needs when they are missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	for _, statement := range schemaStatements {
		if _, err := tx.Exec(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

// Close releases the pool, giving up when ctx expires first.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (s *PostgresStore) Health(ctx context.Context) models.HealthReport {
	ctx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()
	if err := s.pool.Ping(ctx); err != nil {
		return models.HealthReport{Level: models.HealthError, Messages: []string{"postgres: " + err.Error()}}
	}
	return models.Healthy()
}

// UpsertFolder inserts or replaces a folder record.
func (s *PostgresStore) UpsertFolder(ctx context.Context, folder models.DocumentFolder) error {
	key := NormalizeString(strings.Join([]string{folder.ExternalID, folder.InternalID, folder.Name}, " "))
	_, err := s.pool.Exec(ctx, `
		INSERT INTO folders (internal_id, external_id, name, search_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (internal_id) DO UPDATE
		SET external_id = EXCLUDED.external_id, name = EXCLUDED.name, search_key = EXCLUDED.search_key`,
		folder.InternalID, folder.ExternalID, folder.Name, key)
	if err != nil {
		return fmt.Errorf("upsert folder %s: %w", folder.InternalID, err)
	}
	return nil
}

// UpsertDocumentType inserts or replaces a document type; position orders listings.
func (s *PostgresStore) UpsertDocumentType(ctx context.Context, docType models.DocumentType, position int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_types (type, mode, display, position)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (type) DO UPDATE
		SET mode = EXCLUDED.mode, display = EXCLUDED.display, position = EXCLUDED.position`,
		docType.Type, string(docType.Mode), docType.Display, position)
	if err != nil {
		return fmt.Errorf("upsert document type %s: %w", docType.Type, err)
	}
	return nil
}

func (s *PostgresStore) FindFolders(ctx context.Context, query, _ string) ([]models.DocumentFolder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT external_id, internal_id, name
		FROM folders
		WHERE search_key LIKE '%' || $1 || '%' ESCAPE '\'
		ORDER BY name, internal_id
		LIMIT 100`, escapeLike(NormalizeString(query)))
	if err != nil {
		return nil, fmt.Errorf("search folders: %w", err)
	}
	folders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.DocumentFolder, error) {
		var folder models.DocumentFolder
		err := row.Scan(&folder.ExternalID, &folder.InternalID, &folder.Name)
		return folder, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan folders: %w", err)
	}
	if folders == nil {
		folders = []models.DocumentFolder{}
	}
	return folders, nil
}

func (s *PostgresStore) GetFolderByBarcode(ctx context.Context, barcode string) (models.DocumentFolder, error) {
	var folder models.DocumentFolder
	err := s.pool.QueryRow(ctx, `
		SELECT external_id, internal_id, name FROM folders WHERE internal_id = $1`, barcode).
		Scan(&folder.ExternalID, &folder.InternalID, &folder.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.DocumentFolder{}, ErrFolderNotFound
	}
	if err != nil {
		return models.DocumentFolder{}, fmt.Errorf("get folder %s: %w", barcode, err)
	}
	return folder, nil
}

func (s *PostgresStore) GetDocumentTypes(ctx context.Context) ([]models.DocumentType, error) {
	rows, err := s.pool.Query(ctx, `SELECT type, mode, display FROM document_types ORDER BY position, type`)
	if err != nil {
		return nil, fmt.Errorf("list document types: %w", err)
	}
	types, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.DocumentType, error) {
		var docType models.DocumentType
		var mode string
		err := row.Scan(&docType.Type, &mode, &docType.Display)
		docType.Mode = models.DocumentMode(mode)
		return docType, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan document types: %w", err)
	}
	if types == nil {
		types = []models.DocumentType{}
	}
	return types, nil
}

func (s *PostgresStore) SubmitDocumentPage(ctx context.Context, correlation string, pageIndex int, filePath string) error {
	detected, _ := DetectContentType(s.fs, filePath)
	return s.insertPage(ctx, correlation, pageIndex, models.LargePageWithDefect{
		LargePage: models.LargePage{FilePath: filePath, ContentType: detected, DetectedType: detected},
	})
}

func (s *PostgresStore) SubmitLargeDocumentPage(ctx context.Context, correlation string, pageIndex int, page models.LargePage) error {
	return s.insertPage(ctx, correlation, pageIndex, models.LargePageWithDefect{LargePage: page})
}

func (s *PostgresStore) SubmitLargeDocumentPageWithDefect(ctx context.Context, correlation string, pageIndex int, page models.LargePageWithDefect) error {
	return s.insertPage(ctx, correlation, pageIndex, page)
}

func (s *PostgresStore) insertPage(ctx context.Context, correlation string, pageIndex int, page models.LargePageWithDefect) error {
	content, err := afero.ReadFile(s.fs, page.FilePath)
	if err != nil {
		return fmt.Errorf("read page file: %w", err)
	}
	var defectID, defectName, bodyPartID *string
	if page.Defect != nil {
		defectID, defectName, bodyPartID = &page.Defect.ID, &page.Defect.Name, &page.Defect.BodyPartID
	}

	ctx, cancel := context.WithTimeout(ctx, defaultPostgresTimeout)
	defer cancel()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO document_pages (correlation, page_index, content_type, detected_type, size, content,
			defect_id, defect_name, body_part_id, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''))
		ON CONFLICT (correlation, page_index) DO UPDATE
		SET content_type = EXCLUDED.content_type, detected_type = EXCLUDED.detected_type,
			size = EXCLUDED.size, content = EXCLUDED.content, defect_id = EXCLUDED.defect_id,
			defect_name = EXCLUDED.defect_name, body_part_id = EXCLUDED.body_part_id,
			description = EXCLUDED.description, received_at = now()`,
		correlation, pageIndex, page.ContentType, page.DetectedType, int64(len(content)), content,
		defectID, defectName, bodyPartID, page.Description)
	if err != nil {
		return fmt.Errorf("insert page %s/%d: %w", correlation, pageIndex, err)
	}
	return nil
}

func (s *PostgresStore) SubmitDocumentSummary(ctx context.Context, correlation string, summary models.DocumentSummary) error {
	ctx, cancel := context.WithTimeout(ctx, defaultPostgresTimeout)
	defer cancel()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO document_summaries (correlation, folder_internal_id, document_mode, document_type,
			pages, document_datetime, name, notes, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (correlation) DO UPDATE
		SET folder_internal_id = EXCLUDED.folder_internal_id, document_mode = EXCLUDED.document_mode,
			document_type = EXCLUDED.document_type, pages = EXCLUDED.pages,
			document_datetime = EXCLUDED.document_datetime, name = EXCLUDED.name,
			notes = EXCLUDED.notes, user_id = EXCLUDED.user_id, received_at = now()`,
		correlation, summary.FolderInternalID, string(summary.DocumentMode), summary.DocumentType,
		summary.Pages, summary.Datetime, summary.Name, summary.Notes, summary.User)
	if err != nil {
		return fmt.Errorf("insert summary %s: %w", correlation, err)
	}
	return nil
}

// Log stores a metrics event. Failures are logged, never returned.
func (s *PostgresStore) Log(ctx context.Context, event models.MetricsEvent) {
	data, err := json.Marshal(event.Data)
	if err != nil {
		s.logger.Warn("encode metrics event", "type", event.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPostgresTimeout)
	defer cancel()
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO metrics_events (ts, type, version, user_id, data) VALUES ($1, $2, $3, $4, $5)`,
		event.Timestamp, event.Type, event.Version, event.User, data); err != nil {
		logging.WithContext(ctx, s.logger).Warn("store metrics event", "type", event.Type, "error", err)
	}
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(value string) string {
	return likeEscaper.Replace(value)
}
