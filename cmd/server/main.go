// Command server starts the zScanner backend: the REST API, the resumable
// upload gateway and the expired upload sweeper.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"zscanner-backend/internal/api"
	"zscanner-backend/internal/auth"
	"zscanner-backend/internal/config"
	"zscanner-backend/internal/models"
	"zscanner-backend/internal/observability/logging"
	"zscanner-backend/internal/observability/metrics"
	"zscanner-backend/internal/server"
	"zscanner-backend/internal/storage"
	"zscanner-backend/internal/upload"
)

type options struct {
	envFile  string
	addr     string
	logLevel string
	seedDemo bool
}

func parseFlags(args []string, output io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(output)
	fs.StringVar(&opts.envFile, "env-file", ".env", "optional file of KEY=VALUE pairs loaded before the environment is read")
	fs.StringVar(&opts.addr, "addr", "", "HTTP listen address, overrides HTTP_ADDR and PORT")
	fs.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error), overrides DEBUG_LEVEL")
	fs.BoolVar(&opts.seedDemo, "seed-demo", false, "load the demo folders and document types into postgres storage")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

// loadConfig applies flag > environment > default precedence.
func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return config.Config{}, err
	}
	if opts.addr != "" {
		cfg.HTTPAddr = opts.addr
	}
	if opts.logLevel != "" {
		cfg.DebugLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	opts, err := parseFlags(args, os.Stderr)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := logging.Init(logging.Config{Level: cfg.DebugLevel, Format: cfg.LogFormat})

	app, err := build(ctx, cfg, opts, buildDeps{
		Fs:      afero.NewOsFs(),
		Logger:  logger,
		Metrics: metrics.Default(),
	})
	if err != nil {
		logger.Error("failed to start", "error", err)
		return err
	}
	defer app.close(logger)

	group, groupCtx := errgroup.WithContext(ctx)
	stopSweep, err := startSweepWorker(groupCtx, logging.WithComponent(logger, "sweeper"), app.sweeper, app.sessions, cfg.SweepSchedule)
	if err != nil {
		return fmt.Errorf("schedule upload sweeper: %w", err)
	}
	group.Go(func() error {
		<-groupCtx.Done()
		stopSweep()
		return nil
	})
	group.Go(func() error {
		return app.server.Run(groupCtx, nil)
	})

	err = group.Wait()
	logger.Info("server stopped")
	return err
}

type buildDeps struct {
	Fs      afero.Fs
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

type application struct {
	server   *server.Server
	handler  *api.Handler
	gateway  *upload.Gateway
	sweeper  *upload.Sweeper
	sessions *upload.Manager
	closers  []func(context.Context) error
}

func (a *application) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			logger.Warn("shutdown step failed", "error", err)
		}
	}
}

func build(ctx context.Context, cfg config.Config, opts options, deps buildDeps) (*application, error) {
	logger := deps.Logger
	app := &application{}

	documents, metricsStore, closer, err := openStorage(ctx, cfg, opts, deps)
	if err != nil {
		return nil, err
	}
	if closer != nil {
		app.closers = append(app.closers, closer)
	}

	documents, err = storage.NewObjectArchive(documents, deps.Fs, storage.ObjectStorageConfig{
		Endpoint:  cfg.ArchiveEndpoint,
		AccessKey: cfg.ArchiveAccessKey,
		SecretKey: cfg.ArchiveSecretKey,
		Bucket:    cfg.ArchiveBucket,
		UseSSL:    cfg.ArchiveUseSSL,
		Prefix:    cfg.ArchivePrefix,
	}, logging.WithComponent(logger, "archive"))
	if err != nil {
		app.close(logger)
		return nil, fmt.Errorf("configure page archive: %w", err)
	}

	authenticator, err := newAuthenticator(cfg, logger)
	if err != nil {
		app.close(logger)
		return nil, err
	}

	prefix := routerPrefix(cfg.RouterPrefix)
	gateway, err := upload.NewGateway(upload.Config{
		BasePath:  prefix + "/upload",
		Directory: cfg.UploadDirectory,
		MaxSize:   cfg.UploadMaxSize,
		Fs:        deps.Fs,
		Logger:    logging.WithComponent(logger, "upload"),
		Metrics:   deps.Metrics,
	})
	if err != nil {
		app.close(logger)
		return nil, fmt.Errorf("configure upload gateway: %w", err)
	}

	handler, err := api.NewHandler(api.Config{
		Documents: documents,
		BodyParts: storage.DemoBodyPartsStorage{},
		Metrics:   metricsStore,
		Components: []api.HealthComponent{
			{Name: "storage", Checker: documents},
			{Name: "metrics", Checker: metricsStore},
			{Name: "authenticator", Checker: authenticator},
		},
		Blobs:              gateway.Blobs(),
		KeepProcessedFiles: cfg.KeepProcessedFiles,
		Logger:             logging.WithComponent(logger, "api"),
	})
	if err != nil {
		app.close(logger)
		return nil, err
	}
	handler.RegisterUploadTypes(gateway)

	sweeper, err := upload.NewSweeper(upload.SweeperConfig{
		Fs:        deps.Fs,
		Directory: gateway.Blobs().Dir(),
		MaxAge:    cfg.UploadExpiration(),
		Logger:    logging.WithComponent(logger, "sweeper"),
		Metrics:   deps.Metrics,
	})
	if err != nil {
		app.close(logger)
		return nil, err
	}

	srv, err := server.New(handler, gateway, server.Config{
		Addr:         cfg.Addr(),
		TLS:          server.TLSConfig{CertFile: cfg.TLSCertFile, KeyFile: cfg.TLSKeyFile},
		RouterPrefix: prefix,
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     cfg.RateLimitRPS,
			GlobalBurst:   cfg.RateLimitBurst,
			CreateLimit:   cfg.CreateLimitPerMinute,
			CreateWindow:  time.Minute,
			RedisAddr:     cfg.RedisAddr,
			RedisPassword: cfg.RedisPassword,
		},
		TrustedProxies: cfg.TrustedProxies(),
		CORS:           server.CORSConfig{AllowedOrigins: cfg.AllowedOrigins()},
		Authenticator:  authenticator,
		Logger:         logging.WithComponent(logger, "server"),
		Metrics:        deps.Metrics,
	})
	if err != nil {
		app.close(logger)
		return nil, err
	}

	app.server = srv
	app.handler = handler
	app.gateway = gateway
	app.sweeper = sweeper
	app.sessions = gateway.Sessions()
	logger.Info("zscanner backend configured",
		"storage", cfg.Storage,
		"authenticator", authenticatorName(cfg),
		"upload_base", gateway.BasePath(),
		"upload_directory", gateway.Blobs().Dir(),
		"upload_expiration", cfg.UploadExpiration(),
		"archive", cfg.ArchiveBucket != "")
	return app, nil
}

func routerPrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return "/" + prefix
}

func openStorage(ctx context.Context, cfg config.Config, opts options, deps buildDeps) (storage.DocumentStorage, storage.MetricsStorage, func(context.Context) error, error) {
	storageLogger := logging.WithComponent(deps.Logger, "storage")
	switch cfg.Storage {
	case config.StoragePostgres:
		store, err := storage.NewPostgresStore(ctx, storage.PostgresConfig{
			DSN:             cfg.DatabaseURL,
			ApplicationName: "zscanner-backend",
			Fs:              deps.Fs,
			Logger:          storageLogger,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres storage: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close(ctx)
			return nil, nil, nil, err
		}
		if opts.seedDemo {
			if err := seedDemoData(ctx, store); err != nil {
				_ = store.Close(ctx)
				return nil, nil, nil, err
			}
		}
		return store, store, store.Close, nil
	default:
		return storage.NewDemoDocumentStorage(deps.Fs, storageLogger),
			storage.NewLogMetricsStorage(logging.WithComponent(deps.Logger, "metrics")),
			nil, nil
	}
}

type demoSeeder interface {
	UpsertFolder(ctx context.Context, folder models.DocumentFolder) error
	UpsertDocumentType(ctx context.Context, docType models.DocumentType, position int) error
}

func seedDemoData(ctx context.Context, store demoSeeder) error {
	for _, folder := range storage.DemoFolders {
		if err := store.UpsertFolder(ctx, folder); err != nil {
			return fmt.Errorf("seed folder %s: %w", folder.InternalID, err)
		}
	}
	for i, docType := range storage.DemoDocumentTypes {
		if err := store.UpsertDocumentType(ctx, docType, i); err != nil {
			return fmt.Errorf("seed document type %s: %w", docType.Type, err)
		}
	}
	return nil
}

func newAuthenticator(cfg config.Config, logger *slog.Logger) (auth.Authenticator, error) {
	if !cfg.SeacatEnabled() {
		return auth.Noop{}, nil
	}
	ttl, err := cfg.SeacatTTL()
	if err != nil {
		return nil, err
	}
	authenticator, err := auth.NewSeacatAuthenticator(auth.SeacatConfig{
		Endpoint: cfg.SeacatEndpoint,
		Username: cfg.SeacatUsername,
		Password: cfg.SeacatPassword,
		CacheTTL: ttl,
		Logger:   logging.WithComponent(logger, "auth"),
	})
	if err != nil {
		return nil, fmt.Errorf("configure seacat authenticator: %w", err)
	}
	return authenticator, nil
}

func authenticatorName(cfg config.Config) string {
	if cfg.SeacatEnabled() {
		return config.AuthenticatorSeacat
	}
	return config.AuthenticatorNone
}
