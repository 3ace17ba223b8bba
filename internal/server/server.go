package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"

	"zscanner-backend/internal/api"
	"zscanner-backend/internal/auth"
	"zscanner-backend/internal/observability/logging"
	"zscanner-backend/internal/observability/metrics"
	"zscanner-backend/internal/serverutil"
	"zscanner-backend/internal/upload"
)

// gzipMinSize keeps tiny acknowledgements uncompressed.
const gzipMinSize = 256

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr string
	TLS  TLSConfig
	// RouterPrefix is prepended to every REST route; the upload gateway
	// carries its own base path.
	RouterPrefix   string
	RateLimit      RateLimitConfig
	// TrustedProxies lists the IPs and CIDR ranges whose X-Forwarded-For and
	// X-Real-IP headers identify the client. Empty means none.
	TrustedProxies []string
	CORS           CORSConfig
	Security       SecurityConfig
	Authenticator  auth.Authenticator
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	rateLimiter *rateLimiter
	tls         serverutil.TLSConfig
}

func New(handler *api.Handler, gateway *upload.Gateway, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	if gateway == nil {
		return nil, errors.New("upload gateway is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	clients, err := newClientIPResolver(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}

	compress, err := gzhttp.NewWrapper(gzhttp.MinSize(gzipMinSize))
	if err != nil {
		return nil, fmt.Errorf("gzip wrapper: %w", err)
	}

	prefix := normalizePrefix(cfg.RouterPrefix)
	mux := http.NewServeMux()
	route := func(path string, fn http.HandlerFunc) {
		mux.Handle(prefix+path, compress(fn))
	}
	for _, version := range []string{"/v1", "/v2", "/v3"} {
		route(version+"/documents/page", handler.DocumentPage)
		route(version+"/documenttypes", handler.DocumentTypes)
	}
	route("/v1/documents/summary", handler.DocumentSummaryV1)
	route("/v2/documents/summary", handler.DocumentSummaryV1)
	route("/v3/documents/summary", handler.DocumentSummaryV3)
	route("/v1/patients", handler.PatientsSearch)
	route("/v2/patients/search", handler.PatientsSearch)
	route("/v2/patients/decode", handler.PatientsDecode)
	route("/v3/folders/search", handler.FoldersSearch)
	route("/v3/folders/decode", handler.FoldersDecode)
	route("/v3/bodyparts/views", handler.BodyPartsViews)
	for _, path := range healthPaths(prefix) {
		mux.HandleFunc(path, handler.Healthcheck)
	}
	mux.Handle("/metrics", recorder.Handler())
	gateway.Routes(mux)

	rl := newRateLimiter(cfg.RateLimit)
	if rl.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rl.store.Ping(ctx); err != nil {
			logger.Warn("rate limit store unreachable", "addr", cfg.RateLimit.RedisAddr, "error", err)
		}
		cancel()
	}

	skipAuth := func(r *http.Request) bool {
		return isHealthPath(prefix, r.URL.Path) || r.URL.Path == "/metrics"
	}
	handlerChain := http.Handler(mux)
	handlerChain = auth.Middleware(auth.MiddlewareConfig{Authenticator: cfg.Authenticator, Skip: skipAuth}, handlerChain)
	handlerChain = rateLimitMiddleware(rl, clients, gateway.BasePath(), logger, handlerChain)
	handlerChain = corsMiddleware(policy, logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = recoverMiddleware(logger, handlerChain)
	handlerChain = metrics.HTTPMiddleware(recorder, handlerChain)
	handlerChain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger: logger,
		SkipPath: func(path string) bool {
			return path == "/metrics"
		},
	})(handlerChain)
	handlerChain = requestIDMiddleware(handlerChain)

	// No write timeout: PATCH bodies of large pages stream for minutes.
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      logger,
		rateLimiter: rl,
		tls: serverutil.TLSConfig{
			CertFile: strings.TrimSpace(cfg.TLS.CertFile),
			KeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
		},
	}
	if srv.tls.CertFile != "" && srv.tls.KeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return srv, nil
}

// Handler exposes the assembled middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled and then shuts down gracefully.
func (s *Server) Run(ctx context.Context, ready chan<- struct{}) error {
	defer func() {
		if err := s.rateLimiter.Close(); err != nil {
			s.logger.Warn("close rate limit store", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", s.httpServer.Addr, "tls", s.tls.CertFile != "")
	return serverutil.Run(ctx, serverutil.Config{
		Server:          s.httpServer,
		TLS:             s.tls,
		ShutdownTimeout: 30 * time.Second,
		Ready:           ready,
		Logger:          s.logger,
	})
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(strings.TrimSpace(prefix), "/")
	if prefix == "" {
		return ""
	}
	return "/" + prefix
}

func healthPaths(prefix string) []string {
	return []string{prefix + "/healthcheck", prefix + "/v1/healthcheck", prefix + "/v2/healthcheck"}
}

func isHealthPath(prefix, path string) bool {
	for _, candidate := range healthPaths(prefix) {
		if path == candidate {
			return true
		}
	}
	return false
}

// rateLimitMiddleware applies the global budget to every request and the
// per-client budget to upload session creation.
func rateLimitMiddleware(rl *rateLimiter, clients clientIPResolver, uploadBase string, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			api.WriteError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		if isUploadCreate(r, uploadBase) {
			allowed, retryAfter, err := rl.AllowCreate(r.Context(), clients.ClientIP(r))
			if err != nil {
				logging.WithContext(r.Context(), logger).Error("rate limiter failure", "error", err)
				api.WriteError(w, http.StatusServiceUnavailable, errors.New("rate limit failure"))
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int((retryAfter+time.Second-1)/time.Second)))
				}
				api.WriteError(w, http.StatusTooManyRequests, fmt.Errorf("too many uploads started, retry in %s", retryAfter.Round(time.Second)))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func isUploadCreate(r *http.Request, uploadBase string) bool {
	if r.Method != http.MethodPost {
		return false
	}
	if override := r.Header.Get("X-HTTP-Method-Override"); override != "" && !strings.EqualFold(override, http.MethodPost) {
		return false
	}
	return strings.TrimSuffix(r.URL.Path, "/") == uploadBase
}
