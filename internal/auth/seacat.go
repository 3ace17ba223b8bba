package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/blake2b"

	"zscanner-backend/internal/models"
	"zscanner-backend/internal/observability/logging"
)

// ClientTagHeader carries the seacat client tag of the calling device.
const ClientTagHeader = "X-SC-Client-Tag"

const (
	defaultSeacatCacheTTL  = 60 * time.Second
	defaultSeacatCacheSize = 1024
	defaultSeacatTimeout   = 10 * time.Second
	maxSeacatResponseBytes = 64 << 10
)

// SeacatConfig configures client tag verification against a seacat gateway.
type SeacatConfig struct {
	// Endpoint is prefixed to the bracketed client tag, e.g.
	// "http://seacat:8080/client/".
	Endpoint  string
	Username  string
	Password  string
	CacheTTL  time.Duration
	CacheSize int
	Client    *http.Client
	Logger    *slog.Logger
}

// SeacatAuthenticator verifies the X-SC-Client-Tag header by looking the tag
// up on the seacat gateway. Verified tags are cached for CacheTTL.
type SeacatAuthenticator struct {
	endpoint string
	username string
	password string
	client   *http.Client
	cache    *expirable.LRU[[blake2b.Size256]byte, string]
	logger   *slog.Logger
}

type seacatClient struct {
	UserID string `json:"userid"`
}

func NewSeacatAuthenticator(cfg SeacatConfig) (*SeacatAuthenticator, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("seacat endpoint required")
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultSeacatCacheTTL
	}
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultSeacatCacheSize
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: defaultSeacatTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &SeacatAuthenticator{
		endpoint: endpoint,
		username: cfg.Username,
		password: cfg.Password,
		client:   client,
		cache:    expirable.NewLRU[[blake2b.Size256]byte, string](size, nil, ttl),
		logger:   logging.WithComponent(logger, "auth"),
	}, nil
}

// NormalizeClientTag wraps tag in square brackets unless it already has them.
func NormalizeClientTag(tag string) string {
	if strings.Contains(tag, "[") && strings.Contains(tag, "]") {
		return tag
	}
	return "[" + tag + "]"
}

func (a *SeacatAuthenticator) Authenticate(r *http.Request) (string, error) {
	tag := strings.TrimSpace(r.Header.Get(ClientTagHeader))
	if tag == "" {
		return "", ErrUnauthenticated
	}
	tag = NormalizeClientTag(tag)
	key := blake2b.Sum256([]byte(tag))
	if user, ok := a.cache.Get(key); ok {
		return user, nil
	}

	user, err := a.lookup(r.Context(), tag)
	if err != nil {
		logging.WithContext(r.Context(), a.logger).Warn("client tag verification failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	a.cache.Add(key, user)
	return user, nil
}

func (a *SeacatAuthenticator) lookup(ctx context.Context, tag string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint+tag, nil)
	if err != nil {
		return "", fmt.Errorf("build seacat request: %w", err)
	}
	req.SetBasicAuth(a.username, a.password)
	req.Header.Set("Cache-Control", "max-age=60")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("seacat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxSeacatResponseBytes))
		return "", fmt.Errorf("seacat responded %d", resp.StatusCode)
	}
	var client seacatClient
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSeacatResponseBytes)).Decode(&client); err != nil {
		return "", fmt.Errorf("decode seacat response: %w", err)
	}
	return client.UserID, nil
}

func (a *SeacatAuthenticator) Health(context.Context) models.HealthReport {
	return models.Healthy()
}
