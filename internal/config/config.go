// Package config loads the server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/netip"
	"strconv"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

const (
	AuthenticatorNone   = "none"
	AuthenticatorSeacat = "seacat"

	StorageDemo     = "demo"
	StoragePostgres = "postgres"
)

// Config is the full server configuration. Field tags name the environment
// variable and its default.
type Config struct {
	Port         int    `env:"PORT,default=10805"`
	HTTPAddr     string `env:"HTTP_ADDR"`
	DebugLevel   string `env:"DEBUG_LEVEL,default=debug"`
	LogFormat    string `env:"LOG_FORMAT,default=json"`
	RouterPrefix string `env:"ROUTER_PREFIX,default=/api-zscanner"`
	CORSOrigins  string `env:"CORS_ALLOWED_ORIGINS"`
	TLSCertFile  string `env:"TLS_CERT_FILE"`
	TLSKeyFile   string `env:"TLS_KEY_FILE"`

	Authenticator   string `env:"ZSCANNER_AUTHENTICATOR,default=none"`
	VerifyClientTag bool   `env:"VERIFY_CLIENT_TAG,default=false"`
	SeacatEndpoint  string `env:"SEACAT_ENDPOINT"`
	SeacatUsername  string `env:"SEACAT_USERNAME"`
	SeacatPassword  string `env:"SEACAT_PASSWORD"`
	SeacatCacheTTL  string `env:"SEACAT_CACHE_TTL,default=60s"`

	Storage     string `env:"ZSCANNER_STORAGE,default=demo"`
	DatabaseURL string `env:"DATABASE_URL"`

	UploadDirectory      string `env:"UPLOADER_DIRECTORY,default=upload"`
	UploadExpirationMS   int64  `env:"UPLOADER_EXPIRATION_TIME,default=86400000"`
	SweepSchedule        string `env:"UPLOADER_SWEEP_SCHEDULE,default=0 * * * * *"`
	UploadMaxSize        int64  `env:"UPLOADER_MAX_SIZE,default=1073741824"`
	KeepProcessedFiles   bool   `env:"UPLOADER_KEEP_PROCESSED_FILES,default=false"`
	CreateLimitPerMinute int    `env:"UPLOAD_CREATE_LIMIT_PER_MINUTE,default=0"`

	ArchiveEndpoint  string `env:"ARCHIVE_ENDPOINT"`
	ArchiveBucket    string `env:"ARCHIVE_BUCKET"`
	ArchiveAccessKey string `env:"ARCHIVE_ACCESS_KEY"`
	ArchiveSecretKey string `env:"ARCHIVE_SECRET_KEY"`
	ArchiveUseSSL    bool   `env:"ARCHIVE_USE_SSL,default=false"`
	ArchivePrefix    string `env:"ARCHIVE_PREFIX"`

	TrustedProxyList string `env:"TRUSTED_PROXIES"`

	RedisAddr      string  `env:"REDIS_ADDR"`
	RedisPassword  string  `env:"REDIS_PASSWORD"`
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS,default=0"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST,default=0"`
}

var scheduleParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Load reads envFile into the process environment when it exists and then
// decodes the environment. An empty envFile skips the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// FromEnviron decodes cfg from KEY=VALUE pairs instead of the process
// environment.
func FromEnviron(environ []string) (Config, error) {
	set, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	var cfg Config
	if err := env.Unmarshal(set, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// Validate reports every configuration problem at once.
func (c Config) Validate() error {
	var problems []error
	if c.UploadExpirationMS <= 0 {
		problems = append(problems, errors.New("UPLOADER_EXPIRATION_TIME must be positive"))
	}
	if c.UploadMaxSize <= 0 {
		problems = append(problems, errors.New("UPLOADER_MAX_SIZE must be positive"))
	}
	if strings.TrimSpace(c.UploadDirectory) == "" {
		problems = append(problems, errors.New("UPLOADER_DIRECTORY must not be empty"))
	}
	if _, err := scheduleParser.Parse(c.SweepSchedule); err != nil {
		problems = append(problems, fmt.Errorf("UPLOADER_SWEEP_SCHEDULE: %w", err))
	}

	switch c.Authenticator {
	case AuthenticatorNone:
	case AuthenticatorSeacat:
		if c.VerifyClientTag && (c.SeacatEndpoint == "" || c.SeacatUsername == "" || c.SeacatPassword == "") {
			problems = append(problems, errors.New("seacat authenticator requires SEACAT_ENDPOINT, SEACAT_USERNAME and SEACAT_PASSWORD"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown ZSCANNER_AUTHENTICATOR %q", c.Authenticator))
	}
	if _, err := c.SeacatTTL(); err != nil {
		problems = append(problems, err)
	}

	switch c.Storage {
	case StorageDemo:
	case StoragePostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			problems = append(problems, errors.New("postgres storage requires DATABASE_URL"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown ZSCANNER_STORAGE %q", c.Storage))
	}

	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 || c.CreateLimitPerMinute < 0 {
		problems = append(problems, errors.New("rate limits must not be negative"))
	}
	for _, entry := range c.TrustedProxies() {
		var err error
		if strings.Contains(entry, "/") {
			_, err = netip.ParsePrefix(entry)
		} else {
			_, err = netip.ParseAddr(entry)
		}
		if err != nil {
			problems = append(problems, fmt.Errorf("TRUSTED_PROXIES: %w", err))
		}
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		problems = append(problems, errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together"))
	}
	if c.Port <= 0 && c.HTTPAddr == "" {
		problems = append(problems, errors.New("PORT must be positive"))
	}
	return errors.Join(problems...)
}

// Addr is the listen address: HTTP_ADDR when set, otherwise ":PORT".
func (c Config) Addr() string {
	if addr := strings.TrimSpace(c.HTTPAddr); addr != "" {
		return addr
	}
	return net.JoinHostPort("", strconv.Itoa(c.Port))
}

// UploadExpiration is UPLOADER_EXPIRATION_TIME as a duration.
func (c Config) UploadExpiration() time.Duration {
	return time.Duration(c.UploadExpirationMS) * time.Millisecond
}

// SeacatEnabled reports whether client tags are verified against seacat.
func (c Config) SeacatEnabled() bool {
	return c.Authenticator == AuthenticatorSeacat && c.VerifyClientTag
}

// SeacatTTL parses SEACAT_CACHE_TTL.
func (c Config) SeacatTTL() (time.Duration, error) {
	if strings.TrimSpace(c.SeacatCacheTTL) == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(c.SeacatCacheTTL)
	if err != nil {
		return 0, fmt.Errorf("SEACAT_CACHE_TTL: %w", err)
	}
	return ttl, nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	return splitList(c.CORSOrigins)
}

func splitList(raw string) []string {
	var items []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

// TrustedProxies splits TRUSTED_PROXIES on commas.
func (c Config) TrustedProxies() []string {
	return splitList(c.TrustedProxyList)
}

// ParseSchedule parses a sweep schedule the way Validate does.
func ParseSchedule(spec string) (cron.Schedule, error) {
	return scheduleParser.Parse(spec)
}
