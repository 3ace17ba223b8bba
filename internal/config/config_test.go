package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnvironDefaults(t *testing.T) {
	cfg, err := FromEnviron(nil)
	require.NoError(t, err)

	assert.Equal(t, 10805, cfg.Port)
	assert.Equal(t, ":10805", cfg.Addr())
	assert.Equal(t, "debug", cfg.DebugLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "/api-zscanner", cfg.RouterPrefix)
	assert.Equal(t, AuthenticatorNone, cfg.Authenticator)
	assert.Equal(t, StorageDemo, cfg.Storage)
	assert.Equal(t, "upload", cfg.UploadDirectory)
	assert.Equal(t, 24*time.Hour, cfg.UploadExpiration())
	assert.Equal(t, "0 * * * * *", cfg.SweepSchedule)
	assert.EqualValues(t, 1<<30, cfg.UploadMaxSize)
	assert.False(t, cfg.KeepProcessedFiles)
	assert.False(t, cfg.SeacatEnabled())

	ttl, err := cfg.SeacatTTL()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, ttl)
	assert.NoError(t, cfg.Validate())
}

func TestFromEnvironOverrides(t *testing.T) {
	cfg, err := FromEnviron([]string{
		"PORT=8080",
		"HTTP_ADDR=127.0.0.1:9000",
		"ZSCANNER_AUTHENTICATOR=seacat",
		"VERIFY_CLIENT_TAG=true",
		"SEACAT_ENDPOINT=http://seacat/client/",
		"SEACAT_USERNAME=svc",
		"SEACAT_PASSWORD=secret",
		"UPLOADER_EXPIRATION_TIME=60000",
		"UPLOADER_KEEP_PROCESSED_FILES=true",
		"RATE_LIMIT_RPS=2.5",
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Addr())
	assert.True(t, cfg.SeacatEnabled())
	assert.Equal(t, time.Minute, cfg.UploadExpiration())
	assert.True(t, cfg.KeepProcessedFiles)
	assert.InDelta(t, 2.5, cfg.RateLimitRPS, 1e-9)
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejects(t *testing.T) {
	base, err := FromEnviron(nil)
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "expiration", mutate: func(c *Config) { c.UploadExpirationMS = 0 }, want: "UPLOADER_EXPIRATION_TIME"},
		{name: "max size", mutate: func(c *Config) { c.UploadMaxSize = -1 }, want: "UPLOADER_MAX_SIZE"},
		{name: "schedule", mutate: func(c *Config) { c.SweepSchedule = "every now and then" }, want: "UPLOADER_SWEEP_SCHEDULE"},
		{name: "seacat credentials", mutate: func(c *Config) {
			c.Authenticator = AuthenticatorSeacat
			c.VerifyClientTag = true
		}, want: "SEACAT_ENDPOINT"},
		{name: "unknown authenticator", mutate: func(c *Config) { c.Authenticator = "ldap" }, want: "ZSCANNER_AUTHENTICATOR"},
		{name: "postgres dsn", mutate: func(c *Config) { c.Storage = StoragePostgres }, want: "DATABASE_URL"},
		{name: "unknown storage", mutate: func(c *Config) { c.Storage = "mongo" }, want: "ZSCANNER_STORAGE"},
		{name: "ttl", mutate: func(c *Config) { c.SeacatCacheTTL = "soon" }, want: "SEACAT_CACHE_TTL"},
		{name: "negative limit", mutate: func(c *Config) { c.RateLimitBurst = -1 }, want: "rate limits"},
		{name: "tls pair", mutate: func(c *Config) { c.TLSCertFile = "cert.pem" }, want: "TLS_KEY_FILE"},
		{name: "trusted proxies", mutate: func(c *Config) { c.TrustedProxyList = "10.0.0.0/8,lb.internal" }, want: "TRUSTED_PROXIES"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSeacatWithoutVerificationNeedsNoCredentials(t *testing.T) {
	cfg, err := FromEnviron([]string{"ZSCANNER_AUTHENTICATOR=seacat"})
	require.NoError(t, err)
	assert.NoError(t, cfg.Validate())
	assert.False(t, cfg.SeacatEnabled())
}

func TestAllowedOrigins(t *testing.T) {
	cfg, err := FromEnviron([]string{"CORS_ALLOWED_ORIGINS= https://a.example.com, ,https://b.example.com"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.AllowedOrigins())

	cfg.CORSOrigins = ""
	assert.Empty(t, cfg.AllowedOrigins())
}

func TestTrustedProxies(t *testing.T) {
	cfg, err := FromEnviron([]string{"TRUSTED_PROXIES=10.0.0.0/8, 192.168.1.10,,::1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.0/8", "192.168.1.10", "::1"}, cfg.TrustedProxies())

	cfg.TrustedProxyList = ""
	assert.Empty(t, cfg.TrustedProxies())
}

func TestLoadReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("ROUTER_PREFIX=/scanner\n"), 0o600))
	t.Setenv("ROUTER_PREFIX", "")
	require.NoError(t, os.Unsetenv("ROUTER_PREFIX"))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/scanner", cfg.RouterPrefix)
}

func TestLoadToleratesMissingEnvFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestParseSchedule(t *testing.T) {
	schedule, err := ParseSchedule("0 * * * * *")
	require.NoError(t, err)
	from := time.Date(2024, 1, 1, 10, 0, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 1, 1, 10, 1, 0, 0, time.UTC), schedule.Next(from))
}
