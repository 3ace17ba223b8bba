package server

import (
	"compress/gzip"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"zscanner-backend/internal/api"
	"zscanner-backend/internal/models"
	"zscanner-backend/internal/observability/metrics"
	"zscanner-backend/internal/storage"
	"zscanner-backend/internal/upload"
)

const testPrefix = "/api-zscanner"

type staticAuthenticator struct {
	user string
	err  error
}

func (a staticAuthenticator) Authenticate(*http.Request) (string, error) { return a.user, a.err }

func (a staticAuthenticator) Health(context.Context) models.HealthReport { return models.Healthy() }

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	fs := afero.NewMemMapFs()
	gateway, err := upload.NewGateway(upload.Config{
		BasePath:  testPrefix + "/upload",
		Directory: "upload",
		Fs:        fs,
	})
	if err != nil {
		t.Fatalf("NewGateway error: %v", err)
	}
	handler, err := api.NewHandler(api.Config{
		Documents: storage.NewDemoDocumentStorage(fs, nil),
		Blobs:     gateway.Blobs(),
	})
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}
	handler.RegisterUploadTypes(gateway)

	if cfg.RouterPrefix == "" {
		cfg.RouterPrefix = testPrefix
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	srv, err := New(handler, gateway, cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return srv
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewRequiresHandlerAndGateway(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, nil, Config{}); err == nil {
		t.Fatal("expected error when handler is nil")
	}
	gateway, err := upload.NewGateway(upload.Config{BasePath: "/upload", Directory: "upload", Fs: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("NewGateway error: %v", err)
	}
	handler, err := api.NewHandler(api.Config{
		Documents: storage.NewDemoDocumentStorage(afero.NewMemMapFs(), nil),
		Blobs:     gateway.Blobs(),
	})
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}
	if _, err := New(handler, nil, Config{}); err == nil {
		t.Fatal("expected error when gateway is nil")
	}
}

func TestServerRoutesREST(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{})

	for _, tc := range []struct {
		path   string
		status int
	}{
		{path: "/healthcheck", status: http.StatusOK},
		{path: "/v1/healthcheck", status: http.StatusOK},
		{path: "/v2/healthcheck", status: http.StatusOK},
		{path: "/v1/documenttypes", status: http.StatusOK},
		{path: "/v2/documenttypes", status: http.StatusOK},
		{path: "/v3/documenttypes", status: http.StatusOK},
		{path: "/v1/patients?query=chadima", status: http.StatusOK},
		{path: "/v2/patients/search?query=chadima", status: http.StatusOK},
		{path: "/v2/patients/decode?query=124587113", status: http.StatusOK},
		{path: "/v3/folders/search?query=chadima", status: http.StatusOK},
		{path: "/v3/folders/decode?query=124587113", status: http.StatusOK},
		{path: "/v3/folders/decode?query=000", status: http.StatusNotFound},
		{path: "/v3/bodyparts/views", status: http.StatusOK},
		{path: "/v4/documenttypes", status: http.StatusNotFound},
	} {
		t.Run(tc.path, func(t *testing.T) {
			rec := serve(srv, httptest.NewRequest(http.MethodGet, testPrefix+tc.path, nil))
			if rec.Code != tc.status {
				t.Fatalf("GET %s = %d, want %d (body %s)", tc.path, rec.Code, tc.status, rec.Body.String())
			}
		})
	}
}

func TestServerSetsRequestIDAndSecurityHeaders(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, testPrefix+"/healthcheck", nil))

	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected a generated request id")
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("X-Content-Type-Options = %q, want nosniff", got)
	}
}

func TestServerCompressesJSONRoutes(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodGet, testPrefix+"/v3/documenttypes", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := serve(srv, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Content-Encoding"); got != "gzip" {
		t.Fatalf("Content-Encoding = %q, want gzip", got)
	}
	reader, err := gzip.NewReader(rec.Body)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	var types []models.DocumentType
	if err := json.NewDecoder(reader).Decode(&types); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(types) != len(storage.DemoDocumentTypes) {
		t.Fatalf("got %d document types, want %d", len(types), len(storage.DemoDocumentTypes))
	}
}

func TestServerMountsUploadGateway(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{})

	req := httptest.NewRequest(http.MethodOptions, testPrefix+"/upload", nil)
	rec := serve(srv, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("OPTIONS status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Tus-Version"); got != upload.TusVersion {
		t.Fatalf("Tus-Version = %q, want %q", got, upload.TusVersion)
	}

	req = newCreateRequest(testPrefix + "/upload")
	rec = serve(srv, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Header().Get("Location"), testPrefix+"/upload/") {
		t.Fatalf("unexpected location %q", rec.Header().Get("Location"))
	}
}

func newCreateRequest(path string) *http.Request {
	encode := func(v string) string { return base64.StdEncoding.EncodeToString([]byte(v)) }
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.Header.Set("Tus-Resumable", upload.TusVersion)
	req.Header.Set("Upload-Length", "4")
	req.Header.Set("Upload-Metadata", strings.Join([]string{
		"uploadType " + encode("page"),
		"correlation " + encode("corr-1"),
		"pageIndex " + encode("0"),
		"filetype " + encode("image/png"),
	}, ","))
	return req
}

func TestServerAuthenticationSkipsHealthAndMetrics(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{Authenticator: staticAuthenticator{err: errors.New("nope")}})

	for _, path := range []string{testPrefix + "/healthcheck", testPrefix + "/v2/healthcheck", "/metrics"} {
		rec := serve(srv, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s = %d, want 200", path, rec.Code)
		}
	}

	rec := serve(srv, httptest.NewRequest(http.MethodGet, testPrefix+"/v3/documenttypes", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	var payload map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["error"] != "invalid-client-tag" {
		t.Fatalf("error = %q, want invalid-client-tag", payload["error"])
	}

	rec = serve(srv, newCreateRequest(testPrefix+"/upload"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("upload create status = %d, want 401", rec.Code)
	}
}

func TestServerExposesMetrics(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{})

	serve(srv, httptest.NewRequest(http.MethodGet, testPrefix+"/v1/documenttypes", nil))
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "zscanner_http_requests_total") {
		t.Fatalf("metrics output missing request counter:\n%s", body)
	}
}

func TestServerLimitsUploadCreationPerClient(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{CreateLimit: 1}})

	first := newCreateRequest(testPrefix + "/upload")
	first.RemoteAddr = "10.0.0.1:1234"
	if rec := serve(srv, first); rec.Code != http.StatusCreated {
		t.Fatalf("first create = %d, want 201", rec.Code)
	}

	second := newCreateRequest(testPrefix + "/upload")
	second.RemoteAddr = "10.0.0.1:1235"
	rec := serve(srv, second)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second create = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	other := newCreateRequest(testPrefix + "/upload")
	other.RemoteAddr = "10.0.0.2:1234"
	if rec := serve(srv, other); rec.Code != http.StatusCreated {
		t.Fatalf("create from another client = %d, want 201", rec.Code)
	}

	docTypes := httptest.NewRequest(http.MethodGet, testPrefix+"/v3/documenttypes", nil)
	docTypes.RemoteAddr = "10.0.0.1:1236"
	if rec := serve(srv, docTypes); rec.Code != http.StatusOK {
		t.Fatalf("non-create request = %d, want 200", rec.Code)
	}
}

func TestServerGlobalRateLimit(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{GlobalRPS: 0.001, GlobalBurst: 1}})

	if rec := serve(srv, httptest.NewRequest(http.MethodGet, testPrefix+"/healthcheck", nil)); rec.Code != http.StatusOK {
		t.Fatalf("first request = %d, want 200", rec.Code)
	}
	if rec := serve(srv, httptest.NewRequest(http.MethodGet, testPrefix+"/healthcheck", nil)); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
}

func TestServerIgnoresSpoofedForwardedForFromUntrustedPeers(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{RateLimit: RateLimitConfig{CreateLimit: 1}})

	for i, spoofed := range []string{"203.0.113.1", "203.0.113.2"} {
		req := newCreateRequest(testPrefix + "/upload")
		req.RemoteAddr = "198.51.100.7:1234"
		req.Header.Set("X-Forwarded-For", spoofed)
		rec := serve(srv, req)
		want := http.StatusCreated
		if i > 0 {
			want = http.StatusTooManyRequests
		}
		if rec.Code != want {
			t.Fatalf("create %d with X-Forwarded-For %s = %d, want %d", i, spoofed, rec.Code, want)
		}
	}
}

func TestServerHonorsForwardedForFromTrustedProxy(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{
		RateLimit:      RateLimitConfig{CreateLimit: 1},
		TrustedProxies: []string{"10.0.0.0/8"},
	})

	for _, client := range []string{"203.0.113.1", "203.0.113.2"} {
		req := newCreateRequest(testPrefix + "/upload")
		req.RemoteAddr = "10.0.0.9:1234"
		req.Header.Set("X-Forwarded-For", client)
		if rec := serve(srv, req); rec.Code != http.StatusCreated {
			t.Fatalf("create for %s through proxy = %d, want 201", client, rec.Code)
		}
	}
}

func TestNewRejectsInvalidTrustedProxy(t *testing.T) {
	t.Parallel()
	gateway, err := upload.NewGateway(upload.Config{BasePath: "/upload", Directory: "upload", Fs: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("NewGateway error: %v", err)
	}
	handler, err := api.NewHandler(api.Config{Documents: storage.NewDemoDocumentStorage(afero.NewMemMapFs(), nil), Blobs: gateway.Blobs()})
	if err != nil {
		t.Fatalf("NewHandler error: %v", err)
	}
	if _, err := New(handler, gateway, Config{TrustedProxies: []string{"not-an-ip"}, Metrics: metrics.New()}); err == nil {
		t.Fatal("expected error for invalid trusted proxy")
	}
}

type panickingAuthenticator struct{}

func (panickingAuthenticator) Authenticate(*http.Request) (string, error) { panic("tag cache corrupted") }

func (panickingAuthenticator) Health(context.Context) models.HealthReport { return models.Healthy() }

func TestServerRecoversFromPanics(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, Config{Authenticator: panickingAuthenticator{}})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, testPrefix+"/v3/documenttypes", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Fatal("expected request id on the recovered response")
	}
	if body := rec.Body.String(); !strings.Contains(body, "internal server error") || strings.Contains(body, "tag cache") {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestIsUploadCreate(t *testing.T) {
	t.Parallel()

	post := httptest.NewRequest(http.MethodPost, "/upload/", nil)
	if !isUploadCreate(post, "/upload") {
		t.Fatal("expected POST to the collection to count as a create")
	}
	patch := httptest.NewRequest(http.MethodPost, "/upload/abc", nil)
	if isUploadCreate(patch, "/upload") {
		t.Fatal("POST to a session is not a create")
	}
	override := httptest.NewRequest(http.MethodPost, "/upload", nil)
	override.Header.Set("X-HTTP-Method-Override", "PATCH")
	if isUploadCreate(override, "/upload") {
		t.Fatal("overridden POST is not a create")
	}
}
