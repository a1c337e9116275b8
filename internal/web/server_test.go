package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JonMunkholm/certledger/internal/config"
	"github.com/JonMunkholm/certledger/internal/importer"
	"github.com/JonMunkholm/certledger/internal/metrics"
	"github.com/JonMunkholm/certledger/internal/ratelimit"
	"github.com/JonMunkholm/certledger/internal/records"
	"github.com/JonMunkholm/certledger/internal/resolver"
	"github.com/JonMunkholm/certledger/internal/sequence"
	"github.com/JonMunkholm/certledger/internal/store"
)

func TestMain(m *testing.M) {
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	os.Exit(m.Run())
}

type testEnv struct {
	server *Server
	store  *store.MemoryStore
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{RequestTimeout: 5 * time.Second},
		Import: config.ImportConfig{
			MaxFileSize:         1 << 20,
			MaxConcurrent:       2,
			MaxWaitTime:         50 * time.Millisecond,
			Timeout:             5 * time.Second,
			AllocationRetries:   3,
			MaxHeaderSearchRows: 20,
		},
	}
}

func newTestEnv(t *testing.T, tweak func(*config.Config, *Deps)) *testEnv {
	t.Helper()
	cfg := testConfig()
	st := store.NewMemoryStore()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	res := resolver.New(st, resolver.WithMetrics(m))
	alloc := sequence.New(st, sequence.WithMetrics(m))
	deps := Deps{
		Store:      st,
		Resolver:   res,
		Allocator:  alloc,
		Reconciler: importer.New(st, res, alloc, importer.WithMetrics(m)),
		Gatherer:   reg,
		Checks: map[string]HealthCheck{
			"store": func(context.Context) error { return nil },
		},
	}
	if tweak != nil {
		tweak(cfg, &deps)
	}

	ctx := context.Background()
	course := records.Course{ID: "LM-2025", Name: "Liderazgo Moderno", Year: 2025, Origin: records.OriginNuevo, Status: records.StatusActive}
	if err := st.InsertIfAbsent(ctx, records.CollectionCourses, course.ID, records.CourseDocument(course)); err != nil {
		t.Fatal(err)
	}
	return &testEnv{server: NewServer(cfg, deps), store: st}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestImport_JSONRows(t *testing.T) {
	env := newTestEnv(t, nil)

	body := `{"rows":[
		{"Nombre Completo":"Ana Ruiz","ID del Curso":"LM-2025","Año":2025},
		{"Nombre Completo":"","ID del Curso":"LM-2025"},
		"not an object"
	]}`
	rec := env.do(jsonRequest(http.MethodPost, "/api/import", body))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	result := decode[importer.ImportResult](t, rec)
	if result.TotalRows != 3 || result.SuccessCount != 1 || len(result.Errors) != 2 {
		t.Fatalf("result = %+v", result)
	}
	if result.Errors[0].Row != 3 || result.Errors[0].Code != "VAL001" {
		t.Errorf("first error = %+v, want row 3 VAL001", result.Errors[0])
	}
}

func TestImport_MalformedBatch(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, body := range []string{`{"rows":{"a":"b"}}`, `{"rows":"x"}`, `{}`, `{"rows":null}`, `not json`} {
		t.Run(body, func(t *testing.T) {
			rec := env.do(jsonRequest(http.MethodPost, "/api/import", body))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if resp := decode[ErrorResponse](t, rec); resp.Code != "VAL006" {
				t.Errorf("code = %q, want VAL006", resp.Code)
			}
		})
	}
}

func TestImport_MultipartCSV(t *testing.T) {
	env := newTestEnv(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "cohorte.csv")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(fw, "Reporte de asistencia\n\nNombre Completo,ID del Curso\nAna Ruiz,LM-2025\nLuis Paz,LM-2025\n")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	result := decode[importer.ImportResult](t, rec)
	if result.Inserted != 2 {
		t.Fatalf("result = %+v", result)
	}

	hist := env.do(httptest.NewRequest(http.MethodGet, "/api/imports/"+result.BatchID, nil))
	if rec := decode[importer.BatchRecord](t, hist); hist.Code != http.StatusOK || rec.Inserted != 2 {
		t.Errorf("history = %d %+v", hist.Code, rec)
	}
	if missing := env.do(httptest.NewRequest(http.MethodGet, "/api/imports/nope", nil)); missing.Code != http.StatusNotFound {
		t.Errorf("missing batch status = %d, want 404", missing.Code)
	}

	next := env.do(httptest.NewRequest(http.MethodGet, "/api/courses/LM-2025/next-code", nil))
	if got := decode[NextCodeResponse](t, next).Code; got != "LM-2025-03" {
		t.Errorf("next code after import = %q, want LM-2025-03", got)
	}
}

func TestImport_MultipartWithoutFile(t *testing.T) {
	env := newTestEnv(t, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("note", "no file")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/import", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if rec := env.do(req); rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestImport_CSVErrors(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"empty", "", "IMP002"},
		{"no header", "a,b\n1,2\n", "IMP003"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/import", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "text/csv")
			rec := env.do(req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if resp := decode[ErrorResponse](t, rec); resp.Code != tt.code {
				t.Errorf("code = %q, want %s", resp.Code, tt.code)
			}
		})
	}
}

func TestImport_TooLarge(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, _ *Deps) {
		cfg.Import.MaxFileSize = 64
	})

	body := `{"rows":[{"Nombre Completo":"` + strings.Repeat("x", 200) + `"}]}`
	rec := env.do(jsonRequest(http.MethodPost, "/api/import", body))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d, want 413", rec.Code)
	}
	if resp := decode[ErrorResponse](t, rec); resp.Code != "IMP005" {
		t.Errorf("code = %q, want IMP005", resp.Code)
	}
}

func TestImport_HTMXFragment(t *testing.T) {
	env := newTestEnv(t, nil)

	req := jsonRequest(http.MethodPost, "/api/import", `{"rows":[{"Nombre":"Ana","Código":"LM-2025"}]}`)
	req.Header.Set("HX-Request", "true")
	rec := env.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "1 of 1 rows imported") {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestImport_Busy(t *testing.T) {
	limiter := importer.NewLimiter(1, 20*time.Millisecond)
	env := newTestEnv(t, func(_ *config.Config, d *Deps) { d.Imports = limiter })

	if err := limiter.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer limiter.Release()

	rec := env.do(jsonRequest(http.MethodPost, "/api/import", `{"rows":[]}`))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if resp := decode[ErrorResponse](t, rec); resp.Code != "IMP001" {
		t.Errorf("code = %q, want IMP001", resp.Code)
	}

	status := decode[importer.LimiterStatus](t, env.do(httptest.NewRequest(http.MethodGet, "/api/import/status", nil)))
	if status.Active != 1 || status.MaxConcurrent != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestResolveCourse(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"key", "/api/courses/resolve?code=LM-2025", http.StatusOK, ""},
		{"missing", "/api/courses/resolve", http.StatusBadRequest, ""},
		{"unknown", "/api/courses/resolve?code=ZZ-2025", http.StatusNotFound, "CRS001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(http.MethodGet, tt.target, nil))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			switch {
			case tt.status == http.StatusOK:
				resp := decode[CourseResponse](t, rec)
				if resp.Course.ID != "LM-2025" || resp.Match != resolver.MatchKey {
					t.Errorf("response = %+v", resp)
				}
			case tt.code != "":
				if resp := decode[ErrorResponse](t, rec); resp.Code != tt.code {
					t.Errorf("code = %q, want %s", resp.Code, tt.code)
				}
			}
		})
	}
}

func TestNextCode(t *testing.T) {
	env := newTestEnv(t, nil)
	cert := records.Certificate{ID: "c1", CourseRef: "LM-2025", CertificateCode: "LM-2025-01", FullName: "Ana", Year: 2025}
	if err := env.store.InsertIfAbsent(context.Background(), records.CollectionCertificates, cert.ID, records.CertificateDocument(cert)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		target string
		status int
		code   string
	}{
		{"course scope", "/api/courses/LM-2025/next-code", http.StatusOK, "LM-2025-02"},
		{"year override", "/api/courses/LM-2025/next-code?year=2026", http.StatusOK, "LM-2026-01"},
		{"edition override", "/api/courses/LM-2025/next-code?edition=3", http.StatusOK, "LM-3-2025-01"},
		{"bad year", "/api/courses/LM-2025/next-code?year=dos", http.StatusBadRequest, ""},
		{"unknown course", "/api/courses/ZZ-2025/next-code", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(httptest.NewRequest(http.MethodGet, tt.target, nil))
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body.String())
			}
			if tt.code != "" {
				if got := decode[NextCodeResponse](t, rec).Code; got != tt.code {
					t.Errorf("code = %q, want %q", got, tt.code)
				}
			}
		})
	}

	// Previews never claim.
	again := env.do(httptest.NewRequest(http.MethodGet, "/api/courses/LM-2025/next-code", nil))
	if got := decode[NextCodeResponse](t, again).Code; got != "LM-2025-02" {
		t.Errorf("second preview = %q, want LM-2025-02", got)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp := decode[HealthResponse](t, rec); resp.Status != "ok" || resp.Checks["store"] != "ok" {
		t.Errorf("response = %+v", resp)
	}

	down := newTestEnv(t, func(_ *config.Config, d *Deps) {
		d.Checks["redis"] = func(context.Context) error { return errors.New("connection refused") }
	})
	rec = down.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if resp := decode[HealthResponse](t, rec); resp.Status != "degraded" || resp.Checks["redis"] != "connection refused" {
		t.Errorf("response = %+v", resp)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.do(jsonRequest(http.MethodPost, "/api/import", `{"rows":[{"Nombre":"Ana","Curso":"Taller Nuevo","Año":"2025"}]}`))

	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, want := range []string{
		`certledger_import_rows_total{outcome="inserted"} 1`,
		"certledger_courses_created_total 1",
		"certledger_import_batches_total 1",
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestAPIKeyRequired(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config, _ *Deps) {
		cfg.Security = config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}
	})

	if rec := env.do(httptest.NewRequest(http.MethodGet, "/api/import/status", nil)); rec.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/import/status", nil)
	req.Header.Set("X-API-Key", "secret")
	if rec := env.do(req); rec.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", rec.Code)
	}
	if rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Errorf("healthz: status = %d, want 200", rec.Code)
	}
}

func TestRateLimited(t *testing.T) {
	counter := ratelimit.NewMemoryCounter(0)
	defer counter.Close()
	limiter, err := ratelimit.New(counter, 1, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, func(_ *config.Config, d *Deps) { d.RateLimit = limiter })

	env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
}

func TestSecurityHeaders(t *testing.T) {
	env := newTestEnv(t, nil)
	rec := env.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	for _, h := range []string{"X-Content-Type-Options", "X-Frame-Options", "Content-Security-Policy"} {
		if rec.Header().Get(h) == "" {
			t.Errorf("%s header missing", h)
		}
	}
}
