package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"waplex/cmd/internal/metrics"
)

func newTestApp(t *testing.T, mutate func(*Config)) *App {
	t.Helper()

	cfg := validConfig(t)
	cfg.HTTPAddr = "127.0.0.1:0"
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := New(t.Context(), cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { a.Manager().Shutdown(context.Background()) })
	return a
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
	return rr
}

func TestNew_WithoutBackends(t *testing.T) {
	t.Parallel()

	a := newTestApp(t, nil)
	if a.dbPool != nil || a.redis != nil {
		t.Fatalf("no backends expected")
	}
	if a.Manager().Len() != 0 {
		t.Fatalf("fresh manager has sessions")
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	cfg := validConfig(t)
	cfg.RequireArchiveEncryption = true
	if _, err := New(t.Context(), cfg, slog.New(slog.DiscardHandler)); err == nil {
		t.Fatalf("expected policy error")
	}

	cfg = validConfig(t)
	cfg.BridgeURL = "ftp://bridge"
	if _, err := New(t.Context(), cfg, slog.New(slog.DiscardHandler)); err == nil {
		t.Fatalf("expected bridge url error")
	}
}

func TestHTTP_Probes(t *testing.T) {
	t.Parallel()

	h := newTestApp(t, nil).Handler()

	if rr := get(t, h, "/healthz"); rr.Code != http.StatusOK || rr.Body.String() != "ok\n" {
		t.Fatalf("healthz: %d %q", rr.Code, rr.Body.String())
	}
	rr := get(t, h, "/readyz")
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rr.Code)
	}
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Fatalf("request id header missing")
	}
}

func TestHTTP_ReadyzRequiresDB(t *testing.T) {
	t.Parallel()

	h := newTestApp(t, func(c *Config) { c.ReadinessRequireDB = true }).Handler()
	if rr := get(t, h, "/readyz"); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz: %d", rr.Code)
	}
}

func TestHTTP_MetricsAndHealth(t *testing.T) {
	t.Parallel()

	h := newTestApp(t, nil).Handler()

	rr := get(t, h, "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	for _, want := range []string{"waplex_health_score", "go_goroutines"} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}

	rr = get(t, h, "/v1/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("health: %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}
	var rep metrics.Report
	if err := json.Unmarshal(rr.Body.Bytes(), &rep); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rep.Aggregate.HealthScore != 100 || rep.Aggregate.Status != metrics.HealthHealthy {
		t.Fatalf("empty node should be healthy: %+v", rep.Aggregate)
	}

	rr = get(t, h, "/v1/health/acct-1")
	var one metrics.SessionMetrics
	if err := json.Unmarshal(rr.Body.Bytes(), &one); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if one.ID != "acct-1" || one.Connected {
		t.Fatalf("unexpected session metrics: %+v", one)
	}
}
