package web

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"emberlink/config"
	"emberlink/engine"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.OPCUA.Enabled = false
	cfg.TickRate = time.Hour

	e := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: filepath.Join(t.TempDir(), "config.yaml"),
	})
	e.Start()
	t.Cleanup(e.Stop)

	s := NewServer(&cfg.Web, e)
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestAPIMountedUnderPrefix(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/health", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("GET /api/health = %d, want 200", rec.Code)
	}
}

func TestCORSHeaders(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("GET", "/api/tags", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q, want *", got)
	}
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest("OPTIONS", "/api/tags", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("OPTIONS = %d, want 200", rec.Code)
	}
}

func TestIsRunningLifecycle(t *testing.T) {
	s := newTestServer(t)

	if s.IsRunning() {
		t.Error("server reports running before Start")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}

func TestAddress(t *testing.T) {
	s := newTestServer(t)

	want := "http://0.0.0.0:8080"
	if got := s.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
