package camstream

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() { gin.SetMode(gin.TestMode) }

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HLS.OutputDir = t.TempDir()
	cfg.FFmpeg.Binary = "/bin/sh"
	cfg.FFmpeg.ProbeBinary = "/bin/sh"
	return cfg
}

func TestNewValidatesConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.HLS.SegmentSeconds = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("invalid config must be rejected")
	}
}

func TestAppServesAPI(t *testing.T) {
	app, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = app.Shutdown(t.Context()) })
	h := app.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != 200 {
		t.Fatalf("health = %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest("POST", "/api/camera/connect",
		strings.NewReader(`{"rtspUrl":"http://not-rtsp.example/x"}`))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	if rec.Code != 400 {
		t.Fatalf("non-rtsp URL = %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Error.Type != "invalid_url" {
		t.Fatalf("error type = %q", body.Error.Type)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/api/camera/status/nope", nil))
	if rec.Code != 404 {
		t.Fatalf("unknown session = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("metrics = %d", rec.Code)
	}
}
