package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// captureLogger swaps the global logger for a buffer for the duration of a
// test so assertions can inspect emitted JSON lines.
func captureLogger(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })
	log.Logger = zerolog.New(&buf)
	return &buf
}

func TestRequestID_GeneratesAndPropagates(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID())
	r.POST("/api/v1/messages", func(c *gin.Context) {
		if v, ok := c.Get(requestIDKey); !ok || v == "" {
			t.Fatalf("request id missing from context")
		}
		c.Status(http.StatusOK)
	})

	// Absent header: a fresh id is minted.
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil))
	if w.Header().Get(requestIDHeader) == "" {
		t.Fatalf("expected generated %s header", requestIDHeader)
	}

	// Client-supplied id is echoed back, whatever the header casing.
	for _, hdr := range []string{requestIDHeader, strings.ToLower(requestIDHeader)} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil)
		req.Header.Set(hdr, "client-rid-7")
		r.ServeHTTP(w, req)
		if got := w.Header().Get(requestIDHeader); got != "client-rid-7" {
			t.Fatalf("header %q: propagated id = %q", hdr, got)
		}
	}
}

func TestLogger_LevelsSessionFieldAndPathFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID())
	r.Use(Logger())
	r.POST("/api/v1/messages", func(c *gin.Context) { c.String(http.StatusOK, "{}") })
	r.GET("/broken", func(c *gin.Context) {
		_ = c.Error(errSentinel{})
		c.Status(http.StatusBadRequest)
	})

	// 200 with a session header: info line carrying session_id.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil)
	req.Header.Set(HeaderSessionID, "s-314")
	r.ServeHTTP(httptest.NewRecorder(), req)

	// Unmatched route: warn line, raw path fallback.
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/missing", nil))

	// Gin-collected error wins over the 4xx status: error line.
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/broken", nil))

	logs := buf.String()
	if !strings.Contains(logs, `"level":"info"`) || !strings.Contains(logs, `"path":"/api/v1/messages"`) {
		t.Fatalf("expected info log with route path:\n%s", logs)
	}
	if !strings.Contains(logs, `"session_id":"s-314"`) {
		t.Fatalf("expected session_id field from %s header:\n%s", HeaderSessionID, logs)
	}
	if !strings.Contains(logs, `"level":"warn"`) || !strings.Contains(logs, `"path":"/missing"`) {
		t.Fatalf("expected warn log with raw path fallback:\n%s", logs)
	}
	if !strings.Contains(logs, `"level":"error"`) {
		t.Fatalf("expected error log for request with gin errors:\n%s", logs)
	}
}

type errSentinel struct{}

func (e errSentinel) Error() string { return "boom" }

func TestRecovery_PanicBecomesJSON500(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID())
	r.Use(Logger())
	r.Use(Recovery())
	r.POST("/api/v1/messages", func(c *gin.Context) { panic("pipeline exploded") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json body: %v", err)
	}
	if body["code"] != "internal_error" || body["message"] != "internal server error" {
		t.Fatalf("unexpected body: %v", body)
	}
	if body["request_id"] == "" {
		t.Fatalf("panic response must keep the request id")
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("expected panic log with stack:\n%s", buf.String())
	}
}

func TestRecovery_PanicAfterWriteSkipsJSONBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	buf := captureLogger(t)

	r := gin.New()
	r.Use(RequestID())
	r.Use(Recovery())
	r.GET("/stream", func(c *gin.Context) {
		c.String(http.StatusOK, "partial")
		panic("late failure")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream", nil))

	// The partial body was already flushed; Recovery must not append the
	// JSON error envelope after it.
	if strings.Contains(w.Body.String(), "internal server error") {
		t.Fatalf("JSON error body written after partial response: %q", w.Body.String())
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Fatalf("expected panic log:\n%s", buf.String())
	}
}

func TestLoggerFrom_RequestScopedAndFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)

	// Without Logger() the fallback logger has no request fields.
	buf1 := captureLogger(t)
	r1 := gin.New()
	r1.Use(RequestID())
	r1.GET("/x", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("bare")
		c.Status(http.StatusOK)
	})
	r1.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	if out := buf1.String(); !strings.Contains(out, `"message":"bare"`) || strings.Contains(out, `"request_id"`) {
		t.Fatalf("fallback logger output unexpected:\n%s", out)
	}

	// With Logger() installed the request-scoped fields come along.
	buf2 := captureLogger(t)
	r2 := gin.New()
	r2.Use(RequestID())
	r2.Use(Logger())
	r2.GET("/x", func(c *gin.Context) {
		LoggerFrom(c).Info().Msg("scoped")
		c.Status(http.StatusOK)
	})
	r2.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
	if out := buf2.String(); !strings.Contains(out, `"message":"scoped"`) || !strings.Contains(out, `"request_id"`) {
		t.Fatalf("request-scoped logger output unexpected:\n%s", out)
	}
}

func TestHelpers_asStringAndTruncate(t *testing.T) {
	if asString("x") != "x" || asString(42) != "" {
		t.Fatalf("asString failed")
	}
	if truncate("query", 10) != "query" {
		t.Fatalf("truncate must be a no-op under the cap")
	}
	if got := truncate("abcdefgh", 5); got != "abcde…" {
		t.Fatalf("truncate = %q", got)
	}
	if truncate("abc", 0) != "abc" {
		t.Fatalf("non-positive cap must disable truncation")
	}
}
