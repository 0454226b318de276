package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// newEnvelopeRouter wires a minimal router with a fixed request id and a
// request-scoped logger writing into buf, mirroring what the real middleware
// chain provides.
func newEnvelopeRouter(buf *bytes.Buffer, requestID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	logger := zerolog.New(buf)
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", requestID)
		c.Set("logger", &logger)
		c.Next()
	})
	return r
}

func Test_failErr_HidesDetailFromBody(t *testing.T) {
	var buf bytes.Buffer
	r := newEnvelopeRouter(&buf, "rid-proc")
	dbErr := errors.New("no such table: messages")
	r.POST("/api/v1/messages", func(c *gin.Context) {
		failErr(c, http.StatusInternalServerError, ErrCodeProcessFailed, "message processing failed", dbErr)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/messages", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.RequestID != "rid-proc" || resp.Code != ErrCodeProcessFailed || resp.Message != "message processing failed" {
		t.Fatalf("unexpected body: %+v", resp)
	}
	// Driver text must not cross the wire.
	if strings.Contains(w.Body.String(), "no such table") {
		t.Fatalf("internal error leaked into response: %s", w.Body.String())
	}
	// But it must be in the server log, at error level.
	logs := buf.String()
	if !strings.Contains(logs, `"level":"error"`) || !strings.Contains(logs, "no such table: messages") {
		t.Fatalf("expected logged detail, got: %s", logs)
	}
}

func Test_fail_500_LogsWithRequestContext(t *testing.T) {
	var buf bytes.Buffer
	r := newEnvelopeRouter(&buf, "rid-500")
	r.GET("/boom", func(c *gin.Context) {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "stats unavailable")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.RequestID != "rid-500" || resp.Code != ErrCodeInternal || resp.Message != "stats unavailable" {
		t.Fatalf("unexpected body: %+v", resp)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("expected error log, got: %s", buf.String())
	}
}

func Test_Fail_4xx_DoesNotLog(t *testing.T) {
	var buf bytes.Buffer
	r := newEnvelopeRouter(&buf, "rid-404")
	r.GET("/missing", func(c *gin.Context) {
		Fail(c, http.StatusNotFound, ErrCodeNotFound, "resource not found")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.RequestID != "rid-404" || resp.Code != ErrCodeNotFound {
		t.Fatalf("unexpected body: %+v", resp)
	}
	// Client errors are the access log's business, not the error log's.
	if buf.Len() != 0 {
		t.Fatalf("unexpected log output for 4xx: %s", buf.String())
	}
}

func Test_ok_and_noContent(t *testing.T) {
	var buf bytes.Buffer
	r := newEnvelopeRouter(&buf, "rid-ok")
	r.GET("/reply", func(c *gin.Context) {
		ok(c, http.StatusOK, gin.H{"stage": "faq", "verdict": "allow"})
	})
	r.DELETE("/gone", func(c *gin.Context) { noContent(c) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/reply", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body["stage"] != "faq" || body["verdict"] != "allow" {
		t.Fatalf("unexpected body: %#v", body)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/gone", nil))
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("expected empty 204, got %d with %q", w.Code, w.Body.String())
	}
}
