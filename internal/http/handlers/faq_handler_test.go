package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/domain"
	"github.com/tbourn/go-agent-backend/internal/services"
)

func newFAQRouter(search func(query, category string) ([]services.FAQResult, error)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := New(stubPipeline{
		process: func(ctx context.Context, sid, text, tag, lang string) (*services.Reply, error) {
			return nil, nil
		},
		search: search,
	}, nil, nil, 0)
	r := gin.New()
	r.GET("/faq/search", h.SearchFAQ)
	return r
}

func TestSearchFAQ_MissingQuery(t *testing.T) {
	r := newFAQRouter(func(q, c string) ([]services.FAQResult, error) {
		t.Fatalf("SearchFAQ should not be called")
		return nil, nil
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/faq/search", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing q -> %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/faq/search?q=%20%20", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("blank q -> %d", w.Code)
	}
}

func TestSearchFAQ_Success(t *testing.T) {
	hits := []services.FAQResult{
		{Entry: domain.FAQEntry{ID: 1, Question: "Где посмотреть расписание занятий?", Answer: "На портале.", Category: "schedules"}, Score: 0.7},
	}
	var gotQ, gotCat string
	r := newFAQRouter(func(q, c string) ([]services.FAQResult, error) {
		gotQ, gotCat = q, c
		return hits, nil
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/faq/search?q=расписание+занятий&category=schedules", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("search -> %d body=%s", w.Code, w.Body.String())
	}
	if gotQ != "расписание занятий" || gotCat != "schedules" {
		t.Fatalf("args not forwarded: %q %q", gotQ, gotCat)
	}

	var resp SearchFAQResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Count != 1 || len(resp.Results) != 1 || resp.Results[0].Entry.ID != 1 {
		t.Fatalf("unexpected body: %#v", resp)
	}
}

func TestSearchFAQ_EmptyResults_NotNull(t *testing.T) {
	r := newFAQRouter(func(q, c string) ([]services.FAQResult, error) { return nil, nil })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/faq/search?q=xyz123", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("empty search -> %d", w.Code)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &raw); err != nil {
		t.Fatalf("json: %v", err)
	}
	if string(raw["results"]) != "[]" {
		t.Fatalf("results should marshal as [], got %s", raw["results"])
	}
}

func TestSearchFAQ_ErrorMappings(t *testing.T) {
	// unknown category -> 400
	r := newFAQRouter(func(q, c string) ([]services.FAQResult, error) {
		return nil, services.ErrInvalidCategory
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/faq/search?q=hi&category=nope", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid category -> %d", w.Code)
	}

	// generic error -> 500
	r = newFAQRouter(func(q, c string) ([]services.FAQResult, error) {
		return nil, gorm.ErrInvalidField
	})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/faq/search?q=hi", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("generic error -> %d", w.Code)
	}
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.Message != "search failed" {
		t.Fatalf("leaked internal error: %q", resp.Message)
	}
}
