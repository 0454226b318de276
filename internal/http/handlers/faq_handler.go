// FAQ HTTP handlers.
//
// This file exposes read-only access to the knowledge-base matcher:
//   - GET /faq/search   (rank FAQ entries against a free-text query)
//
// The endpoint searches the same in-memory snapshot the pipeline uses, so
// operators can inspect exactly what a user's question would match.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-agent-backend/internal/services"
)

// SearchFAQResponse wraps ranked knowledge-base hits.
type SearchFAQResponse struct {
	Query   string               `json:"query"`
	Results []services.FAQResult `json:"results"`
	Count   int                  `json:"count"`
}

// SearchFAQ godoc
// @ID          searchFAQ
// @Summary     Search the FAQ knowledge base
// @Description Ranks active FAQ entries against the query using the same
// @Description matcher the pipeline uses. No moderation is applied and
// @Description nothing is persisted.
// @Tags        FAQ
// @Produce     json
//
// @Param       q         query  string  true   "Free-text query"
// @Param       category  query  string  false  "Restrict to one category"
//
// @Success     200  {object}  handlers.SearchFAQResponse
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Router      /faq/search [get]
func (h *Handlers) SearchFAQ(c *gin.Context) {
	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "query parameter q required")
		return
	}
	category := strings.TrimSpace(c.Query("category"))

	results, err := h.svc.SearchFAQ(query, category)
	if err != nil {
		switch err {
		case services.ErrInvalidCategory:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unknown category")
		default:
			failErr(c, http.StatusInternalServerError, ErrCodeSearchFailed, "search failed", err)
		}
		return
	}
	if results == nil {
		results = []services.FAQResult{}
	}

	ok(c, http.StatusOK, SearchFAQResponse{Query: query, Results: results, Count: len(results)})
}
