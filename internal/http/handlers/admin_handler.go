// Admin HTTP handlers.
//
// This file exposes operational endpoints, intended to sit behind network
// isolation or a reverse-proxy ACL rather than application auth:
//   - POST /admin/reload   (rebuild the rules/FAQ snapshot from the database)
//   - GET  /admin/stats    (counters for dashboards and smoke checks)
package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-agent-backend/internal/domain"
	"github.com/tbourn/go-agent-backend/internal/repo"
)

// ReloadResponse reports the freshly activated catalog snapshot.
type ReloadResponse struct {
	Version    int64     `json:"version"`
	Rules      int       `json:"rules"`
	FAQEntries int       `json:"faq_entries"`
	LoadedAt   time.Time `json:"loaded_at"`
}

// StatsResponse aggregates operational counters.
type StatsResponse struct {
	Sessions       int64               `json:"sessions"`
	Messages       int64               `json:"messages"`
	FAQEntries     int64               `json:"faq_entries"`
	Requests       int64               `json:"requests"`
	RequestsOK     int64               `json:"requests_ok"`
	SuccessRate    float64             `json:"success_rate"`
	CatalogVersion int64               `json:"catalog_version"`
	RecentRequests []domain.RequestLog `json:"recent_requests"`
}

// Reload godoc
// @ID          adminReload
// @Summary     Reload moderation rules and the FAQ knowledge base
// @Description Rebuilds the in-memory snapshot from the current database
// @Description rows and swaps it in atomically. In-flight requests finish
// @Description against the previous snapshot.
// @Tags        Admin
// @Produce     json
//
// @Success     200  {object}  handlers.ReloadResponse
// @Failure     500  {object}  handlers.ErrorResponse "Reload failed"
// @Router      /admin/reload [post]
func (h *Handlers) Reload(c *gin.Context) {
	snap, err := h.catalog.Reload(c.Request.Context(), h.db)
	if err != nil {
		failErr(c, http.StatusInternalServerError, ErrCodeReloadFailed, "catalog reload failed", err)
		return
	}
	ok(c, http.StatusOK, ReloadResponse{
		Version:    snap.Version,
		Rules:      snap.Rules.RuleCount(),
		FAQEntries: snap.FAQ.Len(),
		LoadedAt:   snap.LoadedAt,
	})
}

// Stats godoc
// @ID          adminStats
// @Summary     Pipeline statistics
// @Description Returns row counts, request totals with success rate, the
// @Description active catalog version, and the most recent request logs.
// @Tags        Admin
// @Produce     json
//
// @Success     200  {object}  handlers.StatsResponse
// @Failure     500  {object}  handlers.ErrorResponse "Stats collection failed"
// @Router      /admin/stats [get]
func (h *Handlers) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	sessions, err := repo.CountSessions(ctx, h.db)
	if err != nil {
		failErr(c, http.StatusInternalServerError, ErrCodeInternal, "stats unavailable", err)
		return
	}
	messages, err := repo.CountAllMessages(ctx, h.db)
	if err != nil {
		failErr(c, http.StatusInternalServerError, ErrCodeInternal, "stats unavailable", err)
		return
	}
	faqEntries, err := repo.CountActiveFAQEntries(ctx, h.db)
	if err != nil {
		failErr(c, http.StatusInternalServerError, ErrCodeInternal, "stats unavailable", err)
		return
	}
	totals, err := repo.CountRequestLogs(ctx, h.db)
	if err != nil {
		failErr(c, http.StatusInternalServerError, ErrCodeInternal, "stats unavailable", err)
		return
	}
	recent, err := repo.ListRecentRequestLogs(ctx, h.db, 10)
	if err != nil {
		failErr(c, http.StatusInternalServerError, ErrCodeInternal, "stats unavailable", err)
		return
	}

	rate := 0.0
	if totals.Total > 0 {
		rate = float64(totals.Successful) / float64(totals.Total)
	}
	ok(c, http.StatusOK, StatsResponse{
		Sessions:       sessions,
		Messages:       messages,
		FAQEntries:     faqEntries,
		Requests:       totals.Total,
		RequestsOK:     totals.Successful,
		SuccessRate:    rate,
		CatalogVersion: h.catalog.Current().Version,
		RecentRequests: recent,
	})
}
