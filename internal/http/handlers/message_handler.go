// Message pipeline HTTP handlers.
//
// This file exposes REST endpoints for the message pipeline:
//   - POST /messages                 (run the pipeline, get the assistant reply)
//   - GET  /sessions/{id}/messages   (list paginated session history)
//
// Handlers are transport-thin:
//   - validate & normalize inputs (including newline and length constraints)
//   - delegate to application services (ChatService)
//   - implement conditional responses (ETag) and idempotency semantics
//
// Idempotency:
// If the client supplies an Idempotency-Key header together with a session id
// and a previous successful result exists for (session, key), the handler
// returns that recorded assistant message and sets `Idempotency-Replayed: true`.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/catalog"
	"github.com/tbourn/go-agent-backend/internal/domain"
	"github.com/tbourn/go-agent-backend/internal/repo"
	"github.com/tbourn/go-agent-backend/internal/services"
)

//
// Service contracts (context-aware)
//

// PipelineService defines the pipeline operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type PipelineService interface {
	// Process runs the full pipeline for one user message.
	Process(ctx context.Context, sessionID, text, projectTag, langHint string) (*services.Reply, error)
	// History returns a page of session messages and the total count.
	History(ctx context.Context, sessionID string, offset, limit int) ([]domain.Message, int64, error)
	// SearchFAQ ranks knowledge-base entries against a query.
	SearchFAQ(query, category string) ([]services.FAQResult, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the pipeline API. It depends on the
// abstract PipelineService to keep transport concerns separate from business
// logic; the DB handle and catalog store back the idempotency replay path
// and the admin endpoints.
type Handlers struct {
	svc     PipelineService
	db      *gorm.DB
	catalog *catalog.Store
	idemTTL time.Duration
}

// New constructs a Handlers instance bound to the given service and stores.
func New(svc PipelineService, db *gorm.DB, cat *catalog.Store, idemTTL time.Duration) *Handlers {
	if idemTTL <= 0 {
		idemTTL = 24 * time.Hour
	}
	return &Handlers{svc: svc, db: db, catalog: cat, idemTTL: idemTTL}
}

//
// DTOs
//

// PostMessageRequest is the JSON payload for sending a user message.
//
// Content is normalized by the handler (line endings and excessive blank
// lines) before being passed to the service layer, which enforces the
// maximum rune count.
type PostMessageRequest struct {
	// SessionID continues an existing conversation; empty starts a new one.
	SessionID string `json:"session_id" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Content is the user message. It must be non-empty.
	Content string `json:"content" binding:"required,min=1" example:"Как посмотреть расписание занятий?"`
	// ProjectTag optionally labels a new session; ignored for existing ones.
	ProjectTag string `json:"project_tag" example:"web"`
	// Language optionally hints the message language (BCP-47 tag).
	Language string `json:"language" example:"ru"`
}

// PostMessageResponse is the JSON envelope for a pipeline reply.
type PostMessageResponse struct {
	SessionID      string          `json:"session_id"`
	SessionCreated bool            `json:"session_created"`
	Stage          string          `json:"stage"`
	Verdict        string          `json:"verdict"`
	FAQScore       float64         `json:"faq_score,omitempty"`
	Message        *domain.Message `json:"message"`
}

// ListMessagesResponse contains a page of session messages plus metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

//
// Helpers
//

// clampPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = atoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = atoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// atoiDefault parses a query parameter, falling back to def when the value is
// absent or malformed.
func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// idempotencyKey extracts an idempotency key if an upstream middleware has
// already validated/stashed it, falling back to reading the header directly.
func idempotencyKey(c *gin.Context) (string, bool) {
	if v := strings.TrimSpace(c.GetHeader("Idempotency-Key")); v != "" {
		return v, true
	}
	return "", false
}

//
// Handlers
//

// PostMessage godoc
// @ID          postMessage
// @Summary     Send a message and get the assistant reply
// @Description Runs the message pipeline (moderation, FAQ matching, completion)
// @Description and returns the assistant reply. Supports idempotency via the
// @Description Idempotency-Key header (same session and key → same result).
// @Tags        Messages
// @Accept      json
// @Produce     json
//
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries (UUID recommended)"  example(7a8d9f4c-1b2a-4c3d-8e9f-0123456789ab)
// @Param       body             body    handlers.PostMessageRequest  true  "User message payload"
//
// @Success     200  {object}  handlers.PostMessageResponse  "Assistant reply"
// @Failure     400  {object}  handlers.ErrorResponse        "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse        "Internal error"
// @Router      /messages [post]
func (h *Handlers) PostMessage(c *gin.Context) {
	ctx := c.Request.Context()

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	// Idempotency (replay path). Only possible when the client names an
	// existing session; a fresh session can never replay.
	idemKey, _ := idempotencyKey(c)
	sessionID := strings.TrimSpace(req.SessionID)
	if idemKey != "" && sessionID != "" && h.db != nil {
		if rec, err := repo.GetIdempotency(ctx, h.db, sessionID, idemKey, time.Now().UTC()); err == nil && rec != nil {
			if prev, err2 := repo.GetMessage(h.db, rec.MessageID); err2 == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusOK, PostMessageResponse{
					SessionID: sessionID,
					Verdict:   prev.Verdict,
					Message:   prev,
				})
				return
			}
		}
	}

	reply, err := h.svc.Process(ctx, sessionID, content, req.ProjectTag, req.Language)
	if err != nil {
		switch err {
		case services.ErrEmptyMessage:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		case services.ErrTooLong:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content too long")
		default:
			failErr(c, http.StatusInternalServerError, ErrCodeProcessFailed, "message processing failed", err)
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" && h.db != nil {
		_, _ = repo.CreateIdempotency(ctx, h.db, reply.Session.ID, idemKey, reply.Message.ID, http.StatusOK, h.idemTTL)
	}

	ok(c, http.StatusOK, PostMessageResponse{
		SessionID:      reply.Session.ID,
		SessionCreated: reply.SessionCreated,
		Stage:          reply.Stage,
		Verdict:        reply.Verdict,
		FAQScore:       reply.FAQScore,
		Message:        reply.Message,
	})
}

// ListMessages godoc
// @ID          listMessages
// @Summary     List messages in a session
// @Description Returns a paginated list of messages for the given session.
// @Tags        Messages
// @Produce     json
//
// @Param       id         path   string  true  "Session ID"
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListMessagesResponse
// @Failure     404  {object} handlers.ErrorResponse "Session not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /sessions/{id}/messages [get]
func (h *Handlers) ListMessages(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	// ETag pre-check (best effort).
	if h.db != nil {
		count, maxTS, err := repo.MessagesStats(ctx, h.db, sessionID)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d"`, sessionID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	page, pageSize := clampPagination(c)

	items, total, err := h.svc.History(ctx, sessionID, (page-1)*pageSize, pageSize)
	if err != nil {
		switch err {
		case services.ErrSessionNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "session not found")
		default:
			failErr(c, http.StatusInternalServerError, ErrCodeListFailed, "could not list messages", err)
		}
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
