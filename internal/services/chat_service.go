// Package services – ChatService
//
// This file implements ChatService, the application-level component that
// runs the message pipeline: input moderation, FAQ matching, completion
// fallback, output moderation, persistence, and analytics emission. It is
// the only place where the pipeline's state transitions live; handlers stay
// thin and the supporting packages (moderation, kb, llm) stay policy-free.
//
// Observability: public methods are OpenTelemetry-instrumented; spans carry
// session identifiers and the stage that produced the reply.
package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-agent-backend/internal/analytics"
	"github.com/tbourn/go-agent-backend/internal/catalog"
	"github.com/tbourn/go-agent-backend/internal/domain"
	"github.com/tbourn/go-agent-backend/internal/llm"
	"github.com/tbourn/go-agent-backend/internal/moderation"
	"github.com/tbourn/go-agent-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Completer produces assistant replies from a conversation. *llm.Client
// satisfies it; tests substitute fakes.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (*llm.Completion, error)
	Model() string
}

// Reply is the outcome of one pipeline run.
type Reply struct {
	Session        *domain.Session
	SessionCreated bool
	UserMessage    *domain.Message
	Message        *domain.Message // the assistant reply
	Stage          string          // faq | completion | blocked | degraded
	Verdict        string          // most severe verdict across input and output
	FAQScore       float64         // set when Stage is faq
}

// ChatService coordinates the message pipeline. All fields are required
// unless noted.
type ChatService struct {
	DB        *gorm.DB
	Catalog   *catalog.Store
	Completer Completer
	Sink      analytics.Sink

	// Pipeline tunables.
	MaxMessageRunes int
	ConfidenceScore float64 // minimum FAQ score to answer without the LLM
	RefusalText     string
	FallbackText    string
	SystemPrompt    string
	HistoryWindow   int

	locks *sessionLocks
}

// NewChatService wires a ChatService and its per-session lock table.
func NewChatService(db *gorm.DB, cat *catalog.Store, comp Completer, sink analytics.Sink) *ChatService {
	return &ChatService{
		DB:        db,
		Catalog:   cat,
		Completer: comp,
		Sink:      sink,
		locks:     newSessionLocks(),
	}
}

// Process runs the full pipeline for one user message and returns the
// assistant reply. Runs for the same session are serialized; distinct
// sessions proceed concurrently.
func (s *ChatService) Process(ctx context.Context, sessionID, text, projectTag, langHint string) (reply *Reply, err error) {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "Process",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	// A panic anywhere in the pipeline must not take the server down or
	// leak internals to the caller.
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("session_id", sessionID).Msg("pipeline panic recovered")
			reply, err = nil, ErrInternal
		}
	}()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if s.MaxMessageRunes > 0 && utf8.RuneCountInString(text) > s.MaxMessageRunes {
		return nil, ErrTooLong
	}

	started := time.Now()

	session, created, err := repo.GetOrCreateSession(ctx, s.DB, sessionID, projectTag)
	if err != nil {
		return nil, err
	}

	release := s.locks.acquire(session.ID)
	defer release()

	snap := s.Catalog.Current()

	// Input moderation. A high-severity hit short-circuits the pipeline:
	// no FAQ lookup, no completion call.
	inRes := snap.Rules.Moderate(text, domain.ScopeInput, langHint)
	span.SetAttributes(attribute.String("moderation.input_verdict", inRes.Verdict))

	if inRes.Verdict == domain.VerdictBlock {
		return s.finishBlocked(ctx, span, session, created, text, inRes, started)
	}

	effective := inRes.Text // censored form when the verdict is censor

	// FAQ matching on the moderated text.
	if best, ok := snap.FAQ.Best(effective, ""); ok && best.Score >= s.ConfidenceScore {
		return s.finishFAQ(ctx, span, snap, session, created, text, inRes, best.Entry, best.Score, started)
	}

	// Completion fallback.
	answer, meta, compErr := s.complete(ctx, session.ID, effective)
	stage := domain.StageCompletion
	errorKind := ""
	if compErr != nil {
		stage = domain.StageDegraded
		errorKind = classifyCompletionError(compErr)
		answer = s.FallbackText
		log.Warn().Err(compErr).Str("session_id", session.ID).Msg("completion degraded to fallback")
	}

	// Output moderation. The model's words get the same scrutiny as the
	// user's; a blocked completion is replaced by the refusal text.
	outRes := snap.Rules.Moderate(answer, domain.ScopeOutput, inRes.Language)
	span.SetAttributes(attribute.String("moderation.output_verdict", outRes.Verdict))
	delivered := outRes.Text
	if outRes.Verdict == domain.VerdictBlock {
		delivered = s.RefusalText
	}

	userMsg, asstMsg, err := s.persistPair(ctx, session.ID, text, inRes.Verdict, inRes.Text, delivered, outRes.Verdict, meta)
	if err != nil {
		return nil, err
	}

	verdict := maxVerdict(inRes.Verdict, outRes.Verdict)
	s.emit(domain.RequestLog{
		SessionID:        session.ID,
		Stage:            stage,
		Verdict:          verdict,
		MatchedRuleIDs:   joinRuleIDs(inRes.Matches, outRes.Matches),
		LatencyMs:        time.Since(started).Milliseconds(),
		Success:          compErr == nil,
		ErrorKind:        errorKind,
		PromptTokens:     asstMsg.PromptTokens,
		CompletionTokens: asstMsg.CompletionTokens,
	})

	span.SetAttributes(attribute.String("pipeline.stage", stage))
	return &Reply{
		Session:        session,
		SessionCreated: created,
		UserMessage:    userMsg,
		Message:        asstMsg,
		Stage:          stage,
		Verdict:        verdict,
	}, nil
}

// finishBlocked persists the blocked user message plus the refusal reply.
func (s *ChatService) finishBlocked(ctx context.Context, span trace.Span, session *domain.Session, created bool, text string, inRes moderation.Result, started time.Time) (*Reply, error) {
	userMsg, asstMsg, err := s.persistPair(ctx, session.ID, text, inRes.Verdict, "", s.RefusalText, domain.VerdictAllow, replyMeta{})
	if err != nil {
		return nil, err
	}

	s.emit(domain.RequestLog{
		SessionID:      session.ID,
		Stage:          domain.StageBlocked,
		Verdict:        domain.VerdictBlock,
		MatchedRuleIDs: joinRuleIDs(inRes.Matches, nil),
		LatencyMs:      time.Since(started).Milliseconds(),
		Success:        true,
	})

	span.SetAttributes(attribute.String("pipeline.stage", domain.StageBlocked))
	return &Reply{
		Session:        session,
		SessionCreated: created,
		UserMessage:    userMsg,
		Message:        asstMsg,
		Stage:          domain.StageBlocked,
		Verdict:        domain.VerdictBlock,
	}, nil
}

// finishFAQ persists the pair with the knowledge-base answer. The FAQ answer
// is curated content and still passes output moderation, mostly so that
// output-scoped rules keep one enforcement point. The snapshot is the one
// the request started with: a reload racing the request must not change the
// rule set halfway through.
func (s *ChatService) finishFAQ(ctx context.Context, span trace.Span, snap *catalog.Snapshot, session *domain.Session, created bool, raw string, inRes moderation.Result, entry domain.FAQEntry, score float64, started time.Time) (*Reply, error) {
	outRes := snap.Rules.Moderate(entry.Answer, domain.ScopeOutput, inRes.Language)
	delivered := outRes.Text
	if outRes.Verdict == domain.VerdictBlock {
		delivered = s.RefusalText
	}

	userMsg, asstMsg, err := s.persistPair(ctx, session.ID, raw, inRes.Verdict, inRes.Text, delivered, outRes.Verdict, replyMeta{})
	if err != nil {
		return nil, err
	}

	verdict := maxVerdict(inRes.Verdict, outRes.Verdict)
	s.emit(domain.RequestLog{
		SessionID:      session.ID,
		Stage:          domain.StageFAQ,
		Verdict:        verdict,
		MatchedRuleIDs: joinRuleIDs(inRes.Matches, outRes.Matches),
		LatencyMs:      time.Since(started).Milliseconds(),
		Success:        true,
	})

	span.SetAttributes(
		attribute.String("pipeline.stage", domain.StageFAQ),
		attribute.Float64("faq.score", score),
	)
	return &Reply{
		Session:        session,
		SessionCreated: created,
		UserMessage:    userMsg,
		Message:        asstMsg,
		Stage:          domain.StageFAQ,
		Verdict:        verdict,
		FAQScore:       score,
	}, nil
}

// replyMeta carries completion metadata onto the persisted assistant message.
type replyMeta struct {
	latencyMs        *int64
	promptTokens     *int
	completionTokens *int
	model            string
}

// complete builds the conversation window and calls the completion provider.
func (s *ChatService) complete(ctx context.Context, sessionID, userText string) (string, replyMeta, error) {
	history, err := repo.ListRecentMessages(s.DB, sessionID, s.HistoryWindow)
	if err != nil {
		// History is an enhancement; completion proceeds without it.
		log.Warn().Err(err).Str("session_id", sessionID).Msg("history load failed")
		history = nil
	}

	messages := make([]llm.Message, 0, len(history)+2)
	if strings.TrimSpace(s.SystemPrompt) != "" {
		messages = append(messages, llm.Message{Role: domain.RoleSystem, Content: s.SystemPrompt})
	}
	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: deliveredText(m)})
	}
	messages = append(messages, llm.Message{Role: domain.RoleUser, Content: userText})

	callStart := time.Now()
	comp, err := s.Completer.Complete(ctx, messages)
	if err != nil {
		return "", replyMeta{}, err
	}

	lat := time.Since(callStart).Milliseconds()
	meta := replyMeta{latencyMs: &lat, model: comp.Model}
	if comp.Usage != nil {
		pt, ct := comp.Usage.PromptTokens, comp.Usage.CompletionTokens
		meta.promptTokens, meta.completionTokens = &pt, &ct
	}
	return comp.Text, meta, nil
}

// persistPair stores the user message and the assistant reply in one
// transaction and bumps the session's LastActivity.
func (s *ChatService) persistPair(ctx context.Context, sessionID, userText, userVerdict, userModerated, answer, answerVerdict string, meta replyMeta) (*domain.Message, *domain.Message, error) {
	var userMsg, asstMsg *domain.Message
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		u := &domain.Message{
			SessionID: sessionID,
			Role:      domain.RoleUser,
			Content:   userText,
			Verdict:   userVerdict,
		}
		if userVerdict == domain.VerdictCensor {
			u.Moderated = userModerated
		}
		if _, err := repo.CreateMessage(tx, u); err != nil {
			return err
		}
		userMsg = u

		a := &domain.Message{
			SessionID:        sessionID,
			Role:             domain.RoleAssistant,
			Content:          answer,
			Verdict:          answerVerdict,
			LatencyMs:        meta.latencyMs,
			PromptTokens:     meta.promptTokens,
			CompletionTokens: meta.completionTokens,
			ModelUsed:        meta.model,
		}
		if _, err := repo.CreateMessage(tx, a); err != nil {
			return err
		}
		asstMsg = a

		return repo.TouchSession(tx, sessionID)
	})
	if err != nil {
		return nil, nil, err
	}
	return userMsg, asstMsg, nil
}

func (s *ChatService) emit(rec domain.RequestLog) {
	if s.Sink != nil {
		s.Sink.Emit(rec)
	}
}

// History returns a page of messages for an existing session, oldest first.
func (s *ChatService) History(ctx context.Context, sessionID string, offset, limit int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/ChatService")
	ctx, span := tr.Start(ctx, "History",
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
	defer span.End()

	if _, err := repo.GetSession(ctx, s.DB, sessionID); err != nil {
		if err == repo.ErrNotFound {
			return nil, 0, ErrSessionNotFound
		}
		return nil, 0, err
	}
	total, err := repo.CountMessages(s.DB, sessionID)
	if err != nil {
		return nil, 0, err
	}
	msgs, err := repo.ListMessagesPage(s.DB.WithContext(ctx), sessionID, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

// FAQResult is one ranked knowledge-base hit returned by SearchFAQ.
type FAQResult struct {
	Entry domain.FAQEntry `json:"entry"`
	Score float64         `json:"score"`
}

// SearchFAQ exposes the knowledge-base matcher directly (no moderation, no
// persistence). An empty category searches every category.
func (s *ChatService) SearchFAQ(query, category string) ([]FAQResult, error) {
	if category != "" && !domain.IsFAQCategory(category) {
		return nil, ErrInvalidCategory
	}
	results := s.Catalog.Current().FAQ.Search(query, category)
	out := make([]FAQResult, len(results))
	for i, r := range results {
		out[i] = FAQResult{Entry: r.Entry, Score: r.Score}
	}
	return out, nil
}

// deliveredText returns the text a reader actually saw for a message.
func deliveredText(m domain.Message) string {
	if m.Verdict == domain.VerdictCensor && m.Moderated != "" {
		return m.Moderated
	}
	return m.Content
}

func maxVerdict(a, b string) string {
	rank := func(v string) int {
		switch v {
		case domain.VerdictBlock:
			return 3
		case domain.VerdictCensor:
			return 2
		default:
			return 1
		}
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

func classifyCompletionError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, llm.ErrUnavailable):
		return "llm_unavailable"
	case errors.Is(err, llm.ErrMalformed):
		return "llm_bad_response"
	default:
		return "llm_error"
	}
}

func joinRuleIDs(in, out []moderation.Match) string {
	var parts []string
	for _, m := range in {
		parts = append(parts, strconv.FormatUint(uint64(m.RuleID), 10))
	}
	for _, m := range out {
		parts = append(parts, strconv.FormatUint(uint64(m.RuleID), 10))
	}
	return strings.Join(parts, ",")
}
