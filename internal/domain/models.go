// Package domain defines the persistence models for chat sessions, messages,
// the FAQ knowledge base, moderation rules, and per-request analytics logs.
// These types are mapped with GORM and form the core data layer of the
// assistant backend.
package domain

import (
	"strings"
	"time"

	"gorm.io/gorm"
)

// Message roles. Every stored message carries exactly one of these.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Moderation verdicts, ordered by increasing restriction.
const (
	VerdictAllow  = "allow"
	VerdictCensor = "censor"
	VerdictBlock  = "block"
)

// Moderation severities.
const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

// Moderation rule scopes.
const (
	ScopeInput  = "input"
	ScopeOutput = "output"
	ScopeBoth   = "both"
)

// Pipeline stages recorded on request logs.
const (
	StageFAQ        = "faq"
	StageCompletion = "completion"
	StageBlocked    = "blocked"
	StageDegraded   = "degraded"
)

// FAQCategories is the fixed enumerated set of knowledge-base categories.
var FAQCategories = []string{
	"schedules", "documents", "scholarships", "exams", "administration", "general",
}

// IsFAQCategory reports whether c is one of the enumerated FAQ categories.
func IsFAQCategory(c string) bool {
	for _, v := range FAQCategories {
		if v == c {
			return true
		}
	}
	return false
}

// Session represents a caller-identified conversation thread. Sessions are
// created on the first message from an unknown identifier and are never
// explicitly destroyed; retention is an external concern.
//
// Fields:
//   - ID: stable UUID primary key (char(36)); caller-supplied or generated.
//   - ProjectTag: optional project/topic label attached by the caller.
//   - CreatedAt: creation time, managed by GORM.
//   - LastActivity: bumped whenever a message is appended.
type Session struct {
	ID           string         `json:"id"            gorm:"type:char(36);primaryKey"`
	ProjectTag   string         `json:"project_tag,omitempty" gorm:"type:varchar(64);index"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity" gorm:"index"`
	DeletedAt    gorm.DeletedAt `json:"-"             gorm:"index"`
}

// TableName returns the database table name for Session.
func (Session) TableName() string { return "sessions" }

// Message represents a single utterance within a session. Messages are
// immutable once created; ordering within a session is (CreatedAt, ID).
//
// Content holds the raw text as submitted; Moderated holds the text after
// moderation (identical to Content when the verdict is "allow"). Assistant
// messages may carry latency and token-usage metadata parsed best-effort
// from the completion provider.
type Message struct {
	ID        string `json:"id"         gorm:"type:char(36);primaryKey"`
	SessionID string `json:"session_id" gorm:"type:char(36);not null;index:idx_session_msgs,priority:1"`
	Role      string `json:"role"       gorm:"type:varchar(16);not null;check:role IN ('user','assistant','system')"`
	Content   string `json:"content"    gorm:"type:text;not null"`
	Moderated string `json:"moderated,omitempty" gorm:"type:text"`
	Verdict   string `json:"verdict"    gorm:"type:varchar(16);not null;default:'allow';check:verdict IN ('allow','censor','block')"`

	// Assistant-only metadata; left unset when the provider reports nothing.
	LatencyMs        *int64 `json:"latency_ms,omitempty"`
	PromptTokens     *int   `json:"prompt_tokens,omitempty"`
	CompletionTokens *int   `json:"completion_tokens,omitempty"`
	ModelUsed        string `json:"model_used,omitempty" gorm:"type:varchar(128)"`

	CreatedAt time.Time      `json:"created_at" gorm:"index:idx_session_msgs,priority:2"`
	DeletedAt gorm.DeletedAt `json:"-"          gorm:"index"`

	// Session is the parent conversation. Messages are cascade-deleted if
	// their session is removed.
	Session Session `json:"-" gorm:"foreignKey:SessionID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// FAQEntry is one knowledge-base item. Entries are created and edited by an
// external administrative collaborator and are read-only to the pipeline;
// the matcher consumes immutable snapshots of the active rows.
type FAQEntry struct {
	ID        uint           `json:"id"        gorm:"primaryKey;autoIncrement"`
	Question  string         `json:"question"  gorm:"type:text;not null"`
	Answer    string         `json:"answer"    gorm:"type:text;not null"`
	Category  string         `json:"category"  gorm:"type:varchar(20);not null;default:'general';index"`
	Keywords  string         `json:"keywords"  gorm:"type:text"` // comma-separated
	Language  string         `json:"language"  gorm:"type:varchar(8);not null;default:'ru'"`
	Active    bool           `json:"active"    gorm:"not null;default:true;index"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for FAQEntry.
func (FAQEntry) TableName() string { return "faq_entries" }

// KeywordList splits the comma-separated Keywords column into trimmed,
// lowercase tokens, dropping empties.
func (e FAQEntry) KeywordList() []string {
	if strings.TrimSpace(e.Keywords) == "" {
		return nil
	}
	parts := strings.Split(e.Keywords, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.ToLower(strings.TrimSpace(p)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ModerationRule is one content-moderation pattern. Rules are read-only at
// request time and hot-reloadable between requests via catalog snapshots.
//
// Kind selects how Pattern is evaluated:
//   - "word":   exact token match, case-insensitive
//   - "phrase": substring match, case-insensitive
//   - "regex":  regular expression (invalid patterns are skipped at load)
type ModerationRule struct {
	ID        uint           `json:"id"       gorm:"primaryKey;autoIncrement"`
	Pattern   string         `json:"pattern"  gorm:"type:text;not null"`
	Kind      string         `json:"kind"     gorm:"type:varchar(8);not null;default:'word';check:kind IN ('word','phrase','regex')"`
	Severity  string         `json:"severity" gorm:"type:varchar(8);not null;check:severity IN ('low','medium','high')"`
	Language  string         `json:"language" gorm:"type:varchar(8);not null;default:'any'"` // tag or "any"
	Scope     string         `json:"scope"    gorm:"type:varchar(8);not null;default:'both';check:scope IN ('input','output','both')"`
	Active    bool           `json:"active"   gorm:"not null;default:true;index"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// TableName returns the database table name for ModerationRule.
func (ModerationRule) TableName() string { return "moderation_rules" }

// AppliesTo reports whether the rule is applicable for the given target
// scope ("input" or "output").
func (r ModerationRule) AppliesTo(scope string) bool {
	return r.Scope == ScopeBoth || r.Scope == scope
}

// RequestLog is the append-only analytics record emitted once per pipeline
// invocation. Rows are never mutated after creation.
type RequestLog struct {
	ID             string    `json:"id"         gorm:"type:char(36);primaryKey"`
	SessionID      string    `json:"session_id" gorm:"type:char(36);index"`
	Stage          string    `json:"stage"      gorm:"type:varchar(16);not null;check:stage IN ('faq','completion','blocked','degraded')"`
	Verdict        string    `json:"verdict"    gorm:"type:varchar(16)"`
	MatchedRuleIDs string    `json:"matched_rule_ids,omitempty" gorm:"type:text"` // comma-separated
	LatencyMs      int64     `json:"latency_ms"`
	Success        bool      `json:"success"`
	ErrorKind      string    `json:"error_kind,omitempty" gorm:"type:varchar(32)"`

	PromptTokens     *int `json:"prompt_tokens,omitempty"`
	CompletionTokens *int `json:"completion_tokens,omitempty"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// TableName returns the database table name for RequestLog.
func (RequestLog) TableName() string { return "request_logs" }
