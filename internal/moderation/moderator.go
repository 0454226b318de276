// Package moderation implements rule-based content moderation for both user
// input and model output. A Snapshot is compiled once from the active rule
// rows and is immutable afterwards, so concurrent requests can evaluate it
// without locking; hot reloads swap in a fresh Snapshot.
//
//   - No logging in the library (callers decide how/what to log)
//   - Three rule kinds: word (token match), phrase (substring), regex
//   - Every applicable rule is evaluated; the highest severity wins
//   - Censoring replaces matched spans with a mask token and is idempotent
//     because the mask contains no word characters
package moderation

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/tbourn/go-agent-backend/internal/domain"
)

// Verdict severity mapping: low flags only, medium censors, high blocks.

// Match records one rule hit during evaluation.
type Match struct {
	RuleID   uint
	Pattern  string
	Kind     string
	Severity string
}

// Result is the outcome of moderating one text.
type Result struct {
	Verdict  string  // allow | censor | block
	Text     string  // censored text when Verdict is censor, input text otherwise
	Language string  // detected language tag
	Matches  []Match // every rule that hit, in rule order
}

// ----------------------------------------------------------------------------
// Options

type Option func(*config)

type config struct {
	maskToken        string
	languages        []string
	fallbackLanguage string
}

func defaultConfig() config {
	return config{
		maskToken:        "***",
		languages:        []string{"ru", "en"},
		fallbackLanguage: "ru",
	}
}

// WithMaskToken overrides the censor replacement token. Tokens containing
// letters or digits are rejected (they would break censor idempotence).
func WithMaskToken(tok string) Option {
	return func(c *config) {
		if tok != "" && len(wordRE.FindAllString(tok, -1)) == 0 {
			c.maskToken = tok
		}
	}
}

// WithLanguages sets the supported language tags and the fallback used when
// detection is inconclusive. The fallback must be in the supported set.
func WithLanguages(supported []string, fallback string) Option {
	return func(c *config) {
		if len(supported) > 0 && containsString(supported, fallback) {
			c.languages = supported
			c.fallbackLanguage = fallback
		}
	}
}

// ----------------------------------------------------------------------------
// Snapshot

type compiledRule struct {
	id       uint
	pattern  string // lowercase for word/phrase kinds
	kind     string
	severity string
	language string // tag or "any"
	scope    string
	re       *regexp.Regexp // regex kind only
}

// Snapshot is an immutable compiled rule set, safe for concurrent use.
type Snapshot struct {
	cfg     config
	words   []compiledRule
	phrases []compiledRule
	regexes []compiledRule
	skipped []uint // IDs of rules dropped at compile time (bad regex, unknown kind)
}

// NewSnapshot compiles the given rules. Invalid rules are skipped, never
// fatal: a malformed regex must not take moderation down with it. Skipped
// rule IDs are reported via Skipped for the caller to log.
func NewSnapshot(rules []domain.ModerationRule, opts ...Option) *Snapshot {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	s := &Snapshot{cfg: cfg}
	for _, r := range rules {
		if !r.Active {
			continue
		}
		cr := compiledRule{
			id:       r.ID,
			kind:     r.Kind,
			severity: r.Severity,
			language: r.Language,
			scope:    r.Scope,
		}
		switch r.Kind {
		case "word":
			cr.pattern = strings.ToLower(strings.TrimSpace(r.Pattern))
			if cr.pattern == "" {
				s.skipped = append(s.skipped, r.ID)
				continue
			}
			s.words = append(s.words, cr)
		case "phrase":
			cr.pattern = strings.ToLower(strings.TrimSpace(r.Pattern))
			if cr.pattern == "" {
				s.skipped = append(s.skipped, r.ID)
				continue
			}
			s.phrases = append(s.phrases, cr)
		case "regex":
			re, err := regexp.Compile(r.Pattern)
			if err != nil {
				s.skipped = append(s.skipped, r.ID)
				continue
			}
			cr.pattern = r.Pattern
			cr.re = re
			s.regexes = append(s.regexes, cr)
		default:
			s.skipped = append(s.skipped, r.ID)
		}
	}
	return s
}

// RuleCount returns the number of compiled rules.
func (s *Snapshot) RuleCount() int {
	return len(s.words) + len(s.phrases) + len(s.regexes)
}

// Skipped returns IDs of rules that failed to compile.
func (s *Snapshot) Skipped() []uint { return s.skipped }

func (c compiledRule) appliesTo(scope, lang string) bool {
	if !(c.scope == domain.ScopeBoth || c.scope == scope) {
		return false
	}
	return c.language == "any" || c.language == "" || c.language == lang
}

// Moderate evaluates every applicable rule against text for the given scope
// ("input" or "output"). All three passes always run; the verdict is derived
// from the highest severity seen across every hit.
func (s *Snapshot) Moderate(text, scope, langHint string) Result {
	lang := DetectLanguage(text, langHint, s.cfg.fallbackLanguage, s.cfg.languages)
	res := Result{Verdict: domain.VerdictAllow, Text: text, Language: lang}

	folded := foldText(text)
	lower := folded.lower
	tokens := wordRE.FindAllStringIndex(lower, -1)

	var spans [][2]int

	// Pass 1: word rules against tokenized text.
	for _, cr := range s.words {
		if !cr.appliesTo(scope, lang) {
			continue
		}
		hit := false
		for _, ti := range tokens {
			if lower[ti[0]:ti[1]] == cr.pattern {
				hit = true
				spans = append(spans, folded.span(ti[0], ti[1]))
			}
		}
		if hit {
			res.Matches = append(res.Matches, Match{RuleID: cr.id, Pattern: cr.pattern, Kind: cr.kind, Severity: cr.severity})
		}
	}

	// Pass 2: phrase rules as case-insensitive substrings.
	for _, cr := range s.phrases {
		if !cr.appliesTo(scope, lang) {
			continue
		}
		hit := false
		for from := 0; ; {
			i := strings.Index(lower[from:], cr.pattern)
			if i < 0 {
				break
			}
			hit = true
			start := from + i
			spans = append(spans, folded.span(start, start+len(cr.pattern)))
			from = start + len(cr.pattern)
		}
		if hit {
			res.Matches = append(res.Matches, Match{RuleID: cr.id, Pattern: cr.pattern, Kind: cr.kind, Severity: cr.severity})
		}
	}

	// Pass 3: regex rules against the original text.
	for _, cr := range s.regexes {
		if !cr.appliesTo(scope, lang) {
			continue
		}
		locs := cr.re.FindAllStringIndex(text, -1)
		if len(locs) == 0 {
			continue
		}
		for _, l := range locs {
			if l[1] > l[0] {
				spans = append(spans, [2]int{l[0], l[1]})
			}
		}
		res.Matches = append(res.Matches, Match{RuleID: cr.id, Pattern: cr.pattern, Kind: cr.kind, Severity: cr.severity})
	}

	if len(res.Matches) == 0 {
		return res
	}

	switch maxSeverity(res.Matches) {
	case domain.SeverityHigh:
		res.Verdict = domain.VerdictBlock
	case domain.SeverityMedium:
		res.Verdict = domain.VerdictCensor
		res.Text = maskSpans(text, spans, s.cfg.maskToken)
	default:
		// Low severity hits are recorded but the text passes unchanged.
		res.Verdict = domain.VerdictAllow
	}
	return res
}

func severityRank(s string) int {
	switch s {
	case domain.SeverityHigh:
		return 3
	case domain.SeverityMedium:
		return 2
	case domain.SeverityLow:
		return 1
	}
	return 0
}

func maxSeverity(matches []Match) string {
	best, rank := "", 0
	for _, m := range matches {
		if r := severityRank(m.Severity); r > rank {
			best, rank = m.Severity, r
		}
	}
	return best
}

// foldedText is a lowercase copy of text plus a byte-offset map back to the
// original. Lowercasing can change a rune's byte length (İ, ẞ, the kelvin
// sign), so spans found in the folded form cannot index the original text
// directly.
type foldedText struct {
	lower string
	back  []int // back[i] = original offset of the rune covering folded byte i
}

func foldText(text string) foldedText {
	var b strings.Builder
	b.Grow(len(text))
	back := make([]int, 0, len(text)+1)
	for i, r := range text {
		start := b.Len()
		b.WriteRune(unicode.ToLower(r))
		for j := start; j < b.Len(); j++ {
			back = append(back, i)
		}
	}
	back = append(back, len(text))
	return foldedText{lower: b.String(), back: back}
}

// span maps a byte span in the folded text onto the original. Both ends fall
// on rune boundaries, so the end offset resolves to the start of the first
// rune after the match.
func (f foldedText) span(s, e int) [2]int {
	return [2]int{f.back[s], f.back[e]}
}

// maskSpans replaces each matched byte span with the mask token, merging
// overlaps first so nested matches collapse into a single mask. Spans are
// byte offsets into text.
func maskSpans(text string, spans [][2]int, mask string) string {
	if len(spans) == 0 {
		return text
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i][0] != spans[j][0] {
			return spans[i][0] < spans[j][0]
		}
		return spans[i][1] > spans[j][1]
	})
	merged := spans[:1]
	for _, sp := range spans[1:] {
		last := &merged[len(merged)-1]
		if sp[0] <= last[1] {
			if sp[1] > last[1] {
				last[1] = sp[1]
			}
			continue
		}
		merged = append(merged, sp)
	}

	var b strings.Builder
	b.Grow(len(text))
	prev := 0
	for _, sp := range merged {
		b.WriteString(text[prev:sp[0]])
		b.WriteString(mask)
		prev = sp[1]
	}
	b.WriteString(text[prev:])
	return b.String()
}
