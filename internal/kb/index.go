// Package kb implements a deterministic, concurrency-safe in-memory matcher
// over the FAQ knowledge base. An Index is built once from the active FAQ
// rows and is immutable afterwards; hot reloads build a fresh Index.
//
//   - No logging in the library (callers decide how/what to log)
//   - Clear, documented types and functional options (Option pattern)
//   - Unicode-aware tokenization shared with the rest of the pipeline
//   - Deterministic scoring and sorting (insertion order breaks ties)
//
// Scoring blends three signals per entry:
//
//	score = keywordWeight   * (query tokens covered by keywords / query tokens)
//	      + questionWeight  * (query tokens found in question / query tokens)
//	      + substringBonus    when the normalized query appears verbatim
//	                          inside the normalized question
//
// Entries scoring below the inclusion threshold are dropped. Whether the top
// result is confident enough to answer directly is the caller's decision.
package kb

import (
	"regexp"
	"sort"
	"strings"

	"github.com/tbourn/go-agent-backend/internal/domain"
)

// Result is one ranked knowledge-base entry with its match score.
type Result struct {
	Entry domain.FAQEntry
	Score float64
}

// ----------------------------------------------------------------------------
// Options

type Option func(*config)

type config struct {
	keywordWeight  float64
	questionWeight float64
	substringBonus float64
	minScore       float64
	minQueryTokens int
	maxResults     int
}

func defaultConfig() config {
	return config{
		keywordWeight:  0.6,
		questionWeight: 0.3,
		substringBonus: 0.1,
		minScore:       0.25,
		minQueryTokens: 1,
		maxResults:     5,
	}
}

// WithWeights sets the keyword, question and substring weights. Negative
// values are ignored.
func WithWeights(keyword, question, substring float64) Option {
	return func(c *config) {
		if keyword >= 0 && question >= 0 && substring >= 0 {
			c.keywordWeight = keyword
			c.questionWeight = question
			c.substringBonus = substring
		}
	}
}

// WithMinScore sets the inclusion threshold in [0,1].
func WithMinScore(min float64) Option {
	return func(c *config) {
		if min >= 0 && min <= 1 {
			c.minScore = min
		}
	}
}

// WithMinQueryTokens sets the minimum token count a query needs before the
// index attempts matching at all.
func WithMinQueryTokens(n int) Option {
	return func(c *config) {
		if n >= 1 {
			c.minQueryTokens = n
		}
	}
}

// WithMaxResults caps the number of results Search returns.
func WithMaxResults(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxResults = n
		}
	}
}

// ----------------------------------------------------------------------------
// Implementation

type doc struct {
	entry          domain.FAQEntry
	keywords       []string
	questionNorm   string
	questionTokens map[string]struct{}
	order          int
}

// Index is an immutable matcher over FAQ entries, safe for concurrent use.
type Index struct {
	cfg  config
	docs []doc
}

// NewIndex builds an Index from the given entries. Inactive entries and
// entries with an empty question are skipped. Entry order is preserved and
// used as the tie-break for equal scores.
func NewIndex(entries []domain.FAQEntry, opts ...Option) *Index {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}

	docs := make([]doc, 0, len(entries))
	for _, e := range entries {
		if !e.Active {
			continue
		}
		norm := normalize(e.Question)
		toks := tokenSet(e.Question)
		if norm == "" || len(toks) == 0 {
			continue
		}
		docs = append(docs, doc{
			entry:          e,
			keywords:       e.KeywordList(),
			questionNorm:   norm,
			questionTokens: toks,
			order:          len(docs),
		})
	}
	return &Index{cfg: cfg, docs: docs}
}

// Len returns the number of indexed entries.
func (i *Index) Len() int { return len(i.docs) }

// Search ranks entries against query, optionally restricted to a category.
// An empty category searches everything; an unknown category yields nothing.
// Queries below the minimum token count return nil.
func (i *Index) Search(query, category string) []Result {
	if len(i.docs) == 0 {
		return nil
	}
	qNorm := normalize(query)
	qTokens := tokenSet(query)
	if len(qTokens) < i.cfg.minQueryTokens {
		return nil
	}

	type scored struct {
		res   Result
		order int
	}
	var buf []scored
	for _, d := range i.docs {
		if category != "" && d.entry.Category != category {
			continue
		}
		score := i.score(qNorm, qTokens, d)
		if score < i.cfg.minScore {
			continue
		}
		buf = append(buf, scored{res: Result{Entry: d.entry, Score: score}, order: d.order})
	}
	if len(buf) == 0 {
		return nil
	}

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].res.Score != buf[b].res.Score {
			return buf[a].res.Score > buf[b].res.Score
		}
		return buf[a].order < buf[b].order
	})

	n := len(buf)
	if i.cfg.maxResults > 0 && n > i.cfg.maxResults {
		n = i.cfg.maxResults
	}
	out := make([]Result, n)
	for j := 0; j < n; j++ {
		out[j] = buf[j].res
	}
	return out
}

// Best returns the single highest-ranked result, if any.
func (i *Index) Best(query, category string) (Result, bool) {
	results := i.Search(query, category)
	if len(results) == 0 {
		return Result{}, false
	}
	return results[0], true
}

func (i *Index) score(qNorm string, qTokens map[string]struct{}, d doc) float64 {
	var score float64

	if len(d.keywords) > 0 && len(qTokens) > 0 {
		covered := make(map[string]struct{}, len(qTokens))
		for _, kw := range d.keywords {
			keywordCover(kw, qNorm, qTokens, covered)
		}
		score += i.cfg.keywordWeight * float64(len(covered)) / float64(len(qTokens))
	}

	if len(qTokens) > 0 {
		overlap := 0
		for t := range qTokens {
			if _, ok := d.questionTokens[t]; ok {
				overlap++
			}
		}
		score += i.cfg.questionWeight * float64(overlap) / float64(len(qTokens))
	}

	if qNorm != "" && strings.Contains(d.questionNorm, qNorm) {
		score += i.cfg.substringBonus
	}
	return score
}

// keywordCover marks the query tokens a keyword accounts for. A single-word
// keyword covers its own token; a multi-word keyword that appears as a
// substring of the normalized query covers each of its words.
func keywordCover(kw, qNorm string, qTokens map[string]struct{}, covered map[string]struct{}) {
	if strings.ContainsRune(kw, ' ') {
		if strings.Contains(qNorm, kw) {
			for _, w := range strings.Fields(kw) {
				if _, ok := qTokens[w]; ok {
					covered[w] = struct{}{}
				}
			}
		}
		return
	}
	if _, ok := qTokens[kw]; ok {
		covered[kw] = struct{}{}
	}
}

// ----------------------------------------------------------------------------
// Helpers

var wordRE = regexp.MustCompile(`\p{L}+\p{N}*`)

func tokenSet(s string) map[string]struct{} {
	words := wordRE.FindAllString(strings.ToLower(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}

// normalize lowercases s and collapses it to space-separated word tokens so
// substring checks ignore punctuation and casing.
func normalize(s string) string {
	return strings.Join(wordRE.FindAllString(strings.ToLower(s), -1), " ")
}
