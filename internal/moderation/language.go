package moderation

import (
	"strings"
	"unicode"

	"golang.org/x/text/language"
)

// Minimal per-language stop-word lists used only for detection. Detection is
// a heuristic; the charset check below decides most real inputs and the
// stop-word overlap is the tie-breaker for Latin-script text.
var detectStopwords = map[string][]string{
	"ru": {"и", "в", "не", "на", "что", "как", "это", "по", "за", "из", "у", "мне", "где", "когда"},
	"en": {"the", "a", "an", "is", "are", "to", "of", "in", "on", "what", "how", "where", "when", "i"},
}

// NormalizeTag canonicalizes a BCP-47-ish language hint ("ru", "ru-RU",
// "EN") to its primary subtag. Empty or unparseable hints return "".
func NormalizeTag(hint string) string {
	hint = strings.TrimSpace(hint)
	if hint == "" {
		return ""
	}
	tag, err := language.Parse(hint)
	if err != nil {
		return ""
	}
	base, conf := tag.Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}

// DetectLanguage guesses the language of text among the supported set.
// Order of preference: a valid caller hint, the Cyrillic-charset check,
// stop-word overlap, then fallback. fallback must be one of supported.
func DetectLanguage(text, hint, fallback string, supported []string) string {
	if tag := NormalizeTag(hint); tag != "" && containsString(supported, tag) {
		return tag
	}

	letters, cyrillic := 0, 0
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Cyrillic, r) {
			cyrillic++
		}
	}
	if letters > 0 && cyrillic*2 >= letters && containsString(supported, "ru") {
		return "ru"
	}

	// Latin-script text: pick the supported language with the highest
	// stop-word overlap, if any overlaps at all.
	tokens := tokenSet(text)
	best, bestHits := "", 0
	for _, lang := range supported {
		hits := 0
		for _, w := range detectStopwords[lang] {
			if _, ok := tokens[w]; ok {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = lang, hits
		}
	}
	if best != "" {
		return best
	}
	return fallback
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
