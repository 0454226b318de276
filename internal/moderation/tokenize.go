package moderation

import (
	"regexp"
	"strings"
)

// wordRE extracts Unicode word tokens: letters optionally followed by digits.
var wordRE = regexp.MustCompile(`\p{L}+\p{N}*`)

// tokenSet lowercases s and returns its unique word tokens.
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
