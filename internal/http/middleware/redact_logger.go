// Package middleware contains shared Gin middleware used by the HTTP layer.
//
// This file implements RedactingLogger, the access logger for the pipeline
// API. Chat traffic is riddled with identifiers that do not belong in logs:
// session ids tie log lines to a person's whole conversation, idempotency
// keys are often client-generated UUIDs, and free-text queries can carry
// emails or phone numbers. The logger scrubs all of that before emitting a
// structured line per request.
//
//   - Request and response bodies are never logged
//   - Session and idempotency identifiers are tail-masked: enough to
//     correlate adjacent lines, useless for lookup
//   - Emails, phone numbers and UUIDs are pattern-redacted from the query
//     string and remaining header values
//   - Authorization, Cookie, Set-Cookie and configured headers are fully
//     masked
package middleware

import (
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RedactOptions configures RedactingLogger. MaskHeaders lists extra header
// names (case-insensitive) whose values are replaced with "[REDACTED]" in
// full, on top of the built-in sensitive set.
type RedactOptions struct {
	MaskHeaders []string
}

var (
	redactUUIDRE  = regexp.MustCompile(`(?i)\b[0-9a-f]{8}\-[0-9a-f]{4}\-[1-5][0-9a-f]{3}\-[89ab][0-9a-f]{3}\-[0-9a-f]{12}\b`)
	redactEmailRE = regexp.MustCompile(`(?i)\b[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}\b`)
	// Digits-only, so the hex runs inside an already-redacted UUID never
	// re-match as phone numbers.
	redactPhoneRE = regexp.MustCompile(`\b(?:\+?\d{1,3}[ .-]?)?(?:\(?\d{2,4}\)?[ .-]?)?\d{3,4}[ .-]?\d{4}\b`)
	// session_id appears as a query parameter on history requests.
	sessionParamRE = regexp.MustCompile(`(?i)\b(session_id)=[^&\s]+`)
)

// redactText scrubs identifiers from free-form text. Order matters: UUIDs
// first, then emails, then the loose phone pattern.
func redactText(s string) string {
	if s == "" {
		return s
	}
	out := sessionParamRE.ReplaceAllString(s, "$1=[REDACTED:session]")
	out = redactUUIDRE.ReplaceAllString(out, "[REDACTED:id]")
	out = redactEmailRE.ReplaceAllString(out, "[REDACTED:email]")
	return redactPhoneRE.ReplaceAllString(out, "[REDACTED:phone]")
}

// maskTail keeps the last four characters of an identifier so adjacent log
// lines for the same session remain correlatable.
func maskTail(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 4 {
		return "****"
	}
	return "…" + s[len(s)-4:]
}

// RedactingLogger returns a Gin middleware that logs one structured line per
// request with the scrubbing described in the package comment applied.
// Level follows the outcome: info for 2xx/3xx, warn for 4xx, error for 5xx.
func RedactingLogger(opts RedactOptions) gin.HandlerFunc {
	fullMask := map[string]struct{}{
		"authorization": {},
		"cookie":        {},
		"set-cookie":    {},
	}
	for _, h := range opts.MaskHeaders {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			fullMask[h] = struct{}{}
		}
	}
	tailMask := map[string]struct{}{
		strings.ToLower(HeaderSessionID):      {},
		strings.ToLower(HeaderIdempotencyKey): {},
	}

	return func(c *gin.Context) {
		start := time.Now()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		safeQuery := redactText(c.Request.URL.RawQuery)

		safeHeaders := make(map[string]string, len(c.Request.Header))
		for k, vv := range c.Request.Header {
			lower := strings.ToLower(k)
			val := strings.Join(vv, ", ")
			switch {
			case hasKey(fullMask, lower):
				safeHeaders[k] = "[REDACTED]"
			case hasKey(tailMask, lower):
				safeHeaders[k] = maskTail(val)
			default:
				safeHeaders[k] = redactText(val)
			}
		}

		c.Next()

		status := c.Writer.Status()
		reqID := c.Writer.Header().Get("X-Request-ID")
		if reqID == "" {
			reqID = c.GetHeader("X-Request-ID")
		}

		ev := log.Info()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}

		ev.
			Str("request_id", reqID).
			Str("session", maskTail(c.GetHeader(HeaderSessionID))).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("query", safeQuery).
			Int("status", status).
			Int("bytes", c.Writer.Size()).
			Dur("latency", time.Since(start)).
			Interface("headers", safeHeaders).
			Msg("http_request")
	}
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}
