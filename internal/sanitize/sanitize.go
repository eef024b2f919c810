// Package sanitize normalizes free-text metadata fields (title, details,
// studio, performer, tag names) for Plex's field model. It never
// rejects input: every string has some sanitized form.
package sanitize

import (
	"strings"
	"unicode"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/unicode/norm"
)

// DefaultMaxLen is the Plex field length bound applied when the caller
// doesn't need a different one.
const DefaultMaxLen = 255

var smartQuoteReplacer = strings.NewReplacer(
	"‘", "'", // left single quote
	"’", "'", // right single quote
	"“", `"`, // left double quote
	"”", `"`, // right double quote
	"–", "-", // en dash
	"—", "-", // em dash
	"…", "...", // ellipsis
)

// ForPlex normalizes text for the Plex field model:
//  1. Unicode NFC normalize
//  2. Drop Cc (control) and Cf (format) codepoints
//  3. Fold smart quotes/dashes/ellipsis to ASCII
//  4. Collapse whitespace runs, trim
//  5. Truncate to maxLen, preferring a word boundary
//
// An empty or whitespace-only input returns unchanged.
func ForPlex(text string, maxLen int) string {
	if text == "" {
		return text
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}

	original := text

	normalized := norm.NFC.String(text)

	var stripped strings.Builder
	stripped.Grow(len(normalized))
	for _, r := range normalized {
		if unicode.Is(unicode.Cc, r) || unicode.Is(unicode.Cf, r) {
			continue
		}
		stripped.WriteRune(r)
	}

	folded := smartQuoteReplacer.Replace(stripped.String())

	collapsed := collapseWhitespace(folded)

	result := truncate(collapsed, maxLen)

	if result != original {
		log.Debug().
			Str("before", original).
			Str("after", result).
			Msg("sanitized field for Plex")
	}

	return result
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}

// truncate prefers a word boundary when the break would keep at least
// 80% of maxLen; otherwise it hard-cuts at maxLen runes.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}

	hardCut := string(runes[:maxLen])
	minKeep := int(float64(maxLen) * 0.8)

	if idx := strings.LastIndexFunc(hardCut, unicode.IsSpace); idx >= 0 {
		wordBoundary := strings.TrimRightFunc(hardCut[:idx], unicode.IsSpace)
		if len([]rune(wordBoundary)) >= minKeep {
			return wordBoundary
		}
	}

	return hardCut
}
