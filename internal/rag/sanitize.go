// Package rag maintains the semantic index over assistant replies and
// retrieves older exchanges relevant to a query. Anchors are assistant
// messages; each is embedded fused with the user turns it was answering.
package rag

import (
	"regexp"
	"strings"
)

var (
	imageSummaryRe = regexp.MustCompile(`(?i)\[Image Summary\s*:(.*?)\]`)
	chatTagRe      = regexp.MustCompile(`(?is)<chat[^>]*>(.*?)</chat>`)
	anyTagRe       = regexp.MustCompile(`<[^>]+>`)
	spaceRe        = regexp.MustCompile(`\s+`)
)

// Transient placeholders written while media transcription is pending;
// they carry no semantics and would poison the index.
var placeholders = []string{
	"[Voice: Processing...]",
	"[Image: Processing...]",
}

// Sanitize normalizes message content for embedding. It must be applied
// identically at index time and query time: image-caption markers are
// rewritten to plain text, processing placeholders dropped, and decorative
// wrapper tags stripped (keeping only the inner reply text when the
// content is wrapped in <chat> tags).
func Sanitize(text string) string {
	if text == "" {
		return ""
	}

	text = imageSummaryRe.ReplaceAllString(text, "Image content:$1")
	for _, ph := range placeholders {
		text = strings.ReplaceAll(text, ph, "")
	}

	if matches := chatTagRe.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		parts := make([]string, 0, len(matches))
		for _, m := range matches {
			parts = append(parts, strings.TrimSpace(m[1]))
		}
		return collapse(strings.Join(parts, " "))
	}

	return collapse(anyTagRe.ReplaceAllString(text, ""))
}

func collapse(s string) string {
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}
