// Package history selects the active context window for a chat: the
// maximal tail of recent messages whose rendered token cost fits a budget.
// It also computes the window/buffer token stats the archive trigger runs on.
package history

import (
	"fmt"
)

// Oversized content is cut to a head and tail slice before costing so a
// single flooded message cannot eat the whole budget.
const (
	MaxContentChars = 8000
	headRatio       = 0.3
	tailRatio       = 0.3
)

// TruncateContent caps content at MaxContentChars, keeping the head and
// tail fractions around a visible elision marker. Output is always shorter
// than the ceiling, so re-truncation is a no-op.
func TruncateContent(content string) string {
	return truncateAt(content, MaxContentChars)
}

func truncateAt(content string, maxChars int) string {
	runes := []rune(content)
	if len(runes) <= maxChars {
		return content
	}

	headChars := int(float64(maxChars) * headRatio)
	tailChars := int(float64(maxChars) * tailRatio)

	head := string(runes[:headChars])
	tail := string(runes[len(runes)-tailChars:])
	marker := fmt.Sprintf("\n...[elided %d chars]...\n", len(runes)-headChars-tailChars)

	return head + marker + tail
}
