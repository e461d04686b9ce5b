package history

import (
	"log/slog"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Costing uses a fixed encoding regardless of the chat model: window and
// buffer sizes only need to be consistent with each other, not exact for
// every provider.
const tokenEncoding = "cl100k_base"

const charsPerTokenEstimate = 4

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// CountTokens returns the token cost of text under the fixed encoding.
// If the encoding cannot be loaded (offline first run), it falls back to a
// chars/4 estimate rather than failing the caller.
func CountTokens(text string) int {
	encOnce.Do(func() {
		var err error
		enc, err = tiktoken.GetEncoding(tokenEncoding)
		if err != nil {
			slog.Warn("tiktoken unavailable, estimating tokens by length", "error", err)
		}
	})
	if enc == nil {
		return (utf8.RuneCountInString(text) + charsPerTokenEstimate - 1) / charsPerTokenEstimate
	}
	return len(enc.Encode(text, nil, nil))
}
