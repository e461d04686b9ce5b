package history

import (
	"fmt"
	"strings"

	"github.com/LiuHaoUltra/echogram/internal/store"
)

const timeLayout = "2006-01-02 15:04:05"

// RenderMessage produces the model-facing line for a message. User lines
// carry the platform message id, timestamp and reply context so the model
// can address them; assistant lines stay bare so the model does not learn
// to echo the metadata back.
func RenderMessage(m store.Message) string {
	switch m.Role {
	case store.RoleUser:
		var b strings.Builder
		if m.PlatformMsgID > 0 {
			fmt.Fprintf(&b, "[MSG %d] ", m.PlatformMsgID)
		} else {
			b.WriteString("[MSG ?] ")
		}
		fmt.Fprintf(&b, "[%s] ", m.CreatedAt.UTC().Format(timeLayout))
		if m.ReplyToSnippet != "" {
			fmt.Fprintf(&b, "(Reply to %q) ", m.ReplyToSnippet)
		}
		b.WriteString(m.Content)
		return b.String()
	case store.RoleSystem:
		return fmt.Sprintf("[%s] %s", m.CreatedAt.UTC().Format(timeLayout), m.Content)
	default:
		return m.Content
	}
}

// BufferText renders buffer messages as role-prefixed lines for the
// summarization call.
func BufferText(msgs []store.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(TruncateContent(m.Content))
		b.WriteByte('\n')
	}
	return b.String()
}
