package history

import (
	"context"
	"time"

	"github.com/LiuHaoUltra/echogram/internal/store"
)

// candidateCap bounds how many recent messages the selector considers,
// keeping the walk O(cap) on chats with years of history.
const candidateCap = 200

// Selector picks the active window from the message log.
type Selector struct {
	store store.Store
}

func NewSelector(st store.Store) *Selector {
	return &Selector{store: st}
}

// Stats is one scan's worth of window/buffer accounting.
type Stats struct {
	WindowTokens  int
	WindowCount   int
	WindowStartID int64 // id of the oldest message inside the window, 0 if empty
	BufferTokens  int   // messages in (lastFoldedID, WindowStartID)
	BufferCount   int
	NewestAt      time.Time // creation time of the newest message, zero if none
}

// cost is the token price of a message: its rendered, truncated form,
// metadata included.
func cost(m store.Message) int {
	m.Content = TruncateContent(m.Content)
	return CountTokens(RenderMessage(m))
}

// selectTail walks msgs (ascending id) backward, accumulating rendered
// token cost until targetTokens would be exceeded. The newest message is
// always kept, even alone over budget. Returns the index of the oldest
// included message and the total cost.
func selectTail(msgs []store.Message, targetTokens int) (start, total int) {
	start = len(msgs)
	for i := len(msgs) - 1; i >= 0; i-- {
		c := cost(msgs[i])
		if i < len(msgs)-1 && total+c > targetTokens {
			break
		}
		total += c
		start = i
	}
	return start, total
}

// SelectWindow returns the maximal recent tail of the chat that fits
// targetTokens, in chronological order, with oversized content truncated.
func (s *Selector) SelectWindow(ctx context.Context, chatID int64, targetTokens int) ([]store.Message, error) {
	msgs, err := s.store.RecentMessages(ctx, chatID, candidateCap)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	start, _ := selectTail(msgs, targetTokens)
	window := msgs[start:]

	out := make([]store.Message, len(window))
	for i, m := range window {
		m.Content = TruncateContent(m.Content)
		out[i] = m
	}
	return out, nil
}

// ComputeStats derives window and buffer token totals in one log scan over
// the messages newer than lastFoldedID. The ids strictly between
// lastFoldedID and WindowStartID are the buffer; together with the window
// and the already-folded ids they partition the chat exactly.
func (s *Selector) ComputeStats(ctx context.Context, chatID int64, targetTokens int, lastFoldedID int64) (Stats, error) {
	msgs, err := s.store.MessagesBetween(ctx, chatID, lastFoldedID, 0)
	if err != nil {
		return Stats{}, err
	}
	if len(msgs) == 0 {
		return Stats{}, nil
	}

	candidates := msgs
	if len(candidates) > candidateCap {
		candidates = candidates[len(candidates)-candidateCap:]
	}
	start, windowTokens := selectTail(candidates, targetTokens)
	window := candidates[start:]

	st := Stats{
		WindowTokens:  windowTokens,
		WindowCount:   len(window),
		WindowStartID: window[0].ID,
		NewestAt:      msgs[len(msgs)-1].CreatedAt,
	}
	for _, m := range msgs {
		if m.ID >= st.WindowStartID {
			break
		}
		st.BufferTokens += cost(m)
		st.BufferCount++
	}
	return st, nil
}
