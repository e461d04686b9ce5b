package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/LiuHaoUltra/echogram/internal/store"
)

func newWindowFixture(t *testing.T) (*Selector, *store.SQLiteStore) {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewSelector(st), st
}

func seed(t *testing.T, st *store.SQLiteStore, chatID int64, contents ...string) []int64 {
	t.Helper()
	ids := make([]int64, len(contents))
	role := store.RoleUser
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, c := range contents {
		id, err := st.AppendMessage(context.Background(), &store.Message{
			ChatID:    chatID,
			Role:      role,
			Kind:      store.KindText,
			Content:   c,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		ids[i] = id
		if role == store.RoleUser {
			role = store.RoleAssistant
		} else {
			role = store.RoleUser
		}
	}
	return ids
}

func TestSelectWindowEmptyChat(t *testing.T) {
	sel, _ := newWindowFixture(t)
	win, err := sel.SelectWindow(context.Background(), 1, 100)
	if err != nil {
		t.Fatalf("SelectWindow: %v", err)
	}
	if win != nil {
		t.Errorf("expected empty window, got %d messages", len(win))
	}
}

func TestSelectWindowAlwaysIncludesNewest(t *testing.T) {
	sel, st := newWindowFixture(t)
	ids := seed(t, st, 1, "first message", "second message", "third and newest")

	win, err := sel.SelectWindow(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("SelectWindow: %v", err)
	}
	if len(win) != 1 || win[0].ID != ids[2] {
		t.Fatalf("zero budget should keep only the newest, got %d messages", len(win))
	}
}

func TestSelectWindowRespectsBudget(t *testing.T) {
	sel, st := newWindowFixture(t)
	seed(t, st, 1, "one", "two", "three", "four", "five", "six")

	target := 0
	// Find a budget that admits some but not all messages.
	all, _ := sel.SelectWindow(context.Background(), 1, 1<<30)
	for _, m := range all[len(all)-3:] {
		target += cost(m)
	}

	win, err := sel.SelectWindow(context.Background(), 1, target)
	if err != nil {
		t.Fatalf("SelectWindow: %v", err)
	}
	if len(win) == 0 || len(win) >= len(all) {
		t.Fatalf("budget not selective: %d of %d", len(win), len(all))
	}

	total := 0
	for _, m := range win {
		total += cost(m)
	}
	if total > target {
		t.Errorf("window cost %d over budget %d with %d messages", total, target, len(win))
	}

	// Chronological order, ending at the newest message.
	for i := 1; i < len(win); i++ {
		if win[i].ID <= win[i-1].ID {
			t.Fatalf("window not chronological")
		}
	}
	if win[len(win)-1].ID != all[len(all)-1].ID {
		t.Errorf("window does not end at the newest message")
	}
}

func TestSelectWindowSmallChatFitsWhole(t *testing.T) {
	sel, st := newWindowFixture(t)
	ids := seed(t, st, 1, "hi", "hello", "bye")

	win, err := sel.SelectWindow(context.Background(), 1, 100000)
	if err != nil {
		t.Fatalf("SelectWindow: %v", err)
	}
	if len(win) != 3 {
		t.Fatalf("window = %d messages, want all 3", len(win))
	}
	for i, id := range ids {
		if win[i].ID != id {
			t.Errorf("win[%d].ID = %d, want %d", i, win[i].ID, id)
		}
	}

	// Everything fits, so nothing is left for the buffer.
	stats, err := sel.ComputeStats(context.Background(), 1, 100000, 0)
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}
	if stats.BufferCount != 0 || stats.WindowStartID != ids[0] {
		t.Errorf("stats = %+v", stats)
	}
}

func TestWindowOnlyShrinksForwardOnAppend(t *testing.T) {
	sel, st := newWindowFixture(t)
	seed(t, st, 1, "one", "two", "three", "four")

	all, _ := sel.SelectWindow(context.Background(), 1, 1<<30)
	target := cost(all[2]) + cost(all[3])

	before, err := sel.SelectWindow(context.Background(), 1, target)
	if err != nil {
		t.Fatalf("SelectWindow: %v", err)
	}

	seed(t, st, 1, "five")
	after, err := sel.SelectWindow(context.Background(), 1, target)
	if err != nil {
		t.Fatalf("SelectWindow after append: %v", err)
	}

	if after[0].ID < before[0].ID {
		t.Errorf("window start moved backward: %d -> %d", before[0].ID, after[0].ID)
	}
	for i := 1; i < len(after); i++ {
		if after[i].ID <= after[i-1].ID {
			t.Fatal("window reordered after append")
		}
	}
}

func TestSelectWindowTruncatesOversizedContent(t *testing.T) {
	sel, st := newWindowFixture(t)
	big := make([]byte, 0, 20000)
	for i := 0; i < 20000; i++ {
		big = append(big, 'x')
	}
	seed(t, st, 1, string(big))

	win, err := sel.SelectWindow(context.Background(), 1, 1<<30)
	if err != nil {
		t.Fatalf("SelectWindow: %v", err)
	}
	if n := len([]rune(win[0].Content)); n > MaxContentChars {
		t.Errorf("window content %d runes, over ceiling", n)
	}
}

func TestComputeStatsPartition(t *testing.T) {
	sel, st := newWindowFixture(t)
	ids := seed(t, st, 1, "m one", "m two", "m three", "m four", "m five")

	// Budget that fits roughly the last two messages.
	all, _ := sel.SelectWindow(context.Background(), 1, 1<<30)
	target := cost(all[3]) + cost(all[4])

	lastFolded := ids[0]
	stats, err := sel.ComputeStats(context.Background(), 1, target, lastFolded)
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}

	if stats.WindowCount == 0 {
		t.Fatal("empty window")
	}
	if stats.WindowStartID <= lastFolded {
		t.Errorf("window start %d not after pointer %d", stats.WindowStartID, lastFolded)
	}
	// Folded + buffer + window must account for every message exactly.
	if got := 1 + stats.BufferCount + stats.WindowCount; got != len(ids) {
		t.Errorf("partition broken: 1 folded + %d buffer + %d window != %d",
			stats.BufferCount, stats.WindowCount, len(ids))
	}
	if stats.NewestAt.IsZero() {
		t.Error("NewestAt not set")
	}
}

func TestComputeStatsEmptyAfterPointer(t *testing.T) {
	sel, st := newWindowFixture(t)
	ids := seed(t, st, 1, "only")

	stats, err := sel.ComputeStats(context.Background(), 1, 1000, ids[0])
	if err != nil {
		t.Fatalf("ComputeStats: %v", err)
	}
	if stats.WindowCount != 0 || stats.BufferCount != 0 {
		t.Errorf("expected zero stats past the pointer, got %+v", stats)
	}
}

func TestCountTokensPositive(t *testing.T) {
	if n := CountTokens("hello world, how are you today?"); n <= 0 {
		t.Errorf("CountTokens = %d", n)
	}
	if n := CountTokens(""); n != 0 {
		t.Errorf("CountTokens(empty) = %d", n)
	}
}
