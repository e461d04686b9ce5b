// Package engine is the thin orchestrator over the memory core: it
// assembles the context for a model call (profile + retrieved block +
// active window), records turns into the log, kicks the archive trigger
// after each turn, and owns chat reset.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/LiuHaoUltra/echogram/internal/config"
	"github.com/LiuHaoUltra/echogram/internal/history"
	"github.com/LiuHaoUltra/echogram/internal/locks"
	"github.com/LiuHaoUltra/echogram/internal/rag"
	"github.com/LiuHaoUltra/echogram/internal/store"
	"github.com/LiuHaoUltra/echogram/internal/summary"
)

// snippetMaxRunes clamps the stored preview of a quoted message.
const snippetMaxRunes = 30

// Engine wires the core components together. All mutation paths for one
// chat run under its registry handle.
type Engine struct {
	Store    store.Store
	Cfg      *config.Service
	Selector *history.Selector
	Archive  *summary.Service
	RAG      *rag.Service
	Locks    *locks.Registry
}

func New(st store.Store, cfg *config.Service, sel *history.Selector, arc *summary.Service, rg *rag.Service, lk *locks.Registry) *Engine {
	return &Engine{Store: st, Cfg: cfg, Selector: sel, Archive: arc, RAG: rg, Locks: lk}
}

// TurnContext is everything the orchestrator feeds a model call.
type TurnContext struct {
	Profile   string          // long-term profile, may be empty
	Retrieved string          // supplementary context block, may be empty
	Window    []store.Message // chronological active window
}

// BuildContext assembles the bounded view of the chat for one model call.
// Retrieval failures degrade to an empty block; only store errors surface.
func (e *Engine) BuildContext(ctx context.Context, chatID int64, query string) (*TurnContext, error) {
	tc := &TurnContext{}

	if p, err := e.Store.Profile(ctx, chatID); err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	} else if p != nil {
		tc.Profile = p.Profile
	}

	window, err := e.Selector.SelectWindow(ctx, chatID, e.Cfg.WindowTokens(ctx))
	if err != nil {
		return nil, fmt.Errorf("select window: %w", err)
	}
	tc.Window = window

	// Messages already in the window must not resurface via retrieval.
	exclude := make([]int64, len(window))
	for i, m := range window {
		exclude[i] = m.ID
	}

	block, err := e.RAG.Search(ctx, chatID, query, exclude, rag.DefaultTopK, e.Cfg.RAGPadding(ctx))
	switch {
	case err == nil:
		tc.Retrieved = block
	case errors.Is(err, rag.ErrQueryTooShort):
		// Expected for greetings and stickers; nothing to retrieve.
	case errors.Is(err, rag.ErrEmbeddingUnavailable):
		slog.Warn("retrieval degraded to empty block", "chat_id", chatID, "error", err)
	default:
		return nil, fmt.Errorf("retrieve context: %w", err)
	}

	return tc, nil
}

// RecordUserMessage appends an inbound user turn, clamping the quoted
// snippet to its stored preview length.
func (e *Engine) RecordUserMessage(ctx context.Context, m *store.Message) (int64, error) {
	m.Role = store.RoleUser
	if m.Kind == "" {
		m.Kind = store.KindText
	}
	m.ReplyToSnippet = clampSnippet(m.ReplyToSnippet)
	return e.Store.AppendMessage(ctx, m)
}

// RecordAssistantReply appends an outbound assistant turn.
func (e *Engine) RecordAssistantReply(ctx context.Context, chatID int64, content string) (int64, error) {
	return e.Store.AppendMessage(ctx, &store.Message{
		ChatID:  chatID,
		Role:    store.RoleAssistant,
		Kind:    store.KindText,
		Content: content,
	})
}

// AfterTurn runs the per-turn maintenance: the archive trigger. Intended
// to be dispatched fire-and-forget by the transport after a reply is sent;
// failures are logged, never returned.
func (e *Engine) AfterTurn(ctx context.Context, chatID int64) {
	if err := e.Archive.CheckAndCompact(ctx, chatID); err != nil &&
		!errors.Is(err, summary.ErrSummarizationFailed) {
		slog.Warn("archive trigger failed", "chat_id", chatID, "error", err)
	}
}

// Reset wipes the chat: log, profile, vectors and cooldown state, all
// under the chat handle so an in-flight compaction or sync for the same
// chat cannot interleave partial writes.
func (e *Engine) Reset(ctx context.Context, chatID int64) error {
	unlock := e.Locks.Lock(chatID)
	defer unlock()

	if err := e.RAG.ClearChat(ctx, chatID); err != nil {
		return err
	}
	return e.Store.ResetChat(ctx, chatID)
}

// ResetAllDerived clears every profile and vector but keeps the logs, for
// a full reindex/recompaction from scratch.
func (e *Engine) ResetAllDerived(ctx context.Context) error {
	if err := e.RAG.ClearAll(ctx); err != nil {
		return err
	}
	return e.Store.ResetAll(ctx)
}

// ChatStats is the administrative status report for one chat.
type ChatStats struct {
	Window  history.Stats
	Archive summary.Status
	Vectors int
}

// Stats gathers the status report under the chat handle so the numbers
// are a consistent snapshot.
func (e *Engine) Stats(ctx context.Context, chatID int64) (*ChatStats, error) {
	unlock := e.Locks.Lock(chatID)
	defer unlock()

	st, err := e.Archive.Status(ctx, chatID)
	if err != nil {
		return nil, err
	}
	win, err := e.Selector.ComputeStats(ctx, chatID, e.Cfg.WindowTokens(ctx), st.LastFoldedID)
	if err != nil {
		return nil, err
	}
	vectors, err := e.Store.VectorCount(ctx, chatID)
	if err != nil {
		return nil, err
	}
	return &ChatStats{Window: win, Archive: st, Vectors: vectors}, nil
}

func clampSnippet(s string) string {
	runes := []rune(s)
	if len(runes) <= snippetMaxRunes {
		return s
	}
	return string(runes[:snippetMaxRunes]) + ".."
}
