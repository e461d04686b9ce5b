package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/LiuHaoUltra/echogram/internal/config"
	"github.com/LiuHaoUltra/echogram/internal/store"
)

// ErrEmbeddingUnavailable wraps embedding-capability failures
// (auth/network/quota). The affected chat goes on cooldown.
var ErrEmbeddingUnavailable = errors.New("embedding unavailable")

// Embedder is the external embedding capability. Vectors come back at the
// model's native width; the service projects them to the stored dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

const (
	// syncBatchSize bounds one sync pass so a cold chat backfills over
	// several ticks instead of one huge embedding call.
	syncBatchSize = 50

	// fusionLookback is how many messages before an anchor are examined
	// for the contiguous user-turn run fused into its embedding.
	fusionLookback = 3
)

// Service is the semantic indexer and retriever. Safe for concurrent use;
// cooldown state is per chat.
type Service struct {
	store    store.Store
	cfg      *config.Service
	embedder Embedder
	now      func() time.Time

	mu            sync.Mutex
	cooldownUntil map[int64]time.Time
}

func NewService(st store.Store, cfg *config.Service, emb Embedder) *Service {
	return &Service{
		store:         st,
		cfg:           cfg,
		embedder:      emb,
		now:           time.Now,
		cooldownUntil: make(map[int64]time.Time),
	}
}

// SetClock overrides the cooldown clock (tests).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// OnCooldown reports whether sync for the chat is currently suppressed.
func (s *Service) OnCooldown(chatID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.cooldownUntil[chatID]
	return ok && s.now().Before(until)
}

func (s *Service) tripCooldown(ctx context.Context, chatID int64) {
	d := time.Duration(s.cfg.RAGCooldownSeconds(ctx)) * time.Second
	s.mu.Lock()
	s.cooldownUntil[chatID] = s.now().Add(d)
	s.mu.Unlock()
	slog.Warn("indexing cooldown tripped", "chat_id", chatID, "for", d)
}

func (s *Service) resetCooldown(chatID int64) {
	s.mu.Lock()
	delete(s.cooldownUntil, chatID)
	s.mu.Unlock()
}

// SyncChat resolves up to syncBatchSize unindexed assistant messages for
// the chat: embeddable anchors get vectors, anchors whose content sanitizes
// to nothing get tombstones so they leave the unindexed set. Idempotent:
// already-resolved anchors are never revisited, and every pass with pending
// anchors makes progress. Returns how many anchors were resolved. During
// cooldown the call is skipped outright with no error.
func (s *Service) SyncChat(ctx context.Context, chatID int64) (int, error) {
	if s.embedder == nil {
		return 0, nil
	}
	if s.OnCooldown(chatID) {
		slog.Debug("sync skipped, chat on cooldown", "chat_id", chatID)
		return 0, nil
	}

	anchors, err := s.store.UnindexedAssistant(ctx, chatID, syncBatchSize)
	if err != nil {
		return 0, fmt.Errorf("find unindexed: %w", err)
	}
	if len(anchors) == 0 {
		return 0, nil
	}

	texts := make([]string, 0, len(anchors))
	ids := make([]int64, 0, len(anchors))
	var tombstones []store.VectorEntry
	for _, anchor := range anchors {
		fused, err := s.fuse(ctx, anchor)
		if err != nil {
			return 0, fmt.Errorf("fuse %d: %w", anchor.ID, err)
		}
		if fused == "" {
			// Without a tombstone this anchor would be re-fetched every
			// pass and a batch full of them would stall the sync forever.
			tombstones = append(tombstones, store.VectorEntry{MessageID: anchor.ID})
			continue
		}
		texts = append(texts, fused)
		ids = append(ids, anchor.ID)
	}
	if len(texts) == 0 {
		if len(tombstones) == 0 {
			return 0, nil
		}
		if err := s.store.PutVectors(ctx, tombstones); err != nil {
			return 0, fmt.Errorf("put tombstones: %w", err)
		}
		return len(tombstones), nil
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		s.tripCooldown(ctx, chatID)
		return 0, fmt.Errorf("%w: %v", ErrEmbeddingUnavailable, err)
	}
	if len(vectors) != len(texts) {
		s.tripCooldown(ctx, chatID)
		return 0, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingUnavailable, len(vectors), len(texts))
	}

	dim := s.cfg.EmbeddingDim(ctx)
	entries := make([]store.VectorEntry, len(vectors), len(vectors)+len(tombstones))
	for i, v := range vectors {
		fitted, err := fitDimension(v, dim)
		if err != nil {
			s.tripCooldown(ctx, chatID)
			return 0, err
		}
		entries[i] = store.VectorEntry{MessageID: ids[i], Embedding: fitted}
	}
	entries = append(entries, tombstones...)

	if err := s.store.PutVectors(ctx, entries); err != nil {
		return 0, fmt.Errorf("put vectors: %w", err)
	}
	s.resetCooldown(chatID)

	slog.Info("indexed anchors", "chat_id", chatID,
		"embedded", len(ids), "tombstoned", len(tombstones))
	return len(entries), nil
}

// SyncAll runs one sync pass over every chat that still has unindexed
// anchors. Embedding failures put the affected chat on cooldown and do not
// stop the sweep; the first error is returned after all chats were tried.
func (s *Service) SyncAll(ctx context.Context) (int, error) {
	if s.embedder == nil {
		return 0, nil
	}
	chats, err := s.store.ChatsWithUnindexed(ctx)
	if err != nil {
		return 0, fmt.Errorf("find chats to sync: %w", err)
	}

	total := 0
	var firstErr error
	for _, chatID := range chats {
		n, err := s.SyncChat(ctx, chatID)
		total += n
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return total, firstErr
}

// fuse builds the embedding text for an anchor: the contiguous run of user
// messages immediately before it (any other role terminates the backward
// walk), then the anchor itself, all sanitized and role-prefixed. This
// captures the question a reply was answering, not just the reply.
func (s *Service) fuse(ctx context.Context, anchor store.Message) (string, error) {
	preceding, err := s.store.MessagesBefore(ctx, anchor.ChatID, anchor.ID, fusionLookback)
	if err != nil {
		return "", err
	}

	var userRun []store.Message
	for i := len(preceding) - 1; i >= 0; i-- {
		if preceding[i].Role != store.RoleUser {
			break
		}
		userRun = append([]store.Message{preceding[i]}, userRun...)
	}

	var b strings.Builder
	for _, m := range userRun {
		if text := Sanitize(m.Content); text != "" {
			b.WriteString("User: ")
			b.WriteString(text)
			b.WriteByte('\n')
		}
	}
	reply := Sanitize(anchor.Content)
	if reply == "" {
		return "", nil
	}
	b.WriteString("Assistant: ")
	b.WriteString(reply)
	return b.String(), nil
}

// fitDimension projects a native-width vector onto the stored width.
// Truncating to the leading dimensions is only valid for representations
// whose prefixes are independently meaningful, so a narrower vector is a
// provider/config mismatch, not something to pad.
func fitDimension(v []float32, dim int) ([]float32, error) {
	if len(v) < dim {
		return nil, fmt.Errorf("%w: model returned %d dims, need %d (check embedding_dim)",
			ErrEmbeddingUnavailable, len(v), dim)
	}
	return v[:dim], nil
}

// ClearChat deletes the chat's vectors and lifts its cooldown.
func (s *Service) ClearChat(ctx context.Context, chatID int64) error {
	if err := s.store.DeleteChatVectors(ctx, chatID); err != nil {
		return fmt.Errorf("clear vectors: %w", err)
	}
	s.resetCooldown(chatID)
	slog.Info("vector index cleared", "chat_id", chatID)
	return nil
}

// ClearAll deletes every vector and all cooldown state.
func (s *Service) ClearAll(ctx context.Context) error {
	if err := s.store.DeleteAllVectors(ctx); err != nil {
		return fmt.Errorf("clear all vectors: %w", err)
	}
	s.mu.Lock()
	s.cooldownUntil = make(map[int64]time.Time)
	s.mu.Unlock()
	return nil
}
