// Package config reads tuning values from the store's key-value table.
// The table is edited by outer layers (dashboard, CLI); everything here is
// read-through with a default, so a missing or malformed value is never
// fatal.
package config

import (
	"context"
	"log/slog"
	"strconv"
)

// Config keys. Values are stored as strings and parsed on read.
const (
	KeyWindowTokens         = "history_window_tokens"
	KeySummaryTriggerTokens = "summary_trigger_tokens"
	KeySummaryIdleSeconds   = "summary_idle_seconds"
	KeyRAGDistanceThreshold = "rag_distance_threshold"
	KeyRAGPadding           = "rag_padding"
	KeyRAGCooldownSeconds   = "rag_cooldown_seconds"
	KeyEmbeddingDim         = "embedding_dim"
	KeyRAGSyncCron          = "rag_sync_cron"
	KeyAPIKey               = "api_key"
	KeyAPIBaseURL           = "api_base_url"
	KeyModelName            = "model_name"
	KeySummaryModelName     = "summary_model_name"
	KeyVectorModelName      = "vector_model_name"
)

// Defaults applied when a key is absent.
const (
	DefaultWindowTokens         = 6000
	DefaultSummaryTriggerTokens = 2000
	DefaultSummaryIdleSeconds   = 10800
	DefaultRAGDistanceThreshold = 0.6
	DefaultRAGPadding           = 2
	DefaultRAGCooldownSeconds   = 180
	DefaultEmbeddingDim         = 1024
	DefaultRAGSyncCron          = "*/2 * * * *"
	DefaultVectorModelName      = "text-embedding-3-small"
)

// KV is the slice of the store the config service needs.
type KV interface {
	GetConfig(ctx context.Context, key string) (string, bool, error)
	SetConfig(ctx context.Context, key, value string) error
}

// Service provides typed, defaulted access to persisted settings.
type Service struct {
	kv KV
}

func NewService(kv KV) *Service {
	return &Service{kv: kv}
}

// String returns the raw value or def when missing.
func (s *Service) String(ctx context.Context, key, def string) string {
	v, ok, err := s.kv.GetConfig(ctx, key)
	if err != nil {
		slog.Warn("config read failed, using default", "key", key, "error", err)
		return def
	}
	if !ok || v == "" {
		return def
	}
	return v
}

// Int returns the value parsed as int, or def when missing or unparsable.
func (s *Service) Int(ctx context.Context, key string, def int) int {
	v := s.String(ctx, key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config value not an int, using default", "key", key, "value", v)
		return def
	}
	return n
}

// Float returns the value parsed as float64, or def.
func (s *Service) Float(ctx context.Context, key string, def float64) float64 {
	v := s.String(ctx, key, "")
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("config value not a float, using default", "key", key, "value", v)
		return def
	}
	return f
}

// Set writes a value through to the store.
func (s *Service) Set(ctx context.Context, key, value string) error {
	return s.kv.SetConfig(ctx, key, value)
}

// WindowTokens is the active-window token budget.
func (s *Service) WindowTokens(ctx context.Context) int {
	return s.Int(ctx, KeyWindowTokens, DefaultWindowTokens)
}

// SummaryTriggerTokens is the buffer size that forces compaction.
func (s *Service) SummaryTriggerTokens(ctx context.Context) int {
	return s.Int(ctx, KeySummaryTriggerTokens, DefaultSummaryTriggerTokens)
}

// SummaryIdleSeconds is the quiet period after which a non-empty buffer
// is compacted regardless of size.
func (s *Service) SummaryIdleSeconds(ctx context.Context) int {
	return s.Int(ctx, KeySummaryIdleSeconds, DefaultSummaryIdleSeconds)
}

// RAGDistanceThreshold is the maximum cosine distance for a search hit.
func (s *Service) RAGDistanceThreshold(ctx context.Context) float64 {
	return s.Float(ctx, KeyRAGDistanceThreshold, DefaultRAGDistanceThreshold)
}

// RAGPadding is how many neighbors each side of an anchor is expanded by.
func (s *Service) RAGPadding(ctx context.Context) int {
	return s.Int(ctx, KeyRAGPadding, DefaultRAGPadding)
}

// RAGCooldownSeconds is the per-chat circuit-breaker window after an
// embedding failure.
func (s *Service) RAGCooldownSeconds(ctx context.Context) int {
	return s.Int(ctx, KeyRAGCooldownSeconds, DefaultRAGCooldownSeconds)
}

// EmbeddingDim is the fixed stored vector width. Values < 1 fall back to
// the default; the indexer validates provider output against it.
func (s *Service) EmbeddingDim(ctx context.Context) int {
	dim := s.Int(ctx, KeyEmbeddingDim, DefaultEmbeddingDim)
	if dim < 1 {
		slog.Warn("invalid embedding_dim, using default", "value", dim)
		return DefaultEmbeddingDim
	}
	return dim
}

// RAGSyncCron is the cron expression for the background indexing pass.
func (s *Service) RAGSyncCron(ctx context.Context) string {
	return s.String(ctx, KeyRAGSyncCron, DefaultRAGSyncCron)
}
