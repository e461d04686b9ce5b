package config

import (
	"context"
	"errors"
	"testing"
)

type fakeKV struct {
	values map[string]string
	err    error
}

func (f *fakeKV) GetConfig(ctx context.Context, key string) (string, bool, error) {
	if f.err != nil {
		return "", false, f.err
	}
	v, ok := f.values[key]
	return v, ok, nil
}

func (f *fakeKV) SetConfig(ctx context.Context, key, value string) error {
	if f.values == nil {
		f.values = make(map[string]string)
	}
	f.values[key] = value
	return nil
}

func TestDefaultsWhenUnset(t *testing.T) {
	s := NewService(&fakeKV{})
	ctx := context.Background()

	if got := s.WindowTokens(ctx); got != DefaultWindowTokens {
		t.Errorf("WindowTokens = %d", got)
	}
	if got := s.SummaryTriggerTokens(ctx); got != DefaultSummaryTriggerTokens {
		t.Errorf("SummaryTriggerTokens = %d", got)
	}
	if got := s.RAGDistanceThreshold(ctx); got != DefaultRAGDistanceThreshold {
		t.Errorf("RAGDistanceThreshold = %v", got)
	}
	if got := s.EmbeddingDim(ctx); got != DefaultEmbeddingDim {
		t.Errorf("EmbeddingDim = %d", got)
	}
	if got := s.RAGSyncCron(ctx); got != DefaultRAGSyncCron {
		t.Errorf("RAGSyncCron = %q", got)
	}
}

func TestStoredValuesOverrideDefaults(t *testing.T) {
	s := NewService(&fakeKV{values: map[string]string{
		KeyWindowTokens:         "1234",
		KeyRAGDistanceThreshold: "0.45",
	}})
	ctx := context.Background()

	if got := s.WindowTokens(ctx); got != 1234 {
		t.Errorf("WindowTokens = %d", got)
	}
	if got := s.RAGDistanceThreshold(ctx); got != 0.45 {
		t.Errorf("RAGDistanceThreshold = %v", got)
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	s := NewService(&fakeKV{values: map[string]string{
		KeyWindowTokens:         "not-a-number",
		KeyRAGDistanceThreshold: "wide",
		KeyEmbeddingDim:         "-5",
	}})
	ctx := context.Background()

	if got := s.WindowTokens(ctx); got != DefaultWindowTokens {
		t.Errorf("malformed int: %d", got)
	}
	if got := s.RAGDistanceThreshold(ctx); got != DefaultRAGDistanceThreshold {
		t.Errorf("malformed float: %v", got)
	}
	if got := s.EmbeddingDim(ctx); got != DefaultEmbeddingDim {
		t.Errorf("non-positive dim accepted: %d", got)
	}
}

func TestReadErrorFallsBack(t *testing.T) {
	s := NewService(&fakeKV{err: errors.New("db closed")})
	if got := s.WindowTokens(context.Background()); got != DefaultWindowTokens {
		t.Errorf("read error: %d", got)
	}
}

func TestSetWritesThrough(t *testing.T) {
	kv := &fakeKV{}
	s := NewService(kv)
	ctx := context.Background()

	if err := s.Set(ctx, KeyWindowTokens, "9000"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if got := s.WindowTokens(ctx); got != 9000 {
		t.Errorf("WindowTokens after Set = %d", got)
	}
}
