// Package summary folds messages that fell out of the active window into
// the chat's long-term profile. Per chat it behaves as a small state
// machine: Idle (no buffer) -> BufferGrowing (buffer accumulating) ->
// Compacting (summarization in flight), with a debounce and single-flight
// guard so one chat never compacts reentrantly.
package summary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LiuHaoUltra/echogram/internal/config"
	"github.com/LiuHaoUltra/echogram/internal/history"
	"github.com/LiuHaoUltra/echogram/internal/locks"
	"github.com/LiuHaoUltra/echogram/internal/store"
)

// ErrSummarizationFailed wraps capability failures. The pointer does not
// move; the same buffer is recomputed and retried on the next trigger.
var ErrSummarizationFailed = errors.New("summarization failed")

// Summarizer is the external compaction capability.
type Summarizer interface {
	Summarize(ctx context.Context, previousProfile, bufferText string) (string, error)
}

// State of one chat's archive machine.
type State string

const (
	StateIdle          State = "idle"
	StateBufferGrowing State = "buffer_growing"
	StateCompacting    State = "compacting"
)

// debounceWindow suppresses re-triggering for a chat right after a run;
// the buffer is recomputed from the pointer, so dropped triggers lose
// nothing.
const debounceWindow = 5 * time.Second

// Service is the archive trigger. Safe for concurrent use across chats.
type Service struct {
	store      store.Store
	cfg        *config.Service
	selector   *history.Selector
	summarizer Summarizer
	locks      *locks.Registry
	now        func() time.Time

	mu       sync.Mutex
	inflight map[int64]struct{}
	lastRun  map[int64]time.Time
}

func NewService(st store.Store, cfg *config.Service, sel *history.Selector, sum Summarizer, lk *locks.Registry) *Service {
	return &Service{
		store:      st,
		cfg:        cfg,
		selector:   sel,
		summarizer: sum,
		locks:      lk,
		now:        time.Now,
		inflight:   make(map[int64]struct{}),
		lastRun:    make(map[int64]time.Time),
	}
}

// SetClock overrides the trigger clock (tests).
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Status describes one chat's archive state for reporting.
type Status struct {
	State        State
	Profile      string
	LastFoldedID int64
	UpdatedAt    time.Time
	BufferTokens int
	BufferCount  int
}

// Status reports the chat's current state without mutating anything.
func (s *Service) Status(ctx context.Context, chatID int64) (Status, error) {
	var lastFolded int64
	st := Status{State: StateIdle}

	if p, err := s.store.Profile(ctx, chatID); err != nil {
		return st, err
	} else if p != nil {
		st.Profile = p.Profile
		st.LastFoldedID = p.LastFoldedID
		st.UpdatedAt = p.UpdatedAt
		lastFolded = p.LastFoldedID
	}

	stats, err := s.selector.ComputeStats(ctx, chatID, s.cfg.WindowTokens(ctx), lastFolded)
	if err != nil {
		return st, err
	}
	st.BufferTokens = stats.BufferTokens
	st.BufferCount = stats.BufferCount

	s.mu.Lock()
	_, compacting := s.inflight[chatID]
	s.mu.Unlock()

	switch {
	case compacting:
		st.State = StateCompacting
	case stats.BufferCount > 0:
		st.State = StateBufferGrowing
	}
	return st, nil
}

// CheckAndCompact evaluates the trigger for one chat and compacts the
// buffer if it fires. Concurrent calls for the same chat are dropped, not
// queued; different chats run freely in parallel. A capability failure is
// returned wrapped in ErrSummarizationFailed and leaves the pointer
// untouched.
func (s *Service) CheckAndCompact(ctx context.Context, chatID int64) error {
	if s.summarizer == nil {
		return nil
	}

	s.mu.Lock()
	if _, busy := s.inflight[chatID]; busy {
		s.mu.Unlock()
		slog.Debug("compaction already in flight, dropping trigger", "chat_id", chatID)
		return nil
	}
	if last, ok := s.lastRun[chatID]; ok && s.now().Sub(last) < debounceWindow {
		s.mu.Unlock()
		return nil
	}
	s.inflight[chatID] = struct{}{}
	s.lastRun[chatID] = s.now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.inflight, chatID)
		s.mu.Unlock()
	}()

	unlock := s.locks.Lock(chatID)
	defer unlock()

	return s.compact(ctx, chatID)
}

func (s *Service) compact(ctx context.Context, chatID int64) error {
	var prevProfile string
	var lastFolded int64

	p, err := s.store.Profile(ctx, chatID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if p != nil {
		prevProfile = p.Profile
		lastFolded = p.LastFoldedID
	}

	windowTokens := s.cfg.WindowTokens(ctx)
	stats, err := s.selector.ComputeStats(ctx, chatID, windowTokens, lastFolded)
	if err != nil {
		return fmt.Errorf("compute stats: %w", err)
	}
	if stats.BufferCount == 0 {
		return nil
	}

	overSize := stats.BufferTokens >= s.cfg.SummaryTriggerTokens(ctx)
	idleFor := s.now().Sub(stats.NewestAt)
	overIdle := idleFor > time.Duration(s.cfg.SummaryIdleSeconds(ctx))*time.Second
	if !overSize && !overIdle {
		return nil
	}

	buffer, err := s.store.MessagesBetween(ctx, chatID, lastFolded, stats.WindowStartID)
	if err != nil {
		return fmt.Errorf("gather buffer: %w", err)
	}
	if len(buffer) == 0 {
		return nil
	}

	newProfile, err := s.summarizer.Summarize(ctx, prevProfile, history.BufferText(buffer))
	if err != nil {
		slog.Warn("compaction failed, will retry on next trigger",
			"chat_id", chatID, "buffer_count", len(buffer), "error", err)
		return fmt.Errorf("%w: %v", ErrSummarizationFailed, err)
	}
	if newProfile == "" {
		slog.Warn("summarizer returned empty profile, keeping pointer", "chat_id", chatID)
		return fmt.Errorf("%w: empty profile", ErrSummarizationFailed)
	}

	if err := s.store.UpsertProfile(ctx, &store.ChatProfile{
		ChatID:       chatID,
		Profile:      newProfile,
		LastFoldedID: buffer[len(buffer)-1].ID,
		UpdatedAt:    s.now().UTC(),
	}); err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}

	slog.Info("buffer compacted",
		"chat_id", chatID,
		"folded", len(buffer),
		"buffer_tokens", stats.BufferTokens,
		"idle", idleFor.Truncate(time.Second),
		"by_size", overSize)
	return nil
}
