package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appendN(t *testing.T, s *SQLiteStore, chatID int64, msgs []Message) []int64 {
	t.Helper()
	ids := make([]int64, len(msgs))
	for i := range msgs {
		msgs[i].ChatID = chatID
		if msgs[i].Kind == "" {
			msgs[i].Kind = KindText
		}
		id, err := s.AppendMessage(context.Background(), &msgs[i])
		if err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
		ids[i] = id
	}
	return ids
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	s := newTestStore(t)
	ids := appendN(t, s, 1, []Message{
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "hello"},
		{Role: RoleUser, Content: "bye"},
	})
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not monotonic: %v", ids)
		}
	}
}

func TestRecentMessagesChronological(t *testing.T) {
	s := newTestStore(t)
	appendN(t, s, 1, []Message{
		{Role: RoleUser, Content: "a"},
		{Role: RoleAssistant, Content: "b"},
		{Role: RoleUser, Content: "c"},
	})
	appendN(t, s, 2, []Message{{Role: RoleUser, Content: "other chat"}})

	msgs, err := s.RecentMessages(context.Background(), 1, 2)
	if err != nil {
		t.Fatalf("RecentMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "b" || msgs[1].Content != "c" {
		t.Errorf("wrong order: %q, %q", msgs[0].Content, msgs[1].Content)
	}
}

func TestMessagesBetween(t *testing.T) {
	s := newTestStore(t)
	ids := appendN(t, s, 1, []Message{
		{Role: RoleUser, Content: "m1"},
		{Role: RoleAssistant, Content: "m2"},
		{Role: RoleUser, Content: "m3"},
		{Role: RoleAssistant, Content: "m4"},
	})

	msgs, err := s.MessagesBetween(context.Background(), 1, ids[0], ids[3])
	if err != nil {
		t.Fatalf("MessagesBetween: %v", err)
	}
	if len(msgs) != 2 || msgs[0].ID != ids[1] || msgs[1].ID != ids[2] {
		t.Errorf("exclusive range wrong: %+v", msgs)
	}

	// beforeID <= 0 means unbounded.
	msgs, err = s.MessagesBetween(context.Background(), 1, ids[1], 0)
	if err != nil {
		t.Fatalf("MessagesBetween unbounded: %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("unbounded got %d, want 2", len(msgs))
	}
}

func TestNeighborQueriesUseLogOrder(t *testing.T) {
	s := newTestStore(t)
	ids := appendN(t, s, 7, []Message{
		{Role: RoleUser, Content: "a"},
		{Role: RoleUser, Content: "b"},
		{Role: RoleAssistant, Content: "c"},
		{Role: RoleUser, Content: "d"},
	})
	// Interleave another chat so ids are not contiguous within chat 7.
	appendN(t, s, 8, []Message{{Role: RoleUser, Content: "x"}})
	ids = append(ids, appendN(t, s, 7, []Message{{Role: RoleAssistant, Content: "e"}})...)

	before, err := s.MessagesBefore(context.Background(), 7, ids[4], 2)
	if err != nil {
		t.Fatalf("MessagesBefore: %v", err)
	}
	if len(before) != 2 || before[0].Content != "c" || before[1].Content != "d" {
		t.Errorf("before = %+v", before)
	}

	after, err := s.MessagesAfter(context.Background(), 7, ids[0], 2)
	if err != nil {
		t.Fatalf("MessagesAfter: %v", err)
	}
	if len(after) != 2 || after[0].Content != "b" || after[1].Content != "c" {
		t.Errorf("after = %+v", after)
	}
}

func TestProfileUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p, err := s.Profile(ctx, 1)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p != nil {
		t.Fatalf("expected nil profile, got %+v", p)
	}

	if err := s.UpsertProfile(ctx, &ChatProfile{ChatID: 1, Profile: "v1", LastFoldedID: 3}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}
	if err := s.UpsertProfile(ctx, &ChatProfile{ChatID: 1, Profile: "v2", LastFoldedID: 9}); err != nil {
		t.Fatalf("UpsertProfile again: %v", err)
	}

	p, err = s.Profile(ctx, 1)
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.Profile != "v2" || p.LastFoldedID != 9 {
		t.Errorf("profile = %+v", p)
	}
}

func TestUnindexedAssistantSkipsIndexedAndPlaceholders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ids := appendN(t, s, 1, []Message{
		{Role: RoleUser, Content: "q"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleAssistant, Content: "[Voice: Processing...]"},
		{Role: RoleAssistant, Content: "a2"},
	})

	if err := s.PutVectors(ctx, []VectorEntry{{MessageID: ids[1], Embedding: []float32{1, 0}}}); err != nil {
		t.Fatalf("PutVectors: %v", err)
	}

	pending, err := s.UnindexedAssistant(ctx, 1, 50)
	if err != nil {
		t.Fatalf("UnindexedAssistant: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != ids[3] {
		t.Errorf("pending = %+v", pending)
	}
}

func TestSearchVectorsOrderingAndExclusion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ids := appendN(t, s, 1, []Message{
		{Role: RoleAssistant, Content: "a"},
		{Role: RoleAssistant, Content: "b"},
		{Role: RoleAssistant, Content: "c"},
	})

	err := s.PutVectors(ctx, []VectorEntry{
		{MessageID: ids[0], Embedding: []float32{1, 0}},   // distance 0
		{MessageID: ids[1], Embedding: []float32{1, 0}},   // distance 0, tie broken by id
		{MessageID: ids[2], Embedding: []float32{0, 1}},   // distance 1, over threshold
	})
	if err != nil {
		t.Fatalf("PutVectors: %v", err)
	}

	hits, err := s.SearchVectors(ctx, 1, []float32{1, 0}, 0.6, 10, nil)
	if err != nil {
		t.Fatalf("SearchVectors: %v", err)
	}
	if len(hits) != 2 || hits[0].MessageID != ids[0] || hits[1].MessageID != ids[1] {
		t.Errorf("hits = %+v", hits)
	}

	hits, err = s.SearchVectors(ctx, 1, []float32{1, 0}, 0.6, 10, []int64{ids[0]})
	if err != nil {
		t.Fatalf("SearchVectors with exclude: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != ids[1] {
		t.Errorf("excluded hits = %+v", hits)
	}
}

func TestTombstoneEntriesResolveWithoutMatching(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ids := appendN(t, s, 1, []Message{
		{Role: RoleAssistant, Content: "<sticker/>"},
		{Role: RoleAssistant, Content: "real"},
	})

	err := s.PutVectors(ctx, []VectorEntry{
		{MessageID: ids[0]}, // tombstone, no embedding
		{MessageID: ids[1], Embedding: []float32{1, 0}},
	})
	if err != nil {
		t.Fatalf("PutVectors: %v", err)
	}

	// Tombstoned anchors leave the unindexed set.
	pending, err := s.UnindexedAssistant(ctx, 1, 50)
	if err != nil {
		t.Fatalf("UnindexedAssistant: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("tombstoned anchor still pending: %+v", pending)
	}

	// They never surface as hits or count as vectors.
	hits, err := s.SearchVectors(ctx, 1, []float32{1, 0}, 1.0, 10, nil)
	if err != nil {
		t.Fatalf("SearchVectors: %v", err)
	}
	if len(hits) != 1 || hits[0].MessageID != ids[1] {
		t.Errorf("hits = %+v", hits)
	}
	if n, _ := s.VectorCount(ctx, 1); n != 1 {
		t.Errorf("vector count = %d, want 1", n)
	}
}

func TestChatsWithUnindexed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ids1 := appendN(t, s, 1, []Message{{Role: RoleAssistant, Content: "done"}})
	appendN(t, s, 2, []Message{{Role: RoleAssistant, Content: "pending"}})
	appendN(t, s, 3, []Message{{Role: RoleUser, Content: "no anchors here"}})
	appendN(t, s, 4, []Message{{Role: RoleAssistant, Content: "[Voice: Processing...]"}})

	if err := s.PutVectors(ctx, []VectorEntry{{MessageID: ids1[0], Embedding: []float32{1}}}); err != nil {
		t.Fatalf("PutVectors: %v", err)
	}

	chats, err := s.ChatsWithUnindexed(ctx)
	if err != nil {
		t.Fatalf("ChatsWithUnindexed: %v", err)
	}
	if len(chats) != 1 || chats[0] != 2 {
		t.Errorf("chats = %v, want [2]", chats)
	}
}

func TestResetChatCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ids := appendN(t, s, 1, []Message{
		{Role: RoleUser, Content: "q"},
		{Role: RoleAssistant, Content: "a"},
	})
	appendN(t, s, 2, []Message{{Role: RoleUser, Content: "keep"}})

	s.PutVectors(ctx, []VectorEntry{{MessageID: ids[1], Embedding: []float32{1}}})
	s.UpsertProfile(ctx, &ChatProfile{ChatID: 1, Profile: "p", LastFoldedID: ids[0]})

	if err := s.ResetChat(ctx, 1); err != nil {
		t.Fatalf("ResetChat: %v", err)
	}

	if msgs, _ := s.RecentMessages(ctx, 1, 10); len(msgs) != 0 {
		t.Errorf("messages survived reset: %+v", msgs)
	}
	if p, _ := s.Profile(ctx, 1); p != nil {
		t.Errorf("profile survived reset: %+v", p)
	}
	if n, _ := s.VectorCount(ctx, 1); n != 0 {
		t.Errorf("vectors survived reset: %d", n)
	}
	if msgs, _ := s.RecentMessages(ctx, 2, 10); len(msgs) != 1 {
		t.Errorf("other chat affected by reset")
	}
}

func TestConfigRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetConfig(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: ok=%v err=%v", ok, err)
	}
	if err := s.SetConfig(ctx, "k", "v1"); err != nil {
		t.Fatalf("SetConfig: %v", err)
	}
	if err := s.SetConfig(ctx, "k", "v2"); err != nil {
		t.Fatalf("SetConfig overwrite: %v", err)
	}
	v, ok, err := s.GetConfig(ctx, "k")
	if err != nil || !ok || v != "v2" {
		t.Errorf("GetConfig = %q, %v, %v", v, ok, err)
	}
}

func TestCosineDistance(t *testing.T) {
	cases := []struct {
		a, b []float32
		want float64
	}{
		{[]float32{1, 0}, []float32{1, 0}, 0},
		{[]float32{1, 0}, []float32{0, 1}, 1},
		{[]float32{1, 0}, []float32{-1, 0}, 2},
		{[]float32{0, 0}, []float32{1, 0}, 1},
	}
	for _, c := range cases {
		got := CosineDistance(c.a, c.b)
		if diff := got - c.want; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("CosineDistance(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestTimestampsRoundTripUTC(t *testing.T) {
	s := newTestStore(t)
	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	m := Message{ChatID: 1, Role: RoleUser, Kind: KindText, Content: "x", CreatedAt: at}
	if _, err := s.AppendMessage(context.Background(), &m); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	msgs, _ := s.RecentMessages(context.Background(), 1, 1)
	if !msgs[0].CreatedAt.Equal(at) {
		t.Errorf("created_at = %v, want %v", msgs[0].CreatedAt, at)
	}
}
