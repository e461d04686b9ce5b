// Package store persists the per-chat message log and the state derived
// from it: the compacted long-term profile and the semantic vector index.
// The log is the single source of truth; profile and vectors are disposable
// and can be rebuilt by replaying the log in id order.
package store

import (
	"context"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Kind identifies the original modality of a message.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
	KindImage Kind = "image"
)

// Message is one entry in the append-only chat log.
// IDs are assigned by the store and increase monotonically.
type Message struct {
	ID             int64     `json:"id"`
	ChatID         int64     `json:"chat_id"`
	Role           Role      `json:"role"`
	Kind           Kind      `json:"kind"`
	Content        string    `json:"content"`
	PlatformMsgID  int64     `json:"platform_msg_id,omitempty"`  // transport-side message id (0 = none)
	ReplyToID      int64     `json:"reply_to_id,omitempty"`      // platform id of the quoted message (0 = none)
	ReplyToSnippet string    `json:"reply_to_snippet,omitempty"` // clamped preview of the quoted message
	CreatedAt      time.Time `json:"created_at"`
}

// ChatProfile is the compacted long-term memory for one chat.
// LastFoldedID is the id of the newest message folded into Profile;
// it only moves forward.
type ChatProfile struct {
	ChatID       int64     `json:"chat_id"`
	Profile      string    `json:"profile"`
	LastFoldedID int64     `json:"last_folded_id"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// VectorEntry is the embedding for one indexed assistant message. A nil
// Embedding is a tombstone: the anchor was examined and found unembeddable
// (content sanitizes to nothing), and must not be fetched again.
type VectorEntry struct {
	MessageID int64     `json:"message_id"`
	Embedding []float32 `json:"embedding"`
}

// ScoredAnchor is a vector search hit: an indexed message id with its
// cosine distance to the query (smaller = more similar).
type ScoredAnchor struct {
	MessageID int64
	Distance  float64
}

// Store is the persistence contract shared by the sqlite and postgres
// backends. All methods are safe for concurrent use across chats; callers
// serialize read-then-write sequences for a single chat themselves.
// Every message query returns ascending id order regardless of how it scans.
type Store interface {
	// Message log (append-only; deletion only via ResetChat).
	AppendMessage(ctx context.Context, m *Message) (int64, error)
	RecentMessages(ctx context.Context, chatID int64, limit int) ([]Message, error)
	MessagesBetween(ctx context.Context, chatID, afterID, beforeID int64) ([]Message, error)
	MessagesByID(ctx context.Context, ids []int64) ([]Message, error)
	MessagesBefore(ctx context.Context, chatID, beforeID int64, limit int) ([]Message, error)
	MessagesAfter(ctx context.Context, chatID, afterID int64, limit int) ([]Message, error)

	// Chat profile (derived, written only by the summarizer).
	Profile(ctx context.Context, chatID int64) (*ChatProfile, error)
	UpsertProfile(ctx context.Context, p *ChatProfile) error

	// Vector index (derived, written only by the indexer).
	UnindexedAssistant(ctx context.Context, chatID int64, limit int) ([]Message, error)
	ChatsWithUnindexed(ctx context.Context) ([]int64, error)
	PutVectors(ctx context.Context, entries []VectorEntry) error
	SearchVectors(ctx context.Context, chatID int64, query []float32, maxDistance float64, topK int, exclude []int64) ([]ScoredAnchor, error)
	VectorCount(ctx context.Context, chatID int64) (int, error)
	DeleteChatVectors(ctx context.Context, chatID int64) error
	DeleteAllVectors(ctx context.Context) error

	// ResetChat removes the chat's messages and cascades to profile and
	// vectors in one transaction.
	ResetChat(ctx context.Context, chatID int64) error
	// ResetAll clears every profile and vector but keeps message logs.
	ResetAll(ctx context.Context) error

	// Key-value configuration surface (edited by external layers).
	GetConfig(ctx context.Context, key string) (string, bool, error)
	SetConfig(ctx context.Context, key, value string) error

	Close() error
}
