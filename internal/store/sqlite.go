package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default single-file backend.
type SQLiteStore struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewSQLiteStore opens (or creates) the database at the given path and
// initializes the schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("store opened", "path", dbPath)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id INTEGER NOT NULL,
			role TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'text',
			content TEXT NOT NULL,
			platform_msg_id INTEGER NOT NULL DEFAULT 0,
			reply_to_id INTEGER NOT NULL DEFAULT 0,
			reply_to_snippet TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages(chat_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, id)`,
		`CREATE TABLE IF NOT EXISTS chat_profile (
			chat_id INTEGER PRIMARY KEY,
			profile_text TEXT NOT NULL DEFAULT '',
			last_folded_id INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vector_index (
			message_id INTEGER PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
			embedding TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, m *Message) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (chat_id, role, kind, content, platform_msg_id, reply_to_id, reply_to_snippet, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ChatID, string(m.Role), string(m.Kind), m.Content,
		m.PlatformMsgID, m.ReplyToID, m.ReplyToSnippet, m.CreatedAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	m.ID = id
	return id, nil
}

const messageCols = "id, chat_id, role, kind, content, platform_msg_id, reply_to_id, reply_to_snippet, created_at"

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var role, kind string
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.ChatID, &role, &kind, &m.Content,
			&m.PlatformMsgID, &m.ReplyToID, &m.ReplyToSnippet, &createdAt); err != nil {
			return nil, err
		}
		m.Role = Role(role)
		m.Kind = Kind(kind)
		m.CreatedAt = time.Unix(createdAt, 0).UTC()
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE chat_id = ? ORDER BY id DESC LIMIT ?",
		chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverseMessages(msgs)
	return msgs, nil
}

// MessagesBetween returns messages with afterID < id < beforeID.
// beforeID <= 0 means no upper bound.
func (s *SQLiteStore) MessagesBetween(ctx context.Context, chatID, afterID, beforeID int64) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := "SELECT " + messageCols + " FROM messages WHERE chat_id = ? AND id > ?"
	args := []any{chatID, afterID}
	if beforeID > 0 {
		q += " AND id < ?"
		args = append(args, beforeID)
	}
	q += " ORDER BY id ASC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) MessagesByID(ctx context.Context, ids []int64) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE id IN ("+placeholders+") ORDER BY id ASC",
		args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) MessagesBefore(ctx context.Context, chatID, beforeID int64, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE chat_id = ? AND id < ? ORDER BY id DESC LIMIT ?",
		chatID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverseMessages(msgs)
	return msgs, nil
}

func (s *SQLiteStore) MessagesAfter(ctx context.Context, chatID, afterID int64, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageCols+" FROM messages WHERE chat_id = ? AND id > ? ORDER BY id ASC LIMIT ?",
		chatID, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) Profile(ctx context.Context, chatID int64) (*ChatProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var p ChatProfile
	var updatedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT chat_id, profile_text, last_folded_id, updated_at FROM chat_profile WHERE chat_id = ?",
		chatID).Scan(&p.ChatID, &p.Profile, &p.LastFoldedID, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &p, nil
}

func (s *SQLiteStore) UpsertProfile(ctx context.Context, p *ChatProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_profile (chat_id, profile_text, last_folded_id, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET
			profile_text = excluded.profile_text,
			last_folded_id = excluded.last_folded_id,
			updated_at = excluded.updated_at`,
		p.ChatID, p.Profile, p.LastFoldedID, p.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UnindexedAssistant(ctx context.Context, chatID int64, limit int) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.chat_id, m.role, m.kind, m.content, m.platform_msg_id, m.reply_to_id, m.reply_to_snippet, m.created_at
		 FROM messages m
		 LEFT JOIN vector_index v ON m.id = v.message_id
		 WHERE m.chat_id = ? AND m.role = ? AND v.message_id IS NULL
		   AND m.content != '' AND m.content NOT LIKE '[%: Processing...]'
		 ORDER BY m.id ASC LIMIT ?`,
		chatID, string(RoleAssistant), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *SQLiteStore) PutVectors(ctx context.Context, entries []VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range entries {
		// Tombstones are stored as an empty string so the anchor leaves
		// the unindexed set without ever matching a search.
		var stored string
		if len(e.Embedding) > 0 {
			embJSON, err := json.Marshal(e.Embedding)
			if err != nil {
				return fmt.Errorf("marshal embedding: %w", err)
			}
			stored = string(embJSON)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO vector_index (message_id, embedding) VALUES (?, ?)",
			e.MessageID, stored); err != nil {
			return fmt.Errorf("put vector %d: %w", e.MessageID, err)
		}
	}
	return tx.Commit()
}

// SearchVectors loads the chat's vectors and scores them in process, the
// same brute-force cosine pass the memory search uses. Results are ordered
// by ascending distance, ties by ascending message id.
func (s *SQLiteStore) SearchVectors(ctx context.Context, chatID int64, query []float32, maxDistance float64, topK int, exclude []int64) ([]ScoredAnchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT v.message_id, v.embedding
		 FROM vector_index v
		 JOIN messages m ON v.message_id = m.id
		 WHERE m.chat_id = ? AND v.embedding != ''`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	excluded := make(map[int64]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}

	var hits []ScoredAnchor
	for rows.Next() {
		var id int64
		var embJSON string
		if err := rows.Scan(&id, &embJSON); err != nil {
			return nil, err
		}
		if _, skip := excluded[id]; skip {
			continue
		}
		var emb []float32
		if err := json.Unmarshal([]byte(embJSON), &emb); err != nil {
			continue
		}
		d := CosineDistance(query, emb)
		if d <= maxDistance {
			hits = append(hits, ScoredAnchor{MessageID: id, Distance: d})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Distance != hits[j].Distance {
			return hits[i].Distance < hits[j].Distance
		}
		return hits[i].MessageID < hits[j].MessageID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *SQLiteStore) VectorCount(ctx context.Context, chatID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vector_index v JOIN messages m ON v.message_id = m.id WHERE m.chat_id = ? AND v.embedding != ''",
		chatID).Scan(&n)
	return n, err
}

// ChatsWithUnindexed returns the ids of chats that still have assistant
// messages awaiting indexing, so the background pass needs no manual chat
// list.
func (s *SQLiteStore) ChatsWithUnindexed(ctx context.Context) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT m.chat_id
		 FROM messages m
		 LEFT JOIN vector_index v ON m.id = v.message_id
		 WHERE m.role = ? AND v.message_id IS NULL
		   AND m.content != '' AND m.content NOT LIKE '[%: Processing...]'
		 ORDER BY m.chat_id ASC`,
		string(RoleAssistant))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteChatVectors(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"DELETE FROM vector_index WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?)",
		chatID)
	return err
}

func (s *SQLiteStore) DeleteAllVectors(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, "DELETE FROM vector_index")
	return err
}

func (s *SQLiteStore) ResetChat(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tx.ExecContext(ctx, "DELETE FROM vector_index WHERE message_id IN (SELECT id FROM messages WHERE chat_id = ?)", chatID)
	tx.ExecContext(ctx, "DELETE FROM chat_profile WHERE chat_id = ?", chatID)
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = ?", chatID); err != nil {
		return fmt.Errorf("reset chat %d: %w", chatID, err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	slog.Info("chat reset", "chat_id", chatID)
	return nil
}

func (s *SQLiteStore) ResetAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tx.ExecContext(ctx, "DELETE FROM vector_index")
	tx.ExecContext(ctx, "DELETE FROM chat_profile")
	return tx.Commit()
}

func (s *SQLiteStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *SQLiteStore) SetConfig(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func reverseMessages(msgs []Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
