package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/LiuHaoUltra/echogram/internal/store"
)

// PGStore implements store.Store backed by Postgres + pgvector.
type PGStore struct {
	db  *sql.DB
	dim int
}

// NewPGStore initializes the schema and returns a store. dim is the fixed
// embedding width; pgvector columns are declared with it, so changing the
// dimension requires a vector rebuild.
func NewPGStore(db *sql.DB, dim int) (*PGStore, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("pg store: invalid embedding dim %d", dim)
	}
	s := &PGStore{db: db, dim: dim}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	// CREATE TABLE IF NOT EXISTS silently keeps whatever width an earlier
	// run declared, so the live column is the authority, not the DDL.
	declared, err := s.declaredDim()
	if err != nil {
		return nil, fmt.Errorf("read vector width: %w", err)
	}
	if err := validateDeclaredDim(declared, dim); err != nil {
		return nil, err
	}
	return s, nil
}

// declaredDim reads the width the vector_index.embedding column was
// created with. pgvector stores the dimension as the column's raw typmod.
func (s *PGStore) declaredDim() (int, error) {
	var typmod int
	err := s.db.QueryRow(
		`SELECT atttypmod FROM pg_attribute
		 WHERE attrelid = 'vector_index'::regclass AND attname = 'embedding'`).Scan(&typmod)
	if err != nil {
		return 0, err
	}
	return typmod, nil
}

func validateDeclaredDim(declared, want int) error {
	if declared > 0 && declared != want {
		return fmt.Errorf(
			"vector_index was created for %d-dim embeddings but embedding_dim is %d; "+
				"restore the old value or drop vector_index and reindex",
			declared, want)
	}
	return nil
}

func (s *PGStore) migrate() error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			chat_id BIGINT NOT NULL,
			role TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'text',
			content TEXT NOT NULL,
			platform_msg_id BIGINT NOT NULL DEFAULT 0,
			reply_to_id BIGINT NOT NULL DEFAULT 0,
			reply_to_snippet TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_created ON messages(chat_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id, id)`,
		`CREATE TABLE IF NOT EXISTS chat_profile (
			chat_id BIGINT PRIMARY KEY,
			profile_text TEXT NOT NULL DEFAULT '',
			last_folded_id BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		// embedding is nullable: NULL rows are tombstones for anchors
		// whose content sanitizes to nothing.
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS vector_index (
			message_id BIGINT PRIMARY KEY REFERENCES messages(id) ON DELETE CASCADE,
			embedding vector(%d)
		)`, s.dim),
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

func (s *PGStore) AppendMessage(ctx context.Context, m *store.Message) (int64, error) {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO messages (chat_id, role, kind, content, platform_msg_id, reply_to_id, reply_to_snippet, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
		m.ChatID, string(m.Role), string(m.Kind), m.Content,
		m.PlatformMsgID, m.ReplyToID, m.ReplyToSnippet, m.CreatedAt).Scan(&m.ID)
	if err != nil {
		return 0, fmt.Errorf("append message: %w", err)
	}
	return m.ID, nil
}

const messageCols = "id, chat_id, role, kind, content, platform_msg_id, reply_to_id, reply_to_snippet, created_at"

func scanMessages(rows *sql.Rows) ([]store.Message, error) {
	var out []store.Message
	for rows.Next() {
		var m store.Message
		var role, kind string
		if err := rows.Scan(&m.ID, &m.ChatID, &role, &kind, &m.Content,
			&m.PlatformMsgID, &m.ReplyToID, &m.ReplyToSnippet, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = store.Role(role)
		m.Kind = store.Kind(kind)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PGStore) queryMessages(ctx context.Context, q string, args ...any) ([]store.Message, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PGStore) RecentMessages(ctx context.Context, chatID int64, limit int) ([]store.Message, error) {
	msgs, err := s.queryMessages(ctx,
		"SELECT "+messageCols+" FROM messages WHERE chat_id = $1 ORDER BY id DESC LIMIT $2",
		chatID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *PGStore) MessagesBetween(ctx context.Context, chatID, afterID, beforeID int64) ([]store.Message, error) {
	if beforeID > 0 {
		return s.queryMessages(ctx,
			"SELECT "+messageCols+" FROM messages WHERE chat_id = $1 AND id > $2 AND id < $3 ORDER BY id ASC",
			chatID, afterID, beforeID)
	}
	return s.queryMessages(ctx,
		"SELECT "+messageCols+" FROM messages WHERE chat_id = $1 AND id > $2 ORDER BY id ASC",
		chatID, afterID)
}

func (s *PGStore) MessagesByID(ctx context.Context, ids []int64) ([]store.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	parts := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		parts[i] = "$" + strconv.Itoa(i+1)
		args[i] = id
	}
	return s.queryMessages(ctx,
		"SELECT "+messageCols+" FROM messages WHERE id IN ("+strings.Join(parts, ",")+") ORDER BY id ASC",
		args...)
}

func (s *PGStore) MessagesBefore(ctx context.Context, chatID, beforeID int64, limit int) ([]store.Message, error) {
	msgs, err := s.queryMessages(ctx,
		"SELECT "+messageCols+" FROM messages WHERE chat_id = $1 AND id < $2 ORDER BY id DESC LIMIT $3",
		chatID, beforeID, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *PGStore) MessagesAfter(ctx context.Context, chatID, afterID int64, limit int) ([]store.Message, error) {
	return s.queryMessages(ctx,
		"SELECT "+messageCols+" FROM messages WHERE chat_id = $1 AND id > $2 ORDER BY id ASC LIMIT $3",
		chatID, afterID, limit)
}

func (s *PGStore) Profile(ctx context.Context, chatID int64) (*store.ChatProfile, error) {
	var p store.ChatProfile
	err := s.db.QueryRowContext(ctx,
		"SELECT chat_id, profile_text, last_folded_id, updated_at FROM chat_profile WHERE chat_id = $1",
		chatID).Scan(&p.ChatID, &p.Profile, &p.LastFoldedID, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PGStore) UpsertProfile(ctx context.Context, p *store.ChatProfile) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_profile (chat_id, profile_text, last_folded_id, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (chat_id) DO UPDATE SET
			profile_text = EXCLUDED.profile_text,
			last_folded_id = EXCLUDED.last_folded_id,
			updated_at = EXCLUDED.updated_at`,
		p.ChatID, p.Profile, p.LastFoldedID, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

func (s *PGStore) UnindexedAssistant(ctx context.Context, chatID int64, limit int) ([]store.Message, error) {
	return s.queryMessages(ctx,
		`SELECT m.id, m.chat_id, m.role, m.kind, m.content, m.platform_msg_id, m.reply_to_id, m.reply_to_snippet, m.created_at
		 FROM messages m
		 LEFT JOIN vector_index v ON m.id = v.message_id
		 WHERE m.chat_id = $1 AND m.role = $2 AND v.message_id IS NULL
		   AND m.content != '' AND m.content NOT LIKE '[%: Processing...]'
		 ORDER BY m.id ASC LIMIT $3`,
		chatID, string(store.RoleAssistant), limit)
}

func (s *PGStore) PutVectors(ctx context.Context, entries []store.VectorEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range entries {
		var emb any
		if len(e.Embedding) > 0 {
			emb = vectorToString(e.Embedding)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO vector_index (message_id, embedding) VALUES ($1, $2::vector)
			 ON CONFLICT (message_id) DO UPDATE SET embedding = EXCLUDED.embedding`,
			e.MessageID, emb); err != nil {
			return fmt.Errorf("put vector %d: %w", e.MessageID, err)
		}
	}
	return tx.Commit()
}

func (s *PGStore) SearchVectors(ctx context.Context, chatID int64, query []float32, maxDistance float64, topK int, exclude []int64) ([]store.ScoredAnchor, error) {
	vecStr := vectorToString(query)

	q := `SELECT message_id, distance FROM (
			SELECT v.message_id, v.embedding <=> $1::vector AS distance
			FROM vector_index v
			JOIN messages m ON v.message_id = m.id
			WHERE m.chat_id = $2 AND v.embedding IS NOT NULL`
	args := []any{vecStr, chatID}
	if len(exclude) > 0 {
		parts := make([]string, len(exclude))
		for i, id := range exclude {
			parts[i] = "$" + strconv.Itoa(len(args)+1)
			args = append(args, id)
		}
		q += " AND v.message_id NOT IN (" + strings.Join(parts, ",") + ")"
	}
	args = append(args, maxDistance)
	q += fmt.Sprintf(`) sub WHERE distance <= $%d ORDER BY distance ASC, message_id ASC`, len(args))
	if topK > 0 {
		args = append(args, topK)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []store.ScoredAnchor
	for rows.Next() {
		var h store.ScoredAnchor
		if err := rows.Scan(&h.MessageID, &h.Distance); err != nil {
			return nil, err
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (s *PGStore) VectorCount(ctx context.Context, chatID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM vector_index v JOIN messages m ON v.message_id = m.id WHERE m.chat_id = $1 AND v.embedding IS NOT NULL",
		chatID).Scan(&n)
	return n, err
}

func (s *PGStore) ChatsWithUnindexed(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT m.chat_id
		 FROM messages m
		 LEFT JOIN vector_index v ON m.id = v.message_id
		 WHERE m.role = $1 AND v.message_id IS NULL
		   AND m.content != '' AND m.content NOT LIKE '[%: Processing...]'
		 ORDER BY m.chat_id ASC`,
		string(store.RoleAssistant))
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

func (s *PGStore) DeleteChatVectors(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM vector_index WHERE message_id IN (SELECT id FROM messages WHERE chat_id = $1)",
		chatID)
	return err
}

func (s *PGStore) DeleteAllVectors(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM vector_index")
	return err
}

func (s *PGStore) ResetChat(ctx context.Context, chatID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tx.ExecContext(ctx, "DELETE FROM vector_index WHERE message_id IN (SELECT id FROM messages WHERE chat_id = $1)", chatID)
	tx.ExecContext(ctx, "DELETE FROM chat_profile WHERE chat_id = $1", chatID)
	if _, err := tx.ExecContext(ctx, "DELETE FROM messages WHERE chat_id = $1", chatID); err != nil {
		return fmt.Errorf("reset chat %d: %w", chatID, err)
	}
	return tx.Commit()
}

func (s *PGStore) ResetAll(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	tx.ExecContext(ctx, "DELETE FROM vector_index")
	tx.ExecContext(ctx, "DELETE FROM chat_profile")
	return tx.Commit()
}

func (s *PGStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = $1", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *PGStore) SetConfig(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO config (key, value) VALUES ($1, $2) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value",
		key, value)
	return err
}

func (s *PGStore) Close() error {
	return s.db.Close()
}

// vectorToString renders a float32 slice in pgvector literal form: [1,2,3].
func vectorToString(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
