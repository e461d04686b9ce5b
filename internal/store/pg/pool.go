// Package pg implements store.Store on Postgres with pgvector-backed
// similarity search. Used when several bot processes share one database;
// the sqlite backend remains the single-process default.
package pg

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/LiuHaoUltra/echogram/internal/config"
)

// OpenDB creates a database/sql connection to Postgres using the pgx driver.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	slog.Info("postgres connected", "dsn_len", len(dsn))
	return db, nil
}

// BootstrapDim reads the persisted embedding_dim before the full schema
// exists, so the vector table is declared at the configured width from the
// start instead of a default that IF NOT EXISTS would then freeze in.
// Returns def when the key is unset or unusable.
func BootstrapDim(db *sql.DB, def int) (int, error) {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS config (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`); err != nil {
		return 0, fmt.Errorf("bootstrap config table: %w", err)
	}

	var v string
	err := db.QueryRow("SELECT value FROM config WHERE key = $1", config.KeyEmbeddingDim).Scan(&v)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	dim, err := strconv.Atoi(v)
	if err != nil || dim < 1 {
		slog.Warn("invalid persisted embedding_dim, using default", "value", v)
		return def, nil
	}
	return dim, nil
}
