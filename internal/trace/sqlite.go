package trace

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteStore persists records to a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database at path and ensures the
// schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set journal mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize trace schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS traces (
id TEXT PRIMARY KEY,
request_id TEXT NOT NULL,
model TEXT NOT NULL,
streaming BOOLEAN NOT NULL,
cache_hit BOOLEAN NOT NULL,
stop_reason TEXT NOT NULL,
tool_calls INTEGER NOT NULL,
input_tokens INTEGER NOT NULL,
output_tokens INTEGER NOT NULL,
latency_ms INTEGER NOT NULL,
error TEXT NOT NULL DEFAULT '',
request TEXT NOT NULL,
response TEXT NOT NULL,
created_at TIMESTAMP NOT NULL
)`)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, rec *Record) error {
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO traces
(id, request_id, model, streaming, cache_hit, stop_reason, tool_calls,
 input_tokens, output_tokens, latency_ms, error, request, response, created_at)
VALUES (:id, :request_id, :model, :streaming, :cache_hit, :stop_reason, :tool_calls,
 :input_tokens, :output_tokens, :latency_ms, :error, :request, :response, :created_at)`, rec)
	return err
}

// List returns up to limit records, newest first.
func (s *SQLiteStore) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	var records []*Record
	err := s.db.SelectContext(ctx, &records,
		"SELECT * FROM traces ORDER BY created_at DESC LIMIT ?", limit)
	return records, err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
