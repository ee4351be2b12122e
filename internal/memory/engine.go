package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// SQLiteBackend keeps documents in a sqlite table with embeddings stored as
// BLOBs, and answers queries with a brute-force cosine scan.
type SQLiteBackend struct {
	db *sqlx.DB
}

type recordRow struct {
	ID        string `db:"id"`
	Text      string `db:"text"`
	Metadata  string `db:"metadata"`
	Embedding []byte `db:"embedding"`
}

func NewSQLiteBackend(dbPath string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	b := &SQLiteBackend{db: db}
	if err := b.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := b.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := b.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (b *SQLiteBackend) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_records (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			text TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			embedding BLOB NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (b *SQLiteBackend) Upsert(ctx context.Context, doc Document) error {
	blob, err := EncodeVector(doc.Embedding)
	if err != nil {
		return err
	}
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO memory_records (id, text, metadata, embedding) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET text = excluded.text, metadata = excluded.metadata, embedding = excluded.embedding
	`, doc.ID, doc.Text, string(meta), blob)
	if err != nil {
		return fmt.Errorf("upsert memory %s: %w", doc.ID, err)
	}
	return nil
}

func (b *SQLiteBackend) Search(ctx context.Context, vector []float32, k int, where map[string]string) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	var rows []recordRow
	if err := b.db.SelectContext(ctx, &rows, `SELECT id, text, metadata, embedding FROM memory_records ORDER BY seq`); err != nil {
		return nil, fmt.Errorf("scan memories: %w", err)
	}

	hits := make([]Hit, 0, len(rows))
	for _, row := range rows {
		var meta map[string]string
		if err := json.Unmarshal([]byte(row.Metadata), &meta); err != nil {
			return nil, fmt.Errorf("decode metadata %s: %w", row.ID, err)
		}
		if !matches(meta, where) {
			continue
		}
		stored, err := DecodeVector(row.Embedding)
		if err != nil {
			return nil, fmt.Errorf("memory %s: %w", row.ID, err)
		}
		score, err := CosineSimilarity(vector, stored)
		if err != nil {
			return nil, fmt.Errorf("memory %s: %w", row.ID, err)
		}
		hits = append(hits, Hit{ID: row.ID, Text: row.Text, Metadata: meta, Similarity: score})
	}
	return rankHits(hits, k), nil
}

func (b *SQLiteBackend) Count(ctx context.Context) (int, error) {
	var n int
	if err := b.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM memory_records`); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

func (b *SQLiteBackend) Reset(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, `DROP TABLE IF EXISTS memory_records`); err != nil {
		return fmt.Errorf("drop memories: %w", err)
	}
	return b.initSchema(ctx)
}

func (b *SQLiteBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func matches(meta, where map[string]string) bool {
	for k, v := range where {
		if meta[k] != v {
			return false
		}
	}
	return true
}
