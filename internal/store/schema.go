package store

import (
	"context"
	"fmt"
)

// Table names, also the units of Reset.
const (
	TableMessages  = "messages"
	TableUsers     = "users"
	TableSummaries = "conversation_summaries"
)

// Tables lists every table in creation order.
var Tables = []string{TableMessages, TableUsers, TableSummaries}

var sqliteSchema = map[string][]string{
	TableMessages: {
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id TEXT NOT NULL,
			author_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at)`,
	},
	TableUsers: {
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			display_name_source TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			location_source TEXT NOT NULL DEFAULT '',
			profile_info TEXT NOT NULL DEFAULT '',
			emotional_state TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL DEFAULT 0,
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
	},
	TableSummaries: {
		`CREATE TABLE IF NOT EXISTS conversation_summaries (
			chat_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL DEFAULT 0
		)`,
	},
}

var postgresSchema = map[string][]string{
	TableMessages: {
		`CREATE TABLE IF NOT EXISTS messages (
			id BIGSERIAL PRIMARY KEY,
			chat_id TEXT NOT NULL,
			author_id TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages(chat_id, created_at)`,
	},
	TableUsers: {
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			username TEXT NOT NULL DEFAULT '',
			display_name TEXT NOT NULL DEFAULT '',
			display_name_source TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			location_source TEXT NOT NULL DEFAULT '',
			profile_info TEXT NOT NULL DEFAULT '',
			emotional_state TEXT NOT NULL DEFAULT '',
			created_at BIGINT NOT NULL DEFAULT 0,
			updated_at BIGINT NOT NULL DEFAULT 0
		)`,
	},
	TableSummaries: {
		`CREATE TABLE IF NOT EXISTS conversation_summaries (
			chat_id TEXT PRIMARY KEY,
			summary TEXT NOT NULL DEFAULT '',
			updated_at BIGINT NOT NULL DEFAULT 0
		)`,
	},
}

func (s *Store) schema() map[string][]string {
	if s.driver == DriverPostgres {
		return postgresSchema
	}
	return sqliteSchema
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, table := range Tables {
		if err := s.createTable(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) createTable(ctx context.Context, table string) error {
	stmts, ok := s.schema()[table]
	if !ok {
		return fmt.Errorf("unknown table %q", table)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema %s: %w", table, err)
		}
	}
	return nil
}

// Reset drops and recreates the named tables, leaving them empty. With no
// names every table is reset.
func (s *Store) Reset(ctx context.Context, tables ...string) error {
	if len(tables) == 0 {
		tables = Tables
	}
	schema := s.schema()
	for _, table := range tables {
		if _, ok := schema[table]; !ok {
			return fmt.Errorf("reset: unknown table %q", table)
		}
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
		if err := s.createTable(ctx, table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
		s.logger.Info("table reset", "table", table)
	}
	return nil
}
