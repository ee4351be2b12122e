package store

import (
	"context"
	"fmt"
)

// GetSummary returns the durable summary of a chat, or ErrNotFound.
func (s *Store) GetSummary(ctx context.Context, chatID string) (string, error) {
	var summary string
	query := s.rebind(`SELECT summary FROM conversation_summaries WHERE chat_id = ?`)
	if err := s.db.GetContext(ctx, &summary, query, chatID); err != nil {
		return "", fmt.Errorf("get summary %s: %w", chatID, notFound(err))
	}
	return summary, nil
}

// PutSummary replaces the durable summary of a chat wholesale.
func (s *Store) PutSummary(ctx context.Context, chatID, summary string) error {
	query := s.rebind(`
		INSERT INTO conversation_summaries (chat_id, summary, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (chat_id) DO UPDATE SET summary = excluded.summary, updated_at = excluded.updated_at
	`)
	if _, err := s.db.ExecContext(ctx, query, chatID, summary, s.tick()); err != nil {
		return fmt.Errorf("put summary %s: %w", chatID, err)
	}
	return nil
}
