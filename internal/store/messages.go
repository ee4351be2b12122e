package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Message is one entry of the append-only message log.
type Message struct {
	ID        int64  `db:"id"`
	ChatID    string `db:"chat_id"`
	AuthorID  string `db:"author_id"`
	Text      string `db:"text"`
	CreatedAt int64  `db:"created_at"`
}

func (m Message) Time() time.Time {
	return time.Unix(0, m.CreatedAt)
}

// LogMessage appends a message stamped with the store's monotonic clock, so
// messages logged in sequence keep their arrival order.
func (s *Store) LogMessage(ctx context.Context, chatID, authorID, text string) (Message, error) {
	return s.insertMessage(ctx, chatID, authorID, text, s.tick())
}

// LogMessageAt appends a message with an explicit timestamp, for imports.
func (s *Store) LogMessageAt(ctx context.Context, chatID, authorID, text string, at time.Time) (Message, error) {
	return s.insertMessage(ctx, chatID, authorID, text, at.UnixNano())
}

func (s *Store) insertMessage(ctx context.Context, chatID, authorID, text string, at int64) (Message, error) {
	if strings.TrimSpace(chatID) == "" || strings.TrimSpace(authorID) == "" {
		return Message{}, fmt.Errorf("log message: chat and author are required")
	}
	msg := Message{ChatID: chatID, AuthorID: authorID, Text: text, CreatedAt: at}

	query := s.rebind(`INSERT INTO messages (chat_id, author_id, text, created_at) VALUES (?, ?, ?, ?) RETURNING id`)
	if err := s.db.GetContext(ctx, &msg.ID, query, chatID, authorID, text, at); err != nil {
		return Message{}, fmt.Errorf("log message: %w", err)
	}
	return msg, nil
}

// MessagesSince returns every message with a timestamp at or after since,
// oldest first.
func (s *Store) MessagesSince(ctx context.Context, since time.Time) ([]Message, error) {
	var out []Message
	query := s.rebind(`
		SELECT id, chat_id, author_id, text, created_at FROM messages
		WHERE created_at >= ?
		ORDER BY created_at ASC, id ASC
	`)
	if err := s.db.SelectContext(ctx, &out, query, since.UnixNano()); err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	return out, nil
}

// ChatMessages returns the newest limit messages of one chat, oldest first.
func (s *Store) ChatMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Message
	query := s.rebind(`
		SELECT id, chat_id, author_id, text, created_at FROM messages
		WHERE chat_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`)
	if err := s.db.SelectContext(ctx, &out, query, chatID, limit); err != nil {
		return nil, fmt.Errorf("chat messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
