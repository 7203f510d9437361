package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FindOrCreateConversation returns the conversation for (userID, pageID),
// creating it with id and now when none exists. created reports whether a
// new row was inserted.
func (s *Store) FindOrCreateConversation(ctx context.Context, userID, pageID, id string, now time.Time) (c Conversation, created bool, err error) {
	c, err = s.findConversation(ctx, `WHERE user_id = ? AND page_id = ?`, userID, pageID)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Conversation{}, false, err
	}

	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, page_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, page_id) DO NOTHING`,
		id, userID, pageID, ts, ts,
	)
	if err != nil {
		return Conversation{}, false, fmt.Errorf("inserting conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Conversation{}, false, err
	}

	c, err = s.findConversation(ctx, `WHERE user_id = ? AND page_id = ?`, userID, pageID)
	return c, n == 1, err
}

// GetConversation returns the conversation with id owned by userID.
func (s *Store) GetConversation(ctx context.Context, id, userID string) (Conversation, error) {
	return s.findConversation(ctx, `WHERE id = ? AND user_id = ?`, id, userID)
}

// TouchConversation sets updated_at. The value never moves backwards.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?`,
		formatTime(at), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) findConversation(ctx context.Context, where string, args ...any) (Conversation, error) {
	var c Conversation
	var createdAt, updatedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, page_id, created_at, updated_at FROM conversations `+where, args...,
	).Scan(&c.ID, &c.UserID, &c.PageID, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Conversation{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return c, nil
}
