package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// GetSummary returns the rolling summary of a conversation.
func (s *Store) GetSummary(ctx context.Context, conversationID string) (Summary, error) {
	var sum Summary
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, summary_text, covers_up_to_turn, updated_at
		FROM summaries WHERE conversation_id = ?`, conversationID,
	).Scan(&sum.ConversationID, &sum.SummaryText, &sum.CoversUpToTurn, &updatedAt)
	if err == sql.ErrNoRows {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, err
	}
	if sum.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Summary{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return sum, nil
}

// CompareAndSetSummary writes next only if the stored covers_up_to_turn still
// equals expected (use -1 when no summary row is expected to exist) and
// next covers strictly more turns. A lost race returns ErrConflict.
func (s *Store) CompareAndSetSummary(ctx context.Context, expected int, next Summary) error {
	if next.CoversUpToTurn <= expected {
		return fmt.Errorf("summary for %s must cover more than %d turns: %w", next.ConversationID, expected, ErrConflict)
	}

	var res sql.Result
	var err error
	if expected < 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO summaries (conversation_id, summary_text, covers_up_to_turn, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(conversation_id) DO NOTHING`,
			next.ConversationID, next.SummaryText, next.CoversUpToTurn, formatTime(next.UpdatedAt),
		)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE summaries SET summary_text = ?, covers_up_to_turn = ?, updated_at = ?
			WHERE conversation_id = ? AND covers_up_to_turn = ?`,
			next.SummaryText, next.CoversUpToTurn, formatTime(next.UpdatedAt),
			next.ConversationID, expected,
		)
	}
	if err != nil {
		return fmt.Errorf("writing summary for %s: %w", next.ConversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
