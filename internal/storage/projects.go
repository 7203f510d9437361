package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// GetProject returns the project with id owned by userID.
func (s *Store) GetProject(ctx context.Context, id, userID string) (Project, error) {
	var p Project
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, theme, question, hypothesis, extra_json, updated_at
		FROM projects WHERE id = ? AND user_id = ?`, id, userID,
	).Scan(&p.ID, &p.UserID, &p.Theme, &p.Question, &p.Hypothesis, &p.ExtraJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Project{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return p, nil
}

// PutProject inserts or replaces a project. A project id already owned by
// another user is reported as ErrConflict.
func (s *Store) PutProject(ctx context.Context, p Project) error {
	extra := p.ExtraJSON
	if extra == "" {
		extra = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, user_id, theme, question, hypothesis, extra_json, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			theme = excluded.theme,
			question = excluded.question,
			hypothesis = excluded.hypothesis,
			extra_json = excluded.extra_json,
			updated_at = excluded.updated_at
		WHERE projects.user_id = excluded.user_id`,
		p.ID, p.UserID, p.Theme, p.Question, p.Hypothesis, extra, formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving project %s: %w", p.ID, err)
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
