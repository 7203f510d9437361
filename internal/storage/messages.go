package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
)

const messageColumns = `id, conversation_id, user_id, sender, text, context_json, importance, created_at, embedding`

// InsertMessage appends a message. The row is never updated afterwards
// except for the one-time embedding fill.
func (s *Store) InsertMessage(ctx context.Context, m Message) error {
	if m.ConversationID == "" {
		return fmt.Errorf("inserting message %s: conversation id is required", m.ID)
	}
	if m.CreatedAt.IsZero() {
		return fmt.Errorf("inserting message %s: created_at is required", m.ID)
	}
	ctxJSON := m.ContextJSON
	if ctxJSON == "" {
		ctxJSON = "{}"
	}
	var blob []byte
	if len(m.Embedding) > 0 {
		blob = EncodeVector(m.Embedding)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.UserID, m.Sender, m.Text, ctxJSON, m.Importance,
		formatTime(m.CreatedAt), blob,
	)
	if err != nil {
		return fmt.Errorf("inserting message %s: %w", m.ID, err)
	}
	return nil
}

// DeleteMessage removes a message that was written as half of a failed
// turn. Deleting a missing message is not an error.
func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting message %s: %w", id, err)
	}
	return nil
}

// RecentMessages returns the last limit messages of a conversation, oldest
// first.
func (s *Store) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM (
			SELECT `+messageColumns+` FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		) ORDER BY created_at ASC, id ASC`,
		conversationID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ConversationMessages returns every message of a conversation, oldest
// first, including embeddings when present. It is the source of the
// retriever's per-conversation scan.
func (s *Store) ConversationMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CountMessages returns the number of messages in a conversation.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}

// GetMessage returns one message by id.
func (s *Store) GetMessage(ctx context.Context, id string) (Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return Message{}, err
	}
	defer rows.Close()
	msgs, err := scanMessages(rows)
	if err != nil {
		return Message{}, err
	}
	if len(msgs) == 0 {
		return Message{}, ErrNotFound
	}
	return msgs[0], nil
}

// SetMessageEmbedding stores the embedding of a message that has none yet.
func (s *Store) SetMessageEmbedding(ctx context.Context, id string, vec []float32) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET embedding = ? WHERE id = ? AND embedding IS NULL`,
		EncodeVector(vec), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetMessage(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		var createdAt string
		var blob []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Sender, &m.Text, &m.ContextJSON, &m.Importance, &createdAt, &blob); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for message %s: %w", m.ID, err)
		}
		m.CreatedAt = t
		if len(blob) > 0 {
			if m.Embedding, err = DecodeVector(blob); err != nil {
				return nil, fmt.Errorf("decoding embedding for message %s: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// EncodeVector serializes a float32 slice to little-endian bytes.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// DecodeVector deserializes little-endian bytes into a new float32 slice.
// A length that is not a multiple of 4 indicates corruption.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
