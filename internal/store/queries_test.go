package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Read-back helpers for tests; the service only ever writes turns and feedback.

// GetTurn loads a turn with its price.
func (s *SQLStore) GetTurn(ctx context.Context, messageID string) (*Turn, *Price, error) {
	var (
		t                        Turn
		p                        Price
		userID, chatID, category sql.NullString
		source                   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT m.message_id, m.user_id, m.chat_id, m.user_prompt, m.response, m.source, m.category, m.complete, m.created_at,
		        p.price_id, p.completion_price, p.created_at
		 FROM chat_messages m JOIN price p ON p.message_id = m.message_id
		 WHERE m.message_id = ?`, messageID).
		Scan(&t.MessageID, &userID, &chatID, &t.Prompt, &t.Response, &source, &category, &t.Complete, &t.CreatedAt,
			&p.PriceID, &p.CompletionPrice, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, fmt.Errorf("failed to query turn: %w", err)
	}
	t.UserID = userID.String
	t.SessionID = chatID.String
	t.Category = category.String
	t.Source = Source(source)
	p.MessageID = t.MessageID
	return &t, &p, nil
}

// DeleteTurn removes a turn; its price and feedback go with it.
func (s *SQLStore) DeleteTurn(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM chat_messages WHERE message_id = ?", messageID)
	if err != nil {
		return fmt.Errorf("failed to delete turn: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListFeedback returns the feedback on a message, oldest first.
func (s *SQLStore) ListFeedback(ctx context.Context, messageID string) ([]Feedback, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT feedback_id, message_id, user_id, rating, comment, created_at FROM feedback WHERE message_id = ? ORDER BY created_at ASC",
		messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query feedback: %w", err)
	}
	defer rows.Close()

	var out []Feedback
	for rows.Next() {
		var (
			fb      Feedback
			userID  sql.NullString
			comment sql.NullString
		)
		if err := rows.Scan(&fb.FeedbackID, &fb.MessageID, &userID, &fb.Rating, &comment, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan feedback row: %w", err)
		}
		fb.UserID = userID.String
		if comment.Valid {
			fb.Comment = &comment.String
		}
		out = append(out, fb)
	}
	return out, rows.Err()
}
