package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/dumpnet/dump/internal/domain"
)

func (s *Store) CreateMessage(ctx context.Context, channel domain.ChannelID, author domain.UserID, content string) (domain.Message, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (channel_id, author_id, content) VALUES (?, ?, ?)`,
		channel, author, content)
	if err != nil {
		return domain.Message{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Message{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, channel_id, author_id, content, created_at FROM messages WHERE id = ?`, id)
	var m domain.Message
	var created int64
	if err := row.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Message{}, ErrNotFound
		}
		return domain.Message{}, err
	}
	m.CreatedAt = time.Unix(created, 0)
	return m, nil
}

func (s *Store) MessagesForChannel(ctx context.Context, channel domain.ChannelID, limit, offset int) ([]domain.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel_id, author_id, content, created_at
		FROM messages
		WHERE channel_id = ?
		ORDER BY id
		LIMIT ? OFFSET ?`, channel, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		var created int64
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.AuthorID, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(created, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}
