package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/dumpnet/dump/internal/domain"
)

// normEmail trims and lowercases the email.
func normEmail(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func (s *Store) CreateUser(ctx context.Context, email, username string) (domain.User, error) {
	email = normEmail(email)
	if email == "" || username == "" {
		return domain.User{}, errors.New("missing email or username")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, username) VALUES (?, ?)`, email, username)
	if err != nil {
		return domain.User{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.User{}, err
	}
	return s.UserByID(ctx, domain.UserID(id))
}

func (s *Store) UserByID(ctx context.Context, id domain.UserID) (domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, username, created_at, last_login FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *Store) UserByEmail(ctx context.Context, email string) (domain.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, username, created_at, last_login FROM users WHERE email = ?`,
		normEmail(email))
	return scanUser(row)
}

// TouchLastLogin records a successful credential refresh or login.
func (s *Store) TouchLastLogin(ctx context.Context, id domain.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login = ? WHERE id = ?`, time.Now().Unix(), id)
	return err
}

// Timestamps are stored as unix epoch seconds.
func scanUser(row *sql.Row) (domain.User, error) {
	var u domain.User
	var created int64
	var last sql.NullInt64
	if err := row.Scan(&u.ID, &u.Email, &u.Username, &created, &last); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.User{}, ErrNotFound
		}
		return domain.User{}, err
	}
	u.CreatedAt = time.Unix(created, 0)
	if last.Valid {
		u.LastLogin = time.Unix(last.Int64, 0)
	}
	return u, nil
}
