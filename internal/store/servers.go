package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/dumpnet/dump/internal/domain"
)

// CreateServer inserts the server and makes the owner its first member.
func (s *Store) CreateServer(ctx context.Context, name string, owner domain.UserID) (domain.Server, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO servers (name, owner_id) VALUES (?, ?)`, name, owner)
	if err != nil {
		return domain.Server{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Server{}, err
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO server_members (server_id, user_id, role) VALUES (?, ?, 'owner')`,
		id, owner); err != nil {
		return domain.Server{}, err
	}
	return s.ServerByID(ctx, domain.ServerID(id))
}

func (s *Store) ServerByID(ctx context.Context, id domain.ServerID) (domain.Server, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, owner_id, created_at FROM servers WHERE id = ?`, id)
	var sv domain.Server
	var created int64
	if err := row.Scan(&sv.ID, &sv.Name, &sv.OwnerID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Server{}, ErrNotFound
		}
		return domain.Server{}, err
	}
	sv.CreatedAt = time.Unix(created, 0)
	return sv, nil
}

// ServersForUser returns the servers the user is a member of.
func (s *Store) ServersForUser(ctx context.Context, user domain.UserID) ([]domain.Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.name, s.owner_id, s.created_at
		FROM servers s
		JOIN server_members m ON m.server_id = s.id
		WHERE m.user_id = ?
		ORDER BY s.id`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Server
	for rows.Next() {
		var sv domain.Server
		var created int64
		if err := rows.Scan(&sv.ID, &sv.Name, &sv.OwnerID, &created); err != nil {
			return nil, err
		}
		sv.CreatedAt = time.Unix(created, 0)
		out = append(out, sv)
	}
	return out, rows.Err()
}

func (s *Store) AddMember(ctx context.Context, server domain.ServerID, user domain.UserID, role string) error {
	if role == "" {
		role = "member"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO server_members (server_id, user_id, role) VALUES (?, ?, ?)`,
		server, user, role)
	return err
}

func (s *Store) RemoveMember(ctx context.Context, server domain.ServerID, user domain.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM server_members WHERE server_id = ? AND user_id = ?`, server, user)
	return err
}

// Membership is the gate's server membership check.
func (s *Store) Membership(ctx context.Context, server domain.ServerID, user domain.UserID) (domain.Membership, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_id, user_id, role FROM server_members WHERE server_id = ? AND user_id = ?`,
		server, user)
	var m domain.Membership
	if err := row.Scan(&m.ServerID, &m.UserID, &m.Role); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Membership{}, ErrNotFound
		}
		return domain.Membership{}, err
	}
	return m, nil
}

func (s *Store) MembersOfServer(ctx context.Context, server domain.ServerID) ([]domain.Membership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT server_id, user_id, role FROM server_members WHERE server_id = ? ORDER BY user_id`,
		server)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.ServerID, &m.UserID, &m.Role); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) CreateChannel(ctx context.Context, server domain.ServerID, name, kind string) (domain.Channel, error) {
	if kind == "" {
		kind = domain.ChannelText
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (server_id, name, kind) VALUES (?, ?, ?)`, server, name, kind)
	if err != nil {
		return domain.Channel{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Channel{}, err
	}
	return s.ChannelByID(ctx, domain.ChannelID(id))
}

func (s *Store) ChannelByID(ctx context.Context, id domain.ChannelID) (domain.Channel, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, server_id, name, kind FROM channels WHERE id = ?`, id)
	var ch domain.Channel
	if err := row.Scan(&ch.ID, &ch.ServerID, &ch.Name, &ch.Kind); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Channel{}, ErrNotFound
		}
		return domain.Channel{}, err
	}
	return ch, nil
}

func (s *Store) ChannelsForServer(ctx context.Context, server domain.ServerID) ([]domain.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, name, kind FROM channels WHERE server_id = ? ORDER BY id`, server)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Channel
	for rows.Next() {
		var ch domain.Channel
		if err := rows.Scan(&ch.ID, &ch.ServerID, &ch.Name, &ch.Kind); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// CreateInvite mints an opaque invite code for a server.
func (s *Store) CreateInvite(ctx context.Context, server domain.ServerID, by domain.UserID) (domain.Invite, error) {
	code := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invites (code, server_id, created_by) VALUES (?, ?, ?)`, code, server, by)
	if err != nil {
		return domain.Invite{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT code, server_id, created_by, created_at FROM invites WHERE code = ?`, code)
	var inv domain.Invite
	var created int64
	if err := row.Scan(&inv.Code, &inv.ServerID, &inv.CreatedBy, &created); err != nil {
		return domain.Invite{}, err
	}
	inv.CreatedAt = time.Unix(created, 0)
	return inv, nil
}

// ServerByInvite resolves an invite code to its server.
func (s *Store) ServerByInvite(ctx context.Context, code string) (domain.Server, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT server_id FROM invites WHERE code = ?`, code)
	var id domain.ServerID
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Server{}, ErrNotFound
		}
		return domain.Server{}, err
	}
	return s.ServerByID(ctx, id)
}
