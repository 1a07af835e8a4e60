package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type PostgresStore struct {
	db          *sql.DB
	callTimeout time.Duration
}

func NewPostgresStore(db *sql.DB, callTimeout time.Duration) *PostgresStore {
	return &PostgresStore{db: db, callTimeout: callTimeout}
}

func (s *PostgresStore) GetNodeByUUID(ctx context.Context, nodeUUID string) (Node, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var item Node
	err := s.db.QueryRowContext(ctx, `
		SELECT uuid, document_id, owner_id, title, is_public, deleted_at, created_at, updated_at
		FROM nodes
		WHERE uuid=$1
	`, nodeUUID).Scan(&item.UUID, &item.DocumentID, &item.OwnerID, &item.Title, &item.IsPublic, &item.DeletedAt, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Node{}, ErrNotFound
	}
	if err != nil {
		return Node{}, wrapBackend("get node", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertNode(ctx context.Context, item Node) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO nodes (uuid, document_id, owner_id, title, is_public)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (uuid) DO NOTHING
	`, item.UUID, item.DocumentID, item.OwnerID, item.Title, item.IsPublic)
	if err != nil {
		return wrapBackend("insert node", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wrapBackend("insert node rows", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

func (s *PostgresStore) ListCollaborators(ctx context.Context, nodeUUID string) ([]Collaborator, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `
		SELECT node_uuid, user_id, can_write, granted_by, granted_at
		FROM collaborators
		WHERE node_uuid=$1
		ORDER BY granted_at ASC
	`, nodeUUID)
	if err != nil {
		return nil, wrapBackend("list collaborators", err)
	}
	defer rows.Close()

	items := make([]Collaborator, 0)
	for rows.Next() {
		var item Collaborator
		if err := rows.Scan(&item.NodeUUID, &item.UserID, &item.CanWrite, &item.GrantedBy, &item.GrantedAt); err != nil {
			return nil, wrapBackend("scan collaborator", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapBackend("iterate collaborators", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertCollaborator(ctx context.Context, item Collaborator) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO collaborators (node_uuid, user_id, can_write, granted_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (node_uuid, user_id)
		DO UPDATE SET can_write=EXCLUDED.can_write, granted_by=EXCLUDED.granted_by, granted_at=NOW()
	`, item.NodeUUID, item.UserID, item.CanWrite, item.GrantedBy); err != nil {
		return wrapBackend("upsert collaborator", err)
	}
	return nil
}

func (s *PostgresStore) RemoveCollaborator(ctx context.Context, nodeUUID, userID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM collaborators WHERE node_uuid=$1 AND user_id=$2
	`, nodeUUID, userID); err != nil {
		return wrapBackend("remove collaborator", err)
	}
	return nil
}

func (s *PostgresStore) GetShareCode(ctx context.Context, code string) (ShareCode, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var item ShareCode
	err := s.db.QueryRowContext(ctx, `
		SELECT code, node_uuid, can_write, password_hash, created_by, created_at, revoked_at
		FROM share_codes
		WHERE code=$1 AND revoked_at IS NULL
	`, code).Scan(&item.Code, &item.NodeUUID, &item.CanWrite, &item.PasswordHash, &item.CreatedBy, &item.CreatedAt, &item.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ShareCode{}, ErrNotFound
	}
	if err != nil {
		return ShareCode{}, wrapBackend("get share code", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertShareCode(ctx context.Context, item ShareCode) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO share_codes (code, node_uuid, can_write, password_hash, created_by)
		VALUES ($1, $2, $3, $4, $5)
	`, item.Code, item.NodeUUID, item.CanWrite, item.PasswordHash, item.CreatedBy); err != nil {
		return wrapBackend("insert share code", err)
	}
	return nil
}

func (s *PostgresStore) RevokeShareCode(ctx context.Context, code string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, `
		UPDATE share_codes SET revoked_at=NOW() WHERE code=$1 AND revoked_at IS NULL
	`, code); err != nil {
		return wrapBackend("revoke share code", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, wrapBackend("get user by email", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, created_at
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, wrapBackend("get user by id", err)
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO NOTHING
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash)
	if err != nil {
		return wrapBackend("create user", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return wrapBackend("create user rows", err)
	}
	if affected == 0 {
		return ErrConflict
	}
	return nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
