package auth

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/coinwifi/gateway/errors"
)

// Store handles persistence of the admin account and its sessions.
type Store struct {
	db *sql.DB
}

// NewStore creates a new auth store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureAdmin seeds the operator account on first boot if it doesn't
// already exist, or is a no-op otherwise.
func (s *Store) EnsureAdmin(ctx context.Context, username, passwordHash string) error {
	existing, err := s.GetAdminByUsername(ctx, username)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	admin := &Admin{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, created_at) VALUES (?, ?, ?, ?)`,
		admin.ID, admin.Username, admin.PasswordHash, admin.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to seed admin account")
	}
	return nil
}

// GetAdminByUsername finds an admin account, or returns (nil, nil) if
// none exists.
func (s *Store) GetAdminByUsername(ctx context.Context, username string) (*Admin, error) {
	admin := &Admin{}
	var lastLogin sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at, last_login_at FROM users WHERE username = ?`,
		username,
	).Scan(&admin.ID, &admin.Username, &admin.PasswordHash, &admin.CreatedAt, &lastLogin)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get admin")
	}
	if lastLogin.Valid {
		admin.LastLoginAt = lastLogin.Time
	}
	return admin, nil
}

// TouchLastLogin records the current time as the admin's last login.
func (s *Store) TouchLastLogin(ctx context.Context, adminID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET last_login_at = ? WHERE id = ?", time.Now(), adminID)
	if err != nil {
		return errors.Wrap(err, "failed to update admin last login")
	}
	return nil
}

// CreateSession creates a new session row for an admin login.
func (s *Store) CreateSession(ctx context.Context, adminID string, expiresAt time.Time) (*Session, error) {
	session := &Session{
		ID:           uuid.New().String(),
		AdminID:      adminID,
		CreatedAt:    time.Now(),
		ExpiresAt:    expiresAt,
		LastActiveAt: time.Now(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO admin_sessions (id, admin_id, created_at, expires_at, last_active_at)
		 VALUES (?, ?, ?, ?, ?)`,
		session.ID, session.AdminID, session.CreatedAt, session.ExpiresAt, session.LastActiveAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create session")
	}
	return session, nil
}

// GetSession retrieves a session by ID, or (nil, nil) if absent.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	session := &Session{}
	var lastActive, revoked sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT id, admin_id, created_at, expires_at, last_active_at, revoked_at
		 FROM admin_sessions WHERE id = ?`,
		id,
	).Scan(&session.ID, &session.AdminID, &session.CreatedAt, &session.ExpiresAt, &lastActive, &revoked)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get session")
	}
	if lastActive.Valid {
		session.LastActiveAt = lastActive.Time
	}
	if revoked.Valid {
		session.RevokedAt = &revoked.Time
	}
	return session, nil
}

// UpdateSessionActivity updates the last active time for a session.
func (s *Store) UpdateSessionActivity(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE admin_sessions SET last_active_at = ? WHERE id = ?", time.Now(), sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to update session activity")
	}
	return nil
}

// RevokeSession marks a session as revoked.
func (s *Store) RevokeSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE admin_sessions SET revoked_at = ? WHERE id = ?", time.Now(), sessionID)
	if err != nil {
		return errors.Wrap(err, "failed to revoke session")
	}
	return nil
}

// CleanupExpiredSessions removes expired sessions from the database.
func (s *Store) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM admin_sessions WHERE expires_at < ?", time.Now())
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup expired sessions")
	}
	return result.RowsAffected()
}
