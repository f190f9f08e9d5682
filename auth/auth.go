// Package auth provides bearer-token authentication for the gateway's
// Admin API. A single operator account is configured at boot (or
// seeded into the store); login exchanges a username/password for a
// JWT whose lifetime is tracked by a revocable session row.
package auth

import (
	"context"
	"database/sql"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/coinwifi/gateway/config"
	"github.com/coinwifi/gateway/errors"
	"go.uber.org/zap"
)

// Admin is an operator account allowed to call the Admin API.
type Admin struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastLoginAt  time.Time `json:"last_login_at,omitempty"`
}

// Session represents an active admin login.
type Session struct {
	ID           string     `json:"id"`
	AdminID      string     `json:"admin_id"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	LastActiveAt time.Time  `json:"last_active_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}

// Claims is the subset of JWT claims the gateway cares about.
type Claims struct {
	AdminID   string `json:"aid"`
	Username  string `json:"username"`
	SessionID string `json:"sid"`
}

// Service authenticates admin logins and issues/validates JWTs.
type Service struct {
	db     *sql.DB
	cfg    *config.AuthConfig
	jwt    *JWTManager
	logger *zap.SugaredLogger
}

// NewService builds the auth service. Returns an error if JWT_SECRET
// is missing, since admin auth cannot safely auto-generate a secret
// across restarts (every running token would become unverifiable).
func NewService(db *sql.DB, cfg *config.AuthConfig, logger *zap.SugaredLogger) (*Service, error) {
	jwtMgr, err := NewJWTManager(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize JWT manager")
	}

	return &Service{db: db, cfg: cfg, jwt: jwtMgr, logger: logger}, nil
}

// Enabled reports whether auth is configured at all; tests may
// construct a Service-less Middleware to bypass auth.
func (s *Service) Enabled() bool { return s != nil }

// GetJWT returns the JWT manager for token operations.
func (s *Service) GetJWT() *JWTManager { return s.jwt }

// Login verifies credentials against the stored admin row, creates a
// session, and returns a signed access token.
func (s *Service) Login(ctx context.Context, store *Store, username, password string) (string, *Session, error) {
	admin, err := store.GetAdminByUsername(ctx, username)
	if err != nil {
		return "", nil, err
	}
	if admin == nil {
		return "", nil, errors.WithKind(errors.New("invalid credentials"), errors.KindForbidden)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(password)); err != nil {
		return "", nil, errors.WithKind(errors.New("invalid credentials"), errors.KindForbidden)
	}

	expiresAt := time.Now().Add(s.jwt.TokenExpiry())
	session, err := store.CreateSession(ctx, admin.ID, expiresAt)
	if err != nil {
		return "", nil, err
	}

	token, err := s.jwt.GenerateToken(&Claims{
		AdminID:   admin.ID,
		Username:  admin.Username,
		SessionID: session.ID,
	})
	if err != nil {
		return "", nil, err
	}

	if err := store.TouchLastLogin(ctx, admin.ID); err != nil {
		s.logger.Warnw("failed to update admin last login", "admin_id", admin.ID, "error", err)
	}

	return token, session, nil
}

// HashPassword hashes a plaintext password for storage, used when
// seeding the operator account at first boot.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", errors.Wrap(err, "failed to hash password")
	}
	return string(hash), nil
}
