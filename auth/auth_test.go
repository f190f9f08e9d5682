package auth

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coinwifi/gateway/config"
	"github.com/coinwifi/gateway/db"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func openAuthTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "auth_test.db")
	conn, err := db.OpenWithMigrations(dbPath, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func newAuthConfig(secret string) *config.AuthConfig {
	return &config.AuthConfig{JWTSecret: secret, TokenExpiry: 60}
}

// --- JWT manager ---

func TestJWTManagerRejectsMissingSecret(t *testing.T) {
	_, err := NewJWTManager(&config.AuthConfig{})
	require.Error(t, err)
}

func TestJWTManagerGenerateAndValidate(t *testing.T) {
	mgr, err := NewJWTManager(newAuthConfig("test-secret"))
	require.NoError(t, err)

	claims := &Claims{AdminID: "admin-1", Username: "root", SessionID: "sess-1"}
	token, err := mgr.GenerateToken(claims)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	got, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, claims.AdminID, got.AdminID)
	assert.Equal(t, claims.Username, got.Username)
	assert.Equal(t, claims.SessionID, got.SessionID)
}

func TestJWTManagerRejectsTamperedToken(t *testing.T) {
	mgr, err := NewJWTManager(newAuthConfig("test-secret"))
	require.NoError(t, err)

	token, err := mgr.GenerateToken(&Claims{AdminID: "admin-1"})
	require.NoError(t, err)

	_, err = mgr.ValidateToken(token + "tampered")
	require.Error(t, err)
}

func TestJWTManagerRejectsTokenFromDifferentSecret(t *testing.T) {
	mgrA, err := NewJWTManager(newAuthConfig("secret-a"))
	require.NoError(t, err)
	mgrB, err := NewJWTManager(newAuthConfig("secret-b"))
	require.NoError(t, err)

	token, err := mgrA.GenerateToken(&Claims{AdminID: "admin-1"})
	require.NoError(t, err)

	_, err = mgrB.ValidateToken(token)
	require.Error(t, err)
}

// --- Store ---

func TestEnsureAdminSeedsOnce(t *testing.T) {
	conn := openAuthTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	require.NoError(t, store.EnsureAdmin(ctx, "admin", "hash-1"))
	admin, err := store.GetAdminByUsername(ctx, "admin")
	require.NoError(t, err)
	require.NotNil(t, admin)
	assert.Equal(t, "hash-1", admin.PasswordHash)

	require.NoError(t, store.EnsureAdmin(ctx, "admin", "hash-2"))
	admin, err = store.GetAdminByUsername(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", admin.PasswordHash, "EnsureAdmin must not overwrite an existing account")
}

func TestSessionLifecycle(t *testing.T) {
	conn := openAuthTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	require.NoError(t, store.EnsureAdmin(ctx, "admin", "hash"))
	admin, err := store.GetAdminByUsername(ctx, "admin")
	require.NoError(t, err)

	session, err := store.CreateSession(ctx, admin.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.RevokedAt)

	require.NoError(t, store.RevokeSession(ctx, session.ID))
	got, err = store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
}

func TestCleanupExpiredSessions(t *testing.T) {
	conn := openAuthTestDB(t)
	store := NewStore(conn)
	ctx := context.Background()

	require.NoError(t, store.EnsureAdmin(ctx, "admin", "hash"))
	admin, err := store.GetAdminByUsername(ctx, "admin")
	require.NoError(t, err)

	_, err = store.CreateSession(ctx, admin.ID, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	n, err := store.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

// --- Service.Login ---

func TestServiceLoginSucceedsWithCorrectPassword(t *testing.T) {
	conn := openAuthTestDB(t)
	store := NewStore(conn)
	hash, err := HashPassword("correct-horse-battery-staple")
	require.NoError(t, err)
	require.NoError(t, store.EnsureAdmin(context.Background(), "admin", hash))

	svc, err := NewService(conn, newAuthConfig("test-secret"), testLogger())
	require.NoError(t, err)

	token, session, err := svc.Login(context.Background(), store, "admin", "correct-horse-battery-staple")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.NotEmpty(t, session.ID)
}

func TestServiceLoginRejectsWrongPassword(t *testing.T) {
	conn := openAuthTestDB(t)
	store := NewStore(conn)
	hash, err := HashPassword("correct-horse-battery-staple")
	require.NoError(t, err)
	require.NoError(t, store.EnsureAdmin(context.Background(), "admin", hash))

	svc, err := NewService(conn, newAuthConfig("test-secret"), testLogger())
	require.NoError(t, err)

	_, _, err = svc.Login(context.Background(), store, "admin", "wrong-password")
	require.Error(t, err)
}

func TestServiceLoginRejectsUnknownUsername(t *testing.T) {
	conn := openAuthTestDB(t)
	store := NewStore(conn)

	svc, err := NewService(conn, newAuthConfig("test-secret"), testLogger())
	require.NoError(t, err)

	_, _, err = svc.Login(context.Background(), store, "nobody", "whatever")
	require.Error(t, err)
}

// --- Middleware ---

func newAuthedMiddleware(t *testing.T) (*Middleware, *Store, *Service, *Admin) {
	t.Helper()
	conn := openAuthTestDB(t)
	store := NewStore(conn)
	hash, err := HashPassword("correct-horse-battery-staple")
	require.NoError(t, err)
	require.NoError(t, store.EnsureAdmin(context.Background(), "admin", hash))

	svc, err := NewService(conn, newAuthConfig("test-secret"), testLogger())
	require.NoError(t, err)

	admin, err := store.GetAdminByUsername(context.Background(), "admin")
	require.NoError(t, err)

	return NewMiddleware(svc, store, testLogger()), store, svc, admin
}

func TestMiddlewareRequireAuthAllowsValidToken(t *testing.T) {
	mw, store, svc, admin := newAuthedMiddleware(t)

	token, _, err := svc.Login(context.Background(), store, "admin", "correct-horse-battery-staple")
	require.NoError(t, err)

	handler := mw.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		claims := UserFromContext(r.Context())
		require.NotNil(t, claims)
		assert.Equal(t, admin.ID, claims.AdminID)
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/clients", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareRequireAuthRejectsMissingToken(t *testing.T) {
	mw, _, _, _ := newAuthedMiddleware(t)

	handler := mw.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/clients", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareRequireAuthRejectsRevokedSession(t *testing.T) {
	mw, store, svc, _ := newAuthedMiddleware(t)

	token, session, err := svc.Login(context.Background(), store, "admin", "correct-horse-battery-staple")
	require.NoError(t, err)
	require.NoError(t, store.RevokeSession(context.Background(), session.ID))

	handler := mw.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/admin/clients", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMiddlewareOptionalAuthPassesThroughAnonymously(t *testing.T) {
	mw, _, _, _ := newAuthedMiddleware(t)

	called := false
	handler := mw.OptionalAuth(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Nil(t, UserFromContext(r.Context()))
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/portal/status", nil)
	rec := httptest.NewRecorder()

	handler(rec, req)
	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestExtractTokenFallsBackToQueryParam(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?token=qp-token", nil)
	assert.Equal(t, "qp-token", extractToken(req))
}

func TestExtractTokenPrefersBearerHeader(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/events?token=qp-token", nil)
	req.Header.Set("Authorization", "Bearer header-token")
	assert.Equal(t, "header-token", extractToken(req))
}
