package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/coinwifi/gateway/config"
	"github.com/coinwifi/gateway/errors"
)

// JWTClaims extends standard JWT claims with the gateway's admin
// identity fields.
type JWTClaims struct {
	jwt.RegisteredClaims
	AdminID   string `json:"aid"`
	Username  string `json:"username"`
	SessionID string `json:"sid"`
}

// JWTManager handles JWT token creation and validation for Admin API
// bearer tokens.
type JWTManager struct {
	secret      []byte
	tokenExpiry time.Duration
}

// NewJWTManager creates a JWT manager from the configured secret.
// Unlike a multi-tenant service, the gateway refuses to auto-generate
// a secret: a secret that doesn't survive restarts would invalidate
// every admin session on every redeploy.
func NewJWTManager(cfg *config.AuthConfig) (*JWTManager, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.NewKind(errors.KindInvalidInput, "JWT_SECRET must be configured")
	}

	expiry := time.Duration(cfg.TokenExpiry) * time.Minute
	if expiry <= 0 {
		expiry = 60 * time.Minute
	}

	return &JWTManager{secret: []byte(cfg.JWTSecret), tokenExpiry: expiry}, nil
}

// GenerateToken creates a new JWT access token for the given claims.
func (m *JWTManager) GenerateToken(claims *Claims) (string, error) {
	now := time.Now()
	jwtClaims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "pisowifi-gateway",
		},
		AdminID:   claims.AdminID,
		Username:  claims.Username,
		SessionID: claims.SessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims)
	return token.SignedString(m.secret)
}

// ValidateToken parses and validates a JWT token, returning the claims.
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Newf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})

	if err != nil {
		return nil, errors.WithKind(errors.Wrap(err, "invalid token"), errors.KindForbidden)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, errors.WithKind(errors.New("invalid token claims"), errors.KindForbidden)
	}

	return &Claims{
		AdminID:   claims.AdminID,
		Username:  claims.Username,
		SessionID: claims.SessionID,
	}, nil
}

// TokenExpiry returns the configured token expiry duration.
func (m *JWTManager) TokenExpiry() time.Duration {
	return m.tokenExpiry
}
