package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("token has expired")
	ErrInvalidClaims = errors.New("invalid token claims")
	ErrEmptySubject  = errors.New("subject cannot be empty")
	ErrInvalidAccess = errors.New("invalid access level")
	ErrShortSecret   = errors.New("secret must be at least 32 characters")
)

// Issuer is the iss claim of every token.
const Issuer = "cluso-sync"

// Access is what a token allows on a peer.
type Access string

const (
	AccessReadWrite Access = "rw"
	AccessReadOnly  Access = "ro"
)

// Claims are the JWT claims of a replication token.
type Claims struct {
	// Database restricts the token to one database; empty means any.
	Database string `json:"db,omitempty"`
	Access   Access `json:"access"`
	jwt.RegisteredClaims
}

// ReadOnly reports whether the token forbids pushing revisions.
func (c *Claims) ReadOnly() bool { return c.Access != AccessReadWrite }

// AllowsDatabase reports whether the token may be used for db.
func (c *Claims) AllowsDatabase(db string) bool {
	return c.Database == "" || c.Database == db
}

// TokenManager issues and validates HS256 replication tokens
type TokenManager struct {
	secretKey     []byte
	tokenDuration time.Duration
	clock         clockwork.Clock
}

// NewTokenManager creates a new token manager.
// Returns an error if the secret is shorter than 32 characters.
func NewTokenManager(secret string, tokenDuration time.Duration, clock clockwork.Clock) (*TokenManager, error) {
	if len(secret) < 32 {
		return nil, ErrShortSecret
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenManager{
		secretKey:     []byte(secret),
		tokenDuration: tokenDuration,
		clock:         clock,
	}, nil
}

// IssueToken signs a token for subject, optionally scoped to one database.
func (m *TokenManager) IssueToken(subject, database string, access Access) (string, error) {
	if subject == "" {
		return "", ErrEmptySubject
	}
	if access != AccessReadWrite && access != AccessReadOnly {
		return "", fmt.Errorf("%w: %q", ErrInvalidAccess, access)
	}

	now := m.clock.Now()
	claims := Claims{
		Database: database,
		Access:   access,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(m.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// ValidateToken validates a token and returns its claims.
// Implements TokenValidator interface.
func (m *TokenManager) ValidateToken(_ context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return m.secretKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.clock.Now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	case !token.Valid:
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidClaims)
	}
	if claims.Access != AccessReadWrite && claims.Access != AccessReadOnly {
		return nil, fmt.Errorf("%w: access %q", ErrInvalidClaims, claims.Access)
	}
	return claims, nil
}

// Name returns the validator name for logging/debugging.
func (m *TokenManager) Name() string {
	return "jwt-hs256"
}

// TokenDuration returns the configured token lifetime
func (m *TokenManager) TokenDuration() time.Duration {
	return m.tokenDuration
}
