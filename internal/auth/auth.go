// Package auth turns a bearer token into an authenticated user id.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/duet/chat-server/internal/store"
)

// ErrUnauthorized is returned, wrapped, for every rejected token.
var ErrUnauthorized = errors.New("auth: unauthorized")

// UserLookup confirms that a token's subject still exists.
type UserLookup interface {
	GetUser(ctx context.Context, id int64) (*store.User, error)
}

// Claims is the token payload. The user id travels in the "id" claim.
type Claims struct {
	UserID int64 `json:"id"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 tokens signed with a shared secret.
type Verifier struct {
	secret []byte
	users  UserLookup
	parser *jwt.Parser
}

// NewVerifier creates a Verifier. users may be nil to skip the existence
// check.
func NewVerifier(secret string, users UserLookup) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		users:  users,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Authenticate returns the user id carried by token.
func (v *Verifier) Authenticate(ctx context.Context, token string) (int64, error) {
	if token == "" {
		return 0, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	var claims Claims
	if _, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.UserID <= 0 {
		return 0, fmt.Errorf("%w: missing id claim", ErrUnauthorized)
	}

	if v.users != nil {
		if _, err := v.users.GetUser(ctx, claims.UserID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return 0, fmt.Errorf("%w: user %d does not exist", ErrUnauthorized, claims.UserID)
			}
			return 0, fmt.Errorf("auth: look up user %d: %w", claims.UserID, err)
		}
	}
	return claims.UserID, nil
}

// Sign issues a token for userID valid for ttl. Token issuance belongs to the
// account service; this exists for tests and local tooling.
func Sign(secret string, userID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, nil
}
