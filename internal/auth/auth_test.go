package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/duet/chat-server/internal/store"
)

const secret = "test-secret"

type fakeUsers map[int64]bool

func (f fakeUsers) GetUser(_ context.Context, id int64) (*store.User, error) {
	if id == 99 {
		return nil, errors.New("connection refused")
	}
	if !f[id] {
		return nil, store.ErrNotFound
	}
	return &store.User{ID: id}, nil
}

func TestAuthenticateValidToken(t *testing.T) {
	v := NewVerifier(secret, fakeUsers{7: true})
	token, err := Sign(secret, 7, time.Minute)
	require.NoError(t, err)

	id, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
}

func TestAuthenticateRejects(t *testing.T) {
	v := NewVerifier(secret, fakeUsers{7: true})

	wrongSecret, err := Sign("other", 7, time.Minute)
	require.NoError(t, err)
	expired, err := Sign(secret, 7, -time.Minute)
	require.NoError(t, err)
	unknownUser, err := Sign(secret, 8, time.Minute)
	require.NoError(t, err)
	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{UserID: 7}).SignedString([]byte(secret))
	require.NoError(t, err)
	noID, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}).SignedString([]byte(secret))
	require.NoError(t, err)
	hs512, err := jwt.NewWithClaims(jwt.SigningMethodHS512, Claims{
		UserID:           7,
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute))},
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	tokens := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"wrong secret": wrongSecret,
		"expired":      expired,
		"unknown user": unknownUser,
		"no exp":       noExp,
		"no id":        noID,
		"hs512":        hs512,
	}
	for name, token := range tokens {
		t.Run(name, func(t *testing.T) {
			_, err := v.Authenticate(context.Background(), token)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestAuthenticateLookupFailureIsNotUnauthorized(t *testing.T) {
	v := NewVerifier(secret, fakeUsers{})
	token, err := Sign(secret, 99, time.Minute)
	require.NoError(t, err)

	_, err = v.Authenticate(context.Background(), token)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticateWithoutUserLookup(t *testing.T) {
	v := NewVerifier(secret, nil)
	token, err := Sign(secret, 12, time.Minute)
	require.NoError(t, err)

	id, err := v.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, int64(12), id)
}
