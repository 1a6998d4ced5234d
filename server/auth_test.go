package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAuth() *Authenticator {
	return NewAuthenticator("test-secret", time.Hour, map[string]string{
		"user1": "password1",
		"admin": "admin123",
	})
}

func TestAuthenticator_Roundtrip(t *testing.T) {
	auth := testAuth()

	token, expiresAt, err := auth.Authenticate("user1", "password1")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	user, err := auth.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "user1", user)
}

func TestAuthenticator_RejectsBadCredentials(t *testing.T) {
	auth := testAuth()

	_, _, err := auth.Authenticate("user1", "wrong")
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, _, err = auth.Authenticate("nobody", "password1")
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticator_RejectsTamperedToken(t *testing.T) {
	auth := testAuth()

	token, _, err := auth.Authenticate("user1", "password1")
	require.NoError(t, err)

	_, err = auth.Validate(token + "x")
	assert.ErrorIs(t, err, ErrUnauthorized)

	other := NewAuthenticator("other-secret", time.Hour,
		map[string]string{"user1": "password1"})
	foreign, _, err := other.Authenticate("user1", "password1")
	require.NoError(t, err)

	_, err = auth.Validate(foreign)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestAuthenticator_Revoke(t *testing.T) {
	auth := testAuth()

	token, _, err := auth.Authenticate("admin", "admin123")
	require.NoError(t, err)

	auth.Revoke(token)
	_, err = auth.Validate(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
