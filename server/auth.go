package server

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized reports a failed login or an invalid token.
var ErrUnauthorized = errors.New("server: unauthorized")

// Authenticator issues and validates session tokens. Tokens are
// HS256 JWTs with the user as subject; logout revokes a token for
// the rest of its lifetime.
type Authenticator struct {
	secret []byte
	ttl    time.Duration

	mu      sync.Mutex
	users   map[string]string
	revoked map[string]time.Time
}

// NewAuthenticator build an authenticator over a fixed user table.
func NewAuthenticator(secret string, ttl time.Duration, users map[string]string) *Authenticator {
	dup := make(map[string]string, len(users))
	for user, pass := range users {
		dup[user] = pass
	}
	return &Authenticator{
		secret:  []byte(secret),
		ttl:     ttl,
		users:   dup,
		revoked: make(map[string]time.Time),
	}
}

// Authenticate check credentials and mint a token.
func (a *Authenticator) Authenticate(user, pass string) (string, time.Time, error) {
	a.mu.Lock()
	stored, ok := a.users[user]
	a.mu.Unlock()

	if !ok || stored != pass {
		return "", time.Time{}, ErrUnauthorized
	}

	expiresAt := time.Now().Add(a.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   user,
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).
		SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate return the principal a token was issued to.
func (a *Authenticator) Validate(token string) (string, error) {
	a.mu.Lock()
	_, revoked := a.revoked[token]
	a.mu.Unlock()
	if revoked {
		return "", ErrUnauthorized
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, ErrUnauthorized
			}
			return a.secret, nil
		})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

// Revoke end a session; expired revocations are pruned as a side
// effect so the set stays bounded.
func (a *Authenticator) Revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now()
	for t, deadline := range a.revoked {
		if now.After(deadline) {
			delete(a.revoked, t)
		}
	}
	a.revoked[token] = now.Add(a.ttl)
}
