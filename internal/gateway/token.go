package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken covers every way a presented token can fail verification.
var ErrInvalidToken = errors.New("gateway: invalid token")

const defaultTokenTTL = 15 * time.Minute

// TokenIssuer mints and verifies the short-lived HS256 tokens that gate the
// UI stream and voice WebSockets.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer builds an issuer around a shared HMAC secret.
func NewTokenIssuer(secret []byte, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenIssuer{secret: secret, ttl: ttl, now: time.Now}
}

// Mint returns a signed token binding a session to a scope ("ui" or
// "voice").
func (t *TokenIssuer) Mint(sessionID, scope string) (string, error) {
	now := t.now()
	claims := jwt.MapClaims{
		"session_id": sessionID,
		"scope":      scope,
		"iat":        now.Unix(),
		"exp":        now.Add(t.ttl).Unix(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("gateway: sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, scope, and session binding.
func (t *TokenIssuer) Verify(token, sessionID, scope string) error {
	parsed, err := jwt.Parse(token, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(t.now))
	if err != nil || !parsed.Valid {
		return ErrInvalidToken
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidToken
	}
	if claims["session_id"] != sessionID || claims["scope"] != scope {
		return ErrInvalidToken
	}
	return nil
}
