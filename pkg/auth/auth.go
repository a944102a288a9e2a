// Package auth resolves the authenticated user of a client session and
// verifies the tokens the relay receives on join.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/tidylist/tidysync/pkg/models"
)

var (
	ErrNoSession    = errors.New("auth: no authenticated session")
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Identity is the authenticated user.
type Identity struct {
	Subject models.ID
	Email   string
}

// Username derives a profile username from the email's local part. It is
// "user" when the email has none.
func (id Identity) Username() string {
	local, _, _ := strings.Cut(id.Email, "@")
	if local == "" {
		return "user"
	}
	return local
}

// Session returns the current identity. Implementations return
// ErrNoSession when nobody is signed in.
type Session interface {
	Identity(ctx context.Context) (Identity, error)
	// Token is sent to the relay when joining a topic. It may be empty.
	Token(ctx context.Context) (string, error)
}

// StaticSession is a fixed identity without a token.
type StaticSession Identity

func (s StaticSession) Identity(context.Context) (Identity, error) {
	if s.Subject.IsZero() {
		return Identity{}, ErrNoSession
	}
	return Identity(s), nil
}

func (StaticSession) Token(context.Context) (string, error) {
	return "", nil
}

// Claims are the registered claims plus the user's email.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// TokenSession reads the identity from an access token issued by the
// backend. The token is not verified here: the backend and the relay do
// that on every request.
type TokenSession struct {
	token string
}

func NewTokenSession(token string) *TokenSession {
	return &TokenSession{token: token}
}

func (s *TokenSession) Identity(context.Context) (Identity, error) {
	if s.token == "" {
		return Identity{}, ErrNoSession
	}

	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.token, claims); err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrNoSession)
	}
	return Identity{Subject: models.ID(claims.Subject), Email: claims.Email}, nil
}

func (s *TokenSession) Token(context.Context) (string, error) {
	return s.token, nil
}

// Verifier checks HMAC-signed tokens.
type Verifier struct {
	secret []byte
	parser *jwt.Parser
}

func NewVerifier(secret []byte) *Verifier {
	return &Verifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg(), jwt.SigningMethodHS384.Alg(), jwt.SigningMethodHS512.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

func (v *Verifier) Verify(token string) (Identity, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return Identity{Subject: models.ID(claims.Subject), Email: claims.Email}, nil
}

// Sign issues an HS256 token for id that expires after ttl.
func Sign(secret []byte, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: id.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id.Subject),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
