package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/polyledger/internal/domain"
	"github.com/alejandrodnm/polyledger/internal/ports"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "polyledger"

// Claims are the session token claims. Subject is the local user id.
type Claims struct {
	AuthID string `json:"auth_id,omitempty"`
	jwt.RegisteredClaims
}

// Sessions issues and validates HS256 session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

var _ ports.SessionValidator = (*Sessions)(nil)

// NewSessions returns a Sessions signing with secret. Tokens expire after ttl.
func NewSessions(secret string, ttl time.Duration) (*Sessions, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("auth.NewSessions: secret must be at least 16 bytes")
	}
	return &Sessions{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}, nil
}

// SetClock replaces the time source used for issuing and validating.
func (s *Sessions) SetClock(now func() time.Time) {
	s.now = now
}

// Issue returns a signed session token for user.
func (s *Sessions) Issue(user domain.User) (string, error) {
	now := s.now()
	claims := Claims{
		AuthID: user.AuthID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth.Issue: %w", err)
	}
	return signed, nil
}

// Parse verifies the token signature, algorithm, issuer and expiry.
// Every failure wraps domain.ErrUnauthorized.
func (s *Sessions) Parse(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	},
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("%w: invalid token", domain.ErrUnauthorized)
	}
	return claims, nil
}

// ValidateSession checks that session is a valid token for userID.
func (s *Sessions) ValidateSession(_ context.Context, session, userID string) error {
	claims, err := s.Parse(session)
	if err != nil {
		return err
	}
	if claims.Subject != userID {
		return fmt.Errorf("%w: session belongs to another user", domain.ErrUnauthorized)
	}
	return nil
}

// ExtractBearer returns the token of an "Authorization: Bearer" header value.
func ExtractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
