// Package auth verifies the bearer tokens that guard the admin endpoints.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSecret = errors.New("admin jwt secret is not configured")
	ErrInvalidToken  = errors.New("invalid token")
)

// AdminClaims are the claims of an operator token. The subject names the
// operator and ends up as the actor of audit entries.
type AdminClaims struct {
	jwt.RegisteredClaims
}

func (c *AdminClaims) Actor() string {
	if c.Subject == "" {
		return "admin"
	}
	return c.Subject
}

type JWTService interface {
	ValidateToken(token string) (*AdminClaims, error)
	GenerateToken(subject string, ttl time.Duration) (string, error)
}

type hmacService struct {
	secret   []byte
	audience string
	now      func() time.Time
}

// NewJWTService verifies HS256 tokens signed with secret and issued for
// audience.
func NewJWTService(secret, audience string) (JWTService, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &hmacService{secret: []byte(secret), audience: audience, now: time.Now}, nil
}

func (s *hmacService) ValidateToken(tokenString string) (*AdminClaims, error) {
	claims := &AdminClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// GenerateToken issues an operator token. billingctl and tests use it.
func (s *hmacService) GenerateToken(subject string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := &AdminClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if s.audience != "" {
		claims.Audience = jwt.ClaimStrings{s.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
