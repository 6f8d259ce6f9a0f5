package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTService(t *testing.T) {
	svc, err := NewJWTService("s3cret", "billing-admin")
	require.NoError(t, err)

	t.Run("round trip", func(t *testing.T) {
		token, err := svc.GenerateToken("ops@example.com", time.Minute)
		require.NoError(t, err)

		claims, err := svc.ValidateToken(token)
		require.NoError(t, err)
		assert.Equal(t, "ops@example.com", claims.Actor())
	})

	t.Run("wrong secret", func(t *testing.T) {
		other, err := NewJWTService("other", "billing-admin")
		require.NoError(t, err)
		token, err := other.GenerateToken("ops", time.Minute)
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		other, err := NewJWTService("s3cret", "someone-else")
		require.NoError(t, err)
		token, err := other.GenerateToken("ops", time.Minute)
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("expired", func(t *testing.T) {
		token, err := svc.GenerateToken("ops", -time.Minute)
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("missing expiry", func(t *testing.T) {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:  "ops",
			Audience: jwt.ClaimStrings{"billing-admin"},
		}).SignedString([]byte("s3cret"))
		require.NoError(t, err)

		_, err = svc.ValidateToken(token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := svc.ValidateToken("not-a-token")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestNewJWTServiceRequiresSecret(t *testing.T) {
	_, err := NewJWTService("", "billing-admin")
	assert.ErrorIs(t, err, ErrMissingSecret)
}
