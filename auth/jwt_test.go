package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcriess/lightspeed-karma/config"
	"github.com/tcriess/lightspeed-karma/types"
)

var testSecret = []byte("super-secret")

func TestJWTVerifier(t *testing.T) {
	ctx := context.Background()
	v := NewJWTVerifier(testSecret, "lightspeed")

	token, err := GenerateToken(testSecret, "lightspeed", "user-123", "Alice", time.Hour)
	require.NoError(t, err)
	identity, err := v.Verify(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserId: "user-123", DisplayName: "Alice"}, identity)
}

func TestJWTVerifierRejects(t *testing.T) {
	ctx := context.Background()
	v := NewJWTVerifier(testSecret, "lightspeed")

	expired, err := GenerateToken(testSecret, "lightspeed", "user-123", "", -time.Minute)
	require.NoError(t, err)
	otherSecret, err := GenerateToken([]byte("other"), "lightspeed", "user-123", "", time.Hour)
	require.NoError(t, err)
	otherIssuer, err := GenerateToken(testSecret, "someone-else", "user-123", "", time.Hour)
	require.NoError(t, err)
	noSubject, err := GenerateToken(testSecret, "lightspeed", "", "", time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "user-123", Issuer: "lightspeed"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"empty":        "",
		"garbage":      "not-a-jwt",
		"expired":      expired,
		"other secret": otherSecret,
		"other issuer": otherIssuer,
		"no subject":   noSubject,
		"alg none":     none,
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(ctx, token)
			require.Error(t, err)
			assert.True(t, errors.Is(err, types.ErrAuthentication))
		})
	}
}

func TestNewVerifier(t *testing.T) {
	v, err := NewVerifier(context.Background(), config.AuthConfig{JWTSecret: "s"})
	require.NoError(t, err)
	assert.IsType(t, &JWTVerifier{}, v)

	_, err = NewVerifier(context.Background(), config.AuthConfig{})
	assert.Error(t, err)
}
