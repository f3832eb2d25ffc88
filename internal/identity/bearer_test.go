package identity

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestBearerVerifierAcceptsValidSubject(t *testing.T) {
	key := []byte("test-secret")
	token := signToken(t, key, jwt.MapClaims{
		"sub": "trusted-agent",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	verifier := NewBearerVerifier(key)
	sub, err := verifier.VerifySubject(token)
	require.NoError(t, err)
	require.Equal(t, "trusted-agent", sub)
}

func TestBearerVerifierRejectsWrongKey(t *testing.T) {
	token := signToken(t, []byte("right-key"), jwt.MapClaims{"sub": "agent"})
	verifier := NewBearerVerifier([]byte("wrong-key"))
	_, err := verifier.VerifySubject(token)
	require.Error(t, err)
}

func TestBearerVerifierRejectsMissingSubject(t *testing.T) {
	key := []byte("test-secret")
	token := signToken(t, key, jwt.MapClaims{"foo": "bar"})
	verifier := NewBearerVerifier(key)
	_, err := verifier.VerifySubject(token)
	require.Error(t, err)
}

func TestBearerVerifierRejectsExpiredToken(t *testing.T) {
	key := []byte("test-secret")
	token := signToken(t, key, jwt.MapClaims{
		"sub": "agent",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	verifier := NewBearerVerifier(key)
	_, err := verifier.VerifySubject(token)
	require.Error(t, err)
}
