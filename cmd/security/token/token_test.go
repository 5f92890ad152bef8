package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte(strings.Repeat("k", MinSecretBytes))

func TestNewVerifier_SecretPolicy(t *testing.T) {
	_, err := NewVerifier(nil)
	require.ErrorIs(t, err, ErrSecretMissing)

	_, err = NewVerifier([]byte("short"))
	require.ErrorIs(t, err, ErrSecretTooShort)

	v, err := NewVerifier(testSecret)
	require.NoError(t, err)
	require.NotNil(t, v)
}

func TestSecretFromEnv(t *testing.T) {
	t.Setenv(SecretEnvKey, "  ")
	_, err := SecretFromEnv()
	require.ErrorIs(t, err, ErrSecretMissing)

	t.Setenv(SecretEnvKey, "abc")
	_, err = SecretFromEnv()
	require.ErrorIs(t, err, ErrSecretTooShort)

	t.Setenv(SecretEnvKey, string(testSecret))
	b, err := SecretFromEnv()
	require.NoError(t, err)
	assert.Equal(t, testSecret, b)
}

func TestVerify_RoundTrip(t *testing.T) {
	now := time.Now()
	raw, err := Sign(testSecret, "user-1", "Ada", time.Hour, now)
	require.NoError(t, err)

	v, err := NewVerifier(testSecret)
	require.NoError(t, err)

	id, err := v.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID)
	assert.Equal(t, "Ada", id.DisplayName)
	assert.WithinDuration(t, now.Add(time.Hour), id.ExpiresAt, time.Second)
}

func TestVerify_Expired(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour)
	raw, err := Sign(testSecret, "user-1", "", time.Minute, past)
	require.NoError(t, err)

	v, err := NewVerifier(testSecret)
	require.NoError(t, err)

	_, err = v.Verify(raw)
	require.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_WrongSecret(t *testing.T) {
	raw, err := Sign([]byte(strings.Repeat("x", MinSecretBytes)), "user-1", "", time.Hour, time.Now())
	require.NoError(t, err)

	v, err := NewVerifier(testSecret)
	require.NoError(t, err)

	_, err = v.Verify(raw)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_RejectsOtherAlgorithms(t *testing.T) {
	claims := &Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(testSecret)
	require.NoError(t, err)

	v, err := NewVerifier(testSecret)
	require.NoError(t, err)

	_, err = v.Verify(raw)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_MissingSubject(t *testing.T) {
	raw, err := Sign(testSecret, "", "", time.Hour, time.Now())
	require.NoError(t, err)

	v, err := NewVerifier(testSecret)
	require.NoError(t, err)

	_, err = v.Verify(raw)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerify_Issuer(t *testing.T) {
	v, err := NewVerifier(testSecret, WithIssuer("idp"))
	require.NoError(t, err)

	raw, err := Sign(testSecret, "user-1", "", time.Hour, time.Now())
	require.NoError(t, err)

	_, err = v.Verify(raw)
	require.ErrorIs(t, err, ErrInvalidToken)
}
