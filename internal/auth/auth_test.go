package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidateToken(t *testing.T) {
	m, err := NewJWTManager("test-secret", time.Hour)
	require.NoError(t, err)

	token, exp, err := m.IssueToken("acme")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), exp, time.Minute)

	claims, err := m.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.TenantID)
	assert.Equal(t, "acme", claims.Subject)
}

func TestIssueTokenRequiresTenant(t *testing.T) {
	m, err := NewJWTManager("test-secret", time.Hour)
	require.NoError(t, err)

	_, _, err = m.IssueToken("")
	assert.Error(t, err)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	issuer, err := NewJWTManager("secret-a", time.Hour)
	require.NoError(t, err)
	verifier, err := NewJWTManager("secret-b", time.Hour)
	require.NoError(t, err)

	token, _, err := issuer.IssueToken("acme")
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsExpired(t *testing.T) {
	m, err := NewJWTManager("test-secret", -time.Minute)
	require.NoError(t, err)

	token, _, err := m.IssueToken("acme")
	require.NoError(t, err)

	_, err = m.ValidateToken(token)
	assert.Error(t, err)
}

func TestValidateRejectsGarbage(t *testing.T) {
	m, err := NewJWTManager("test-secret", time.Hour)
	require.NoError(t, err)

	_, err = m.ValidateToken("not.a.jwt")
	assert.Error(t, err)
}

func TestEphemeralSecret(t *testing.T) {
	m1, err := NewJWTManager("", time.Hour)
	require.NoError(t, err)
	m2, err := NewJWTManager("", time.Hour)
	require.NoError(t, err)

	token, _, err := m1.IssueToken("acme")
	require.NoError(t, err)

	_, err = m1.ValidateToken(token)
	assert.NoError(t, err)
	_, err = m2.ValidateToken(token)
	assert.Error(t, err, "ephemeral secrets must not be shared across managers")
}

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := HashAPIKey("super-secret-key")
	require.NoError(t, err)

	ok, err := VerifyAPIKey("super-secret-key", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = VerifyAPIKey("anything", "malformed")
	assert.Error(t, err)
}
