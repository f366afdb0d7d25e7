package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testJWTSecret = "test-session-secret-0123456789abcdef"

func TestSessionIssuer_RoundTrip(t *testing.T) {
	issuer := NewSessionIssuer(testJWTSecret, time.Hour)

	token, err := issuer.Issue("acct-1", "ann@example.com")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	accountID, err := issuer.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "acct-1", accountID)
}

func TestSessionIssuer_RejectsWrongSecret(t *testing.T) {
	token, err := NewSessionIssuer(testJWTSecret, time.Hour).Issue("acct-1", "ann@example.com")
	require.NoError(t, err)

	_, err = NewSessionIssuer("a-completely-different-secret-value", time.Hour).Verify(token)
	assert.Error(t, err)
}

func TestSessionIssuer_RejectsExpired(t *testing.T) {
	issuer := NewSessionIssuer(testJWTSecret, -time.Minute)

	token, err := issuer.Issue("acct-1", "ann@example.com")
	require.NoError(t, err)

	_, err = issuer.Verify(token)
	assert.Error(t, err)
}

func TestSessionIssuer_RejectsGarbage(t *testing.T) {
	issuer := NewSessionIssuer(testJWTSecret, time.Hour)

	_, err := issuer.Verify("not.a.token")
	assert.Error(t, err)

	_, err = issuer.Verify("")
	assert.Error(t, err)
}
