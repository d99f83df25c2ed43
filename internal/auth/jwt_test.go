package auth

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/apperr"
	"github.com/example/ride-dispatch/internal/models"
)

func TestIssueAndVerify(t *testing.T) {
	m, err := NewJWTManager("secret", time.Hour)
	require.NoError(t, err)

	tok, err := m.Issue("42", models.RoleDriver)
	require.NoError(t, err)

	p, err := m.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, models.Driver("42"), p)

	p, err = m.Verify("Bearer " + tok)
	require.NoError(t, err)
	assert.Equal(t, "42", p.ID)
}

func TestVerifyRejects(t *testing.T) {
	m, _ := NewJWTManager("secret", time.Hour)
	other, _ := NewJWTManager("other", time.Hour)
	foreign, _ := other.Issue("1", models.RoleRider)

	for name, cred := range map[string]string{
		"empty":   "",
		"garbage": "not-a-jwt",
		"foreign": foreign,
	} {
		_, err := m.Verify(cred)
		assert.ErrorIs(t, err, apperr.ErrUnauthorized, name)
	}
}

func TestVerifyExpired(t *testing.T) {
	m, _ := NewJWTManager("secret", time.Minute)
	tok, err := m.Issue("1", models.RoleRider)
	require.NoError(t, err)

	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = m.Verify(tok)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)
}

func TestIssueRejectsBadRole(t *testing.T) {
	m, _ := NewJWTManager("secret", time.Minute)
	_, err := m.Issue("1", models.Role("admin"))
	assert.Error(t, err)
	_, err = NewJWTManager("  ", time.Minute)
	assert.Error(t, err)
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?token=abc", nil)
	assert.Equal(t, "abc", FromRequest(r))
	r.Header.Set("Authorization", "Bearer xyz")
	assert.Equal(t, "xyz", FromRequest(r))
}
