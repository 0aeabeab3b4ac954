package apikey_test

import (
	"regexp"
	"testing"
	"time"

	"github.com/cassiomorais/paygate/internal/domain/apikey"
	"github.com/cassiomorais/paygate/internal/domain/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const pepper = "test-pepper"

func TestNew_Defaults(t *testing.T) {
	issued, err := apikey.New(apikey.NewParams{Name: "shop"}, pepper, now)
	require.NoError(t, err)

	k := issued.Key
	assert.Regexp(t, regexp.MustCompile(`^ck_test_[a-z0-9]{32}$`), k.KeyID)
	assert.Len(t, issued.Secret, 48)
	assert.Equal(t, apikey.EnvironmentSandbox, k.Environment)
	assert.Equal(t, apikey.DefaultScopes, k.Scopes)
	assert.Equal(t, apikey.DefaultRateLimit, k.RateLimit)
	assert.NotContains(t, k.SecretHash, issued.Secret)
	assert.Equal(t, k.KeyID+"."+issued.Secret, issued.Credential())
}

func TestNew_Production(t *testing.T) {
	issued, err := apikey.New(apikey.NewParams{Name: "shop", Environment: apikey.EnvironmentProduction}, pepper, now)
	require.NoError(t, err)
	assert.Regexp(t, `^ck_live_`, issued.Key.KeyID)
}

func TestNew_Invalid(t *testing.T) {
	past := now.Add(-time.Hour)
	tests := []struct {
		name   string
		params apikey.NewParams
	}{
		{"no name", apikey.NewParams{}},
		{"bad env", apikey.NewParams{Name: "x", Environment: "staging"}},
		{"bad scope", apikey.NewParams{Name: "x", Scopes: []string{"root"}}},
		{"past expiry", apikey.NewParams{Name: "x", ExpiresAt: &past}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := apikey.New(tt.params, pepper, now)
			assert.ErrorIs(t, err, errors.ErrValidationFailed)
		})
	}
}

func TestVerifySecret(t *testing.T) {
	issued, err := apikey.New(apikey.NewParams{Name: "shop"}, pepper, now)
	require.NoError(t, err)

	assert.True(t, issued.Key.VerifySecret(issued.Secret, pepper))
	assert.False(t, issued.Key.VerifySecret(issued.Secret, "other-pepper"))
	assert.False(t, issued.Key.VerifySecret(issued.Secret+"x", pepper))
}

func TestIsActive(t *testing.T) {
	exp := now.Add(time.Hour)
	issued, err := apikey.New(apikey.NewParams{Name: "shop", ExpiresAt: &exp}, pepper, now)
	require.NoError(t, err)
	k := issued.Key

	assert.True(t, k.IsActive(now))
	assert.False(t, k.IsActive(exp))

	require.NoError(t, k.Revoke(now))
	assert.False(t, k.IsActive(now))
	assert.Error(t, k.Revoke(now))
}

func TestMasked(t *testing.T) {
	k := &apikey.APIKey{KeyID: "ck_test_abcdefghijklmnopqrstuvwxyz012345"}
	assert.Equal(t, "ck_test_********************2345", k.Masked())
}

func TestHasScope(t *testing.T) {
	k := &apikey.APIKey{Scopes: []string{apikey.ScopeAdminRead}}
	assert.True(t, k.HasScope(apikey.ScopeAdminRead))
	assert.False(t, k.HasScope(apikey.ScopeAdminWrite))
}

func TestParseCredential(t *testing.T) {
	id, secret, err := apikey.ParseCredential("ck_live_abc.s3cr3t")
	require.NoError(t, err)
	assert.Equal(t, "ck_live_abc", id)
	assert.Equal(t, "s3cr3t", secret)

	for _, raw := range []string{"", "ck_live_abc", "ck_live_abc.", "sk_abc.secret", ".secret"} {
		_, _, err := apikey.ParseCredential(raw)
		assert.ErrorIs(t, err, errors.ErrUnauthorized, raw)
	}
}
