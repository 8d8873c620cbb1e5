package idempotency

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"validahub-core/internal/core/tenant"
)

const (
	testMethod = "POST"
	testRoute  = "/v1/jobs"
)

var (
	tenantA = tenant.MustParse("t_acme")
	tenantB = tenant.MustParse("t_globex")
)

func TestResolve_GeneratedKeyIsValid(t *testing.T) {
	key, err := Resolve("", tenantA, testMethod, testRoute, CompatCanonicalize)
	require.NoError(t, err)
	assert.NoError(t, Validate(key))
}

func TestResolve_GeneratedKeysAreUnique(t *testing.T) {
	first, err := Resolve("", tenantA, testMethod, testRoute, CompatCanonicalize)
	require.NoError(t, err)
	second, err := Resolve("", tenantA, testMethod, testRoute, CompatCanonicalize)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestResolve_FastPathReturnsKeyUnchanged(t *testing.T) {
	for _, raw := range []string{
		"abcdef1234567890",
		"client-key_ABC-00012345",
		strings.Repeat("x", 128),
	} {
		key, err := Resolve(raw, tenantA, testMethod, testRoute, CompatCanonicalize)
		require.NoError(t, err)
		assert.Equal(t, raw, key, "secure key must pass through unchanged")
	}
}

func TestResolve_Deterministic(t *testing.T) {
	raw := "order.123"
	first, err := Resolve(raw, tenantA, testMethod, testRoute, CompatCanonicalize)
	require.NoError(t, err)
	second, err := Resolve(raw, tenantA, testMethod, testRoute, CompatCanonicalize)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestResolve_TenantIsolation(t *testing.T) {
	raw := "order.123"
	keyA, err := Resolve(raw, tenantA, testMethod, testRoute, CompatCanonicalize)
	require.NoError(t, err)
	keyB, err := Resolve(raw, tenantB, testMethod, testRoute, CompatCanonicalize)
	require.NoError(t, err)
	assert.NotEqual(t, keyA, keyB, "same raw key must resolve differently per tenant")
}

func TestResolve_ScopeIsolation(t *testing.T) {
	raw := "order.123"
	submit, err := Resolve(raw, tenantA, "POST", "/v1/jobs", CompatCanonicalize)
	require.NoError(t, err)
	retry, err := Resolve(raw, tenantA, "POST", "/v1/jobs/:job_id/retry", CompatCanonicalize)
	require.NoError(t, err)
	assert.NotEqual(t, submit, retry, "same raw key must resolve differently per route")
}

func TestResolve_CanonicalizedKeysAlwaysValidate(t *testing.T) {
	hostile := []string{
		"=SUM(A1:A10)",
		"+1234567890",
		"-cmd|'/c calc'",
		"@import",
		"short",
		"key with spaces and length",
		"key:with:colons:and:length",
		"ключ-на-кириллице-1234",
		strings.Repeat("a", 500),
		"\ttabbed-key-1234567890",
	}
	for _, raw := range hostile {
		key, err := Resolve(raw, tenantA, testMethod, testRoute, CompatCanonicalize)
		require.NoError(t, err, "canonicalize mode must accept %q", raw)
		assert.NoError(t, Validate(key), "resolved form of %q must validate", raw)
		assert.NotContains(t, "=+-@", key[:1])
	}
}

func TestResolve_CanonicalizedLengthIsBounded(t *testing.T) {
	key, err := Resolve("=SUM(A1:A10)", tenantA, testMethod, testRoute, CompatCanonicalize)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(key), 16)
	assert.LessOrEqual(t, len(key), 24)
}

func TestResolve_RejectModeNeverEchoesKey(t *testing.T) {
	raw := "=SUM(A1:A10)"
	_, err := Resolve(raw, tenantA, testMethod, testRoute, CompatReject)
	require.Error(t, err)
	assert.NotContains(t, err.Error(), raw)
	assert.NotContains(t, err.Error(), "=SUM")
}

func TestResolve_RejectModeAcceptsSecureKeys(t *testing.T) {
	key, err := Resolve("abcdef1234567890", tenantA, testMethod, testRoute, CompatReject)
	require.NoError(t, err)
	assert.Equal(t, "abcdef1234567890", key)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr bool
	}{
		{"valid minimal length", strings.Repeat("a", 16), false},
		{"valid maximal length", strings.Repeat("a", 128), false},
		{"too short", strings.Repeat("a", 15), true},
		{"too long", strings.Repeat("a", 129), true},
		{"formula first char", "=" + strings.Repeat("a", 20), true},
		{"plus first char", "+" + strings.Repeat("a", 20), true},
		{"minus first char", "-" + strings.Repeat("a", 20), true},
		{"at first char", "@" + strings.Repeat("a", 20), true},
		{"disallowed characters", "key with spaces!!", true},
		{"allowed alphabet", "Abc-123_XYZ-0000000", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.key)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
