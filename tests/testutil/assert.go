package testutil

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	dserrors "github.com/systmms/kvrotate/internal/errors"
)

// AssertNoSecretLeak verifies that none of the secret values appear in output.
//
// Example usage:
//
//	AssertNoSecretLeak(t, logs, []string{dir.LastSecretText(), "old-value"})
func AssertNoSecretLeak(t *testing.T, output string, secrets []string) {
	t.Helper()

	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		assert.NotContains(t, output, secret,
			"Secret %q should never be written, but appears in output", secret)
	}
}

// AssertErrorKind verifies that err is classified as kind.
func AssertErrorKind(t *testing.T, err error, kind string) {
	t.Helper()

	if !assert.Error(t, err, "Expected a %s error", kind) {
		return
	}
	assert.Equal(t, kind, dserrors.Kind(err), "error: %v", err)
}

// AssertErrorContains verifies that an error occurred and contains a substring.
func AssertErrorContains(t *testing.T, err error, substr string) {
	t.Helper()

	if !assert.Error(t, err, "Expected an error containing %q", substr) {
		return
	}
	assert.True(t, strings.Contains(err.Error(), substr),
		"Error %q should contain %q", err.Error(), substr)
}
