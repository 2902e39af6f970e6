package testutil

import (
	"os"
	"strings"
	"testing"
)

// settingNames are the un-prefixed app settings kvrotate reads.
var settingNames = []string{
	"ManagedIdentityClientId",
	"AzureWebJobsStorage",
	"AzureWebJobsStorage__queueServiceUri",
}

// IsolateEnv clears every KVROTATE_ variable and legacy app setting for the
// duration of a test and moves into an empty working directory, so a
// developer's shell or .env file cannot leak into config loading.
//
// Tests calling it must not use t.Parallel.
func IsolateEnv(t *testing.T) {
	t.Helper()

	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, "KVROTATE_") {
			unset(t, name)
		}
	}
	for _, name := range settingNames {
		unset(t, name)
	}
	t.Chdir(t.TempDir())
}

// SetupTestEnv sets environment variables for the duration of a test.
//
// The original environment is restored automatically when the test completes.
func SetupTestEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for key, value := range vars {
		t.Setenv(key, value)
	}
}

// unset removes a variable and restores it when the test ends.
func unset(t *testing.T, name string) {
	t.Helper()
	t.Setenv(name, "")
	if err := os.Unsetenv(name); err != nil {
		t.Fatalf("Failed to unset environment variable %s: %v", name, err)
	}
}

// WriteFile writes content to name inside a fresh temp dir and returns the
// path.
func WriteFile(t *testing.T, name, content string) string {
	t.Helper()

	path := t.TempDir() + string(os.PathSeparator) + name
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write %s: %v", name, err)
	}
	return path
}
