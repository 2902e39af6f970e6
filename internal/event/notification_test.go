package event

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dserrors "github.com/systmms/kvrotate/internal/errors"
)

const sampleNotification = `{
  "id": "b2c1f1e4-7d55-4f5a-9d4c-2b1e1e0e6a11",
  "topic": "/subscriptions/0000/resourceGroups/rg/providers/Microsoft.KeyVault/vaults/kv-prod",
  "subject": "spn-deploy-secret",
  "eventType": "Microsoft.KeyVault.SecretNearExpiry",
  "data": {
    "Id": "https://kv-prod.vault.azure.net/secrets/spn-deploy-secret/0f1e2d3c",
    "VaultName": "kv-prod",
    "ObjectType": "Secret",
    "ObjectName": "spn-deploy-secret",
    "Version": "0f1e2d3c",
    "NBF": null,
    "EXP": 1735689600
  },
  "dataVersion": "1",
  "metadataVersion": "1",
  "eventTime": "2024-12-02T10:15:30.1234567Z"
}`

func TestDecode(t *testing.T) {
	t.Parallel()

	n, err := Decode([]byte(sampleNotification))
	require.NoError(t, err)

	assert.Equal(t, "b2c1f1e4-7d55-4f5a-9d4c-2b1e1e0e6a11", n.ID)
	assert.Equal(t, EventTypeSecretNearExpiry, n.EventType)
	assert.Equal(t, "kv-prod", n.Data.VaultName)
	assert.Equal(t, "spn-deploy-secret", n.Data.ObjectName)
	assert.Equal(t, "Secret", n.Data.ObjectType)
	assert.Equal(t, "0f1e2d3c", n.Data.Version)
	assert.False(t, n.Data.NotBefore.IsSet())
	assert.Equal(t, int64(1735689600), n.Data.Expires)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), n.Data.ExpiresAt())
	assert.Equal(t, 2024, n.EventTime.Year())
}

func TestDecode_NotBeforeEncodings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		nbf      string
		wantKind NotBeforeKind
		wantTime time.Time
		wantErr  bool
	}{
		{name: "absent", nbf: "", wantKind: NotBeforeAbsent},
		{name: "null", nbf: `"nbf": null,`, wantKind: NotBeforeAbsent},
		{name: "epoch", nbf: `"nbf": 1704067200,`, wantKind: NotBeforeEpoch, wantTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: "integral float", nbf: `"nbf": 1704067200.0,`, wantKind: NotBeforeEpoch, wantTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: "rfc3339 string", nbf: `"nbf": "2024-01-01T00:00:00Z",`, wantKind: NotBeforeTimestamp, wantTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: "numeric string", nbf: `"nbf": "1704067200",`, wantKind: NotBeforeTimestamp, wantTime: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{name: "fractional epoch", nbf: `"nbf": 1.5,`, wantErr: true},
		{name: "boolean", nbf: `"nbf": true,`, wantErr: true},
		{name: "object", nbf: `"nbf": {"at": 1},`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			body := `{"data": {` + tt.nbf + ` "vaultName": "kv-prod", "objectName": "app-secret", "exp": 1}}`
			n, err := Decode([]byte(body))
			if tt.wantErr {
				var decodeErr dserrors.DecodeError
				require.True(t, stderrors.As(err, &decodeErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, n.Data.NotBefore.Kind)

			got, ok := n.Data.NotBefore.Time()
			if tt.wantKind == NotBeforeAbsent {
				assert.False(t, ok)
				return
			}
			require.True(t, ok)
			assert.True(t, tt.wantTime.Equal(got), "got %s", got)
		})
	}
}

func TestDecode_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{name: "empty", body: "   "},
		{name: "not json", body: "kv-prod/spn-deploy-secret"},
		{name: "array", body: `[{"data": {}}]`},
		{name: "missing data", body: `{"id": "1"}`},
		{name: "data not object", body: `{"data": "x"}`, wantField: "data"},
		{name: "missing vault name", body: `{"data": {"objectName": "app-secret"}}`, wantField: "data.vaultName"},
		{name: "blank vault name", body: `{"data": {"vaultName": "", "objectName": "app-secret"}}`, wantField: "data.vaultName"},
		{name: "missing object name", body: `{"data": {"vaultName": "kv-prod"}}`, wantField: "data.objectName"},
		{name: "vault name with host", body: `{"data": {"vaultName": "evil.example.com/x", "objectName": "app-secret"}}`, wantField: "data.vaultName"},
		{name: "object name with path", body: `{"data": {"vaultName": "kv-prod", "objectName": "../keys/x"}}`, wantField: "data.objectName"},
		{name: "exp not integer", body: `{"data": {"vaultName": "kv-prod", "objectName": "app-secret", "exp": "soon"}}`, wantField: "data.exp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			n, err := Decode([]byte(tt.body))
			require.Error(t, err)
			assert.Nil(t, n)

			var decodeErr dserrors.DecodeError
			require.True(t, stderrors.As(err, &decodeErr), "got %T: %v", err, err)
			if tt.wantField != "" {
				assert.Equal(t, tt.wantField, decodeErr.Field)
			}
		})
	}
}

func TestDecode_IgnoresUnknownFields(t *testing.T) {
	t.Parallel()

	body := `{"extra": {"nested": true}, "data": {"vaultName": "kv-prod", "objectName": "app-secret", "tags": {"a": "b"}}}`
	n, err := Decode([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, "app-secret", n.Data.ObjectName)
}

func TestEncode_RoundTrip(t *testing.T) {
	t.Parallel()

	bodies := map[string]string{
		"sample":          sampleNotification,
		"epoch nbf":       `{"id": "1", "data": {"vaultName": "kv-a", "objectName": "s-1", "nbf": 1704067200, "exp": 1735689600}, "eventTime": "2024-01-01T00:00:00Z"}`,
		"string nbf":      `{"id": "2", "data": {"vaultName": "kv-b", "objectName": "s-2", "nbf": "2024-01-01T00:00:00Z"}}`,
		"minimal payload": `{"data": {"vaultName": "kv-c", "objectName": "s-3"}}`,
	}

	for name, body := range bodies {
		body := body
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			first, err := Decode([]byte(body))
			require.NoError(t, err)

			encoded, err := Encode(first)
			require.NoError(t, err)

			second, err := Decode(encoded)
			require.NoError(t, err)

			assert.Equal(t, first.ID, second.ID)
			assert.Equal(t, first.Topic, second.Topic)
			assert.Equal(t, first.Subject, second.Subject)
			assert.Equal(t, first.EventType, second.EventType)
			assert.Equal(t, first.Data, second.Data)
			assert.Equal(t, first.DataVersion, second.DataVersion)
			assert.Equal(t, first.MetadataVersion, second.MetadataVersion)
			assert.True(t, first.EventTime.Equal(second.EventTime))
		})
	}
}
