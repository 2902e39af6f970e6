package testutil

import (
	"fmt"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/systmms/kvrotate/internal/policy"
)

// Values shared by rotation fixtures.
const (
	VaultName      = "kv-prod"
	SecretName     = "spn-deploy-secret"
	ApplicationID  = "11111111-2222-3333-4444-555555555555"
	AccountURL     = "https://dev.azure.com/contoso"
	ProjectName    = "Platform"
	ConnectionName = "prod-arm"
)

// NotificationJSON returns a SecretNearExpiry Event Grid notification for a
// secret, with the PascalCase data keys Key Vault publishes.
func NotificationJSON(vault, secret string) []byte {
	return []byte(fmt.Sprintf(`{
  "id": "evt-1",
  "topic": "/subscriptions/0000/resourceGroups/rg/providers/Microsoft.KeyVault/vaults/%[1]s",
  "subject": %[2]q,
  "eventType": "Microsoft.KeyVault.SecretNearExpiry",
  "data": {
    "Id": "https://%[1]s.vault.azure.net/secrets/%[2]s/abc",
    "VaultName": %[1]q,
    "ObjectType": "Secret",
    "ObjectName": %[2]q,
    "Version": "abc",
    "NBF": null,
    "EXP": 1704067200
  },
  "dataVersion": "1",
  "metadataVersion": "1",
  "eventTime": "2023-12-02T10:15:30Z"
}`, vault, secret))
}

// RotationTags returns a complete set of rotation tags in the SDK's pointer
// form, plus an unrelated owner tag. months is the validity in months.
func RotationTags(appID string, months int) map[string]*string {
	return map[string]*string{
		policy.TagApplicationID:  to.Ptr(appID),
		policy.TagConnectionName: to.Ptr(ConnectionName),
		policy.TagAccountURL:     to.Ptr(AccountURL),
		policy.TagProjectName:    to.Ptr(ProjectName),
		policy.TagDurationMonths: to.Ptr(fmt.Sprint(months)),
		"owner":                  to.Ptr("platform-team"),
	}
}
