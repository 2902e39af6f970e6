package identity

import (
	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

const (
	// ProviderDefault is the ambient environment / workload / CLI chain.
	ProviderDefault = "default"
	// ProviderManagedIdentity is the operator-assigned managed identity.
	ProviderManagedIdentity = "managed-identity"
)

// Resolve returns the chain used by the worker: the ambient default
// credential first, then the managed identity named by clientID (the
// system-assigned identity when clientID is empty). Nothing is contacted until
// the first token request.
func Resolve(clientID string) *Chain {
	return NewChain(
		Provider{
			Name: ProviderDefault,
			Credential: Lazy(func() (azcore.TokenCredential, error) {
				return azidentity.NewDefaultAzureCredential(nil)
			}),
		},
		Provider{
			Name: ProviderManagedIdentity,
			Credential: Lazy(func() (azcore.TokenCredential, error) {
				opts := &azidentity.ManagedIdentityCredentialOptions{}
				if clientID != "" {
					opts.ID = azidentity.ClientID(clientID)
				}
				return azidentity.NewManagedIdentityCredential(opts)
			}),
		},
	)
}

// String describes the provider order, for logs.
func (c *Chain) String() string {
	return describe(c)
}
