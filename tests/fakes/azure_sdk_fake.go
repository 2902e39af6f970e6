package fakes

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
)

// FakeVaultURL is the vault URL used in fake secret IDs.
const FakeVaultURL = "https://test-vault.vault.azure.net"

// FakeAzureKeyVaultClient is an in-memory Key Vault holding every version of
// every secret. It satisfies vault.SecretsAPI.
type FakeAzureKeyVaultClient struct {
	mu sync.Mutex

	// Secrets maps secret names to their versions, oldest first.
	Secrets map[string][]*AzureSecretVersion
	// Errors maps secret names to errors returned by GetSecret.
	Errors map[string]error
	// SetErrors maps secret names to errors returned by SetSecret.
	SetErrors map[string]error
	// SetCalls records every SetSecret call.
	SetCalls []SetSecretCall
	// GetSecretFunc allows custom behavior for GetSecret
	GetSecretFunc func(ctx context.Context, name string, version string) (azsecrets.GetSecretResponse, error)

	seq int
}

// AzureSecretVersion holds one version of a fake secret.
type AzureSecretVersion struct {
	Version     string
	Value       *string
	ContentType *string
	Attributes  *azsecrets.SecretAttributes
	Tags        map[string]*string
}

// SetSecretCall is a recorded SetSecret invocation.
type SetSecretCall struct {
	Name       string
	Parameters azsecrets.SetSecretParameters
}

// NewFakeAzureKeyVaultClient creates a new mock Azure Key Vault client
func NewFakeAzureKeyVaultClient() *FakeAzureKeyVaultClient {
	return &FakeAzureKeyVaultClient{
		Secrets:   make(map[string][]*AzureSecretVersion),
		Errors:    make(map[string]error),
		SetErrors: make(map[string]error),
	}
}

// AddSecretString adds an enabled string secret without tags.
func (f *FakeAzureKeyVaultClient) AddSecretString(name, value string) {
	f.AddSecretWithTags(name, value, nil)
}

// AddSecretWithTags adds a new enabled version of a secret with tags.
func (f *FakeAzureKeyVaultClient) AddSecretWithTags(name, value string, tags map[string]*string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := time.Now()
	f.appendLocked(name, &AzureSecretVersion{
		Value: to.Ptr(value),
		Attributes: &azsecrets.SecretAttributes{
			Enabled:       to.Ptr(true),
			Created:       &now,
			Updated:       &now,
			RecoveryLevel: to.Ptr("Recoverable+Purgeable"),
		},
		Tags: tags,
	})
}

// AddError configures GetSecret to fail for a specific secret.
func (f *FakeAzureKeyVaultClient) AddError(name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Errors[name] = err
}

// Latest returns the newest version of a secret, or nil.
func (f *FakeAzureKeyVaultClient) Latest(name string) *AzureSecretVersion {
	f.mu.Lock()
	defer f.mu.Unlock()
	versions := f.Secrets[name]
	if len(versions) == 0 {
		return nil
	}
	return versions[len(versions)-1]
}

// SetCallCount returns the number of SetSecret calls made so far.
func (f *FakeAzureKeyVaultClient) SetCallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.SetCalls)
}

// GetSecret mocks the GetSecret operation
func (f *FakeAzureKeyVaultClient) GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error) {
	if f.GetSecretFunc != nil {
		return f.GetSecretFunc(ctx, name, version)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, exists := f.Errors[name]; exists {
		return azsecrets.GetSecretResponse{}, err
	}

	versions := f.Secrets[name]
	if len(versions) == 0 {
		return azsecrets.GetSecretResponse{}, AzureNotFoundError(name)
	}

	v := versions[len(versions)-1]
	if version != "" {
		v = nil
		for _, candidate := range versions {
			if candidate.Version == version {
				v = candidate
			}
		}
		if v == nil {
			return azsecrets.GetSecretResponse{}, AzureNotFoundError(name)
		}
	}

	return azsecrets.GetSecretResponse{Secret: toSecret(name, v)}, nil
}

// SetSecret stores a new version of the secret.
func (f *FakeAzureKeyVaultClient) SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error) {
	if err := ctx.Err(); err != nil {
		return azsecrets.SetSecretResponse{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	f.SetCalls = append(f.SetCalls, SetSecretCall{Name: name, Parameters: parameters})
	if err, exists := f.SetErrors[name]; exists {
		return azsecrets.SetSecretResponse{}, err
	}

	now := time.Now()
	attrs := &azsecrets.SecretAttributes{
		Enabled:       to.Ptr(true),
		Created:       &now,
		Updated:       &now,
		RecoveryLevel: to.Ptr("Recoverable+Purgeable"),
	}
	if p := parameters.SecretAttributes; p != nil {
		if p.Enabled != nil {
			attrs.Enabled = p.Enabled
		}
		attrs.NotBefore = p.NotBefore
		attrs.Expires = p.Expires
	}

	v := f.appendLocked(name, &AzureSecretVersion{
		Value:       parameters.Value,
		ContentType: parameters.ContentType,
		Attributes:  attrs,
		Tags:        parameters.Tags,
	})
	return azsecrets.SetSecretResponse{Secret: toSecret(name, v)}, nil
}

func (f *FakeAzureKeyVaultClient) appendLocked(name string, v *AzureSecretVersion) *AzureSecretVersion {
	f.seq++
	if v.Version == "" {
		v.Version = fmt.Sprintf("%032x", f.seq)
	}
	f.Secrets[name] = append(f.Secrets[name], v)
	return v
}

func toSecret(name string, v *AzureSecretVersion) azsecrets.Secret {
	id := azsecrets.ID(fmt.Sprintf("%s/secrets/%s/%s", FakeVaultURL, name, v.Version))
	return azsecrets.Secret{
		ID:          &id,
		Value:       v.Value,
		ContentType: v.ContentType,
		Attributes:  v.Attributes,
		Tags:        v.Tags,
	}
}

// AzureNotFoundError creates a mock Azure not found error
func AzureNotFoundError(secretName string) error {
	return &azcore.ResponseError{
		StatusCode: 404,
		ErrorCode:  "SecretNotFound",
	}
}

// AzureForbiddenError creates a mock Azure forbidden error
func AzureForbiddenError(message string) error {
	return &azcore.ResponseError{
		StatusCode: 403,
		ErrorCode:  "Forbidden",
	}
}

// AzureUnauthorizedError creates a mock Azure unauthorized error
func AzureUnauthorizedError(message string) error {
	return &azcore.ResponseError{
		StatusCode: 401,
		ErrorCode:  "Unauthorized",
	}
}

// AzureThrottledError creates a mock Azure throttled error
func AzureThrottledError() error {
	return &azcore.ResponseError{
		StatusCode: 429,
		ErrorCode:  "TooManyRequests",
	}
}
