// Package vault reads and writes rotatable secrets in Azure Key Vault.
package vault

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/security/keyvault/azsecrets"
	dserrors "github.com/systmms/kvrotate/internal/errors"
)

// DefaultDNSSuffix is the public cloud Key Vault domain.
const DefaultDNSSuffix = "vault.azure.net"

// SecretsAPI is the subset of *azsecrets.Client used by Store.
type SecretsAPI interface {
	GetSecret(ctx context.Context, name string, version string, options *azsecrets.GetSecretOptions) (azsecrets.GetSecretResponse, error)
	SetSecret(ctx context.Context, name string, parameters azsecrets.SetSecretParameters, options *azsecrets.SetSecretOptions) (azsecrets.SetSecretResponse, error)
}

var _ SecretsAPI = (*azsecrets.Client)(nil)

// SecretRecord is one version of a secret together with its attributes.
type SecretRecord struct {
	Name        string
	Version     string
	Value       string
	ContentType string
	Enabled     *bool
	NotBefore   *time.Time
	ExpiresOn   *time.Time
	Tags        map[string]string
}

// Rotated returns the record to write as the next version: same name, tags,
// content type, activation date and enabled flag, with a new value and expiry.
func (r *SecretRecord) Rotated(value string, expires time.Time) *SecretRecord {
	next := &SecretRecord{
		Name:        r.Name,
		Value:       value,
		ContentType: r.ContentType,
		Enabled:     r.Enabled,
		NotBefore:   r.NotBefore,
		ExpiresOn:   &expires,
		Tags:        make(map[string]string, len(r.Tags)),
	}
	for k, v := range r.Tags {
		next.Tags[k] = v
	}
	return next
}

// URIForVault returns the data-plane URL of the named vault.
func URIForVault(name, dnsSuffix string) string {
	if dnsSuffix == "" {
		dnsSuffix = DefaultDNSSuffix
	}
	return fmt.Sprintf("https://%s.%s", name, strings.TrimPrefix(dnsSuffix, "."))
}

// Store accesses the secrets of a single vault.
type Store struct {
	vault  string
	client SecretsAPI
}

// NewStore wraps a client already bound to the vault named vaultName.
func NewStore(vaultName string, client SecretsAPI) *Store {
	return &Store{vault: vaultName, client: client}
}

// Vault returns the vault name the store is bound to.
func (s *Store) Vault() string {
	return s.vault
}

// Fetch reads the current version of a secret.
func (s *Store) Fetch(ctx context.Context, name string) (*SecretRecord, error) {
	resp, err := s.client.GetSecret(ctx, name, "", nil)
	if err != nil {
		return nil, dserrors.Classify("vault", "get secret", "secret", s.qualified(name), err)
	}
	return fromSecret(name, resp.Secret), nil
}

// Write stores rec as a new version of rec.Name and returns the stored record.
func (s *Store) Write(ctx context.Context, rec *SecretRecord) (*SecretRecord, error) {
	params := azsecrets.SetSecretParameters{
		Value: to.Ptr(rec.Value),
		SecretAttributes: &azsecrets.SecretAttributes{
			Enabled:   rec.Enabled,
			NotBefore: rec.NotBefore,
			Expires:   rec.ExpiresOn,
		},
		Tags: toSDKTags(rec.Tags),
	}
	if rec.ContentType != "" {
		params.ContentType = to.Ptr(rec.ContentType)
	}

	resp, err := s.client.SetSecret(ctx, rec.Name, params, nil)
	if err != nil {
		return nil, dserrors.Classify("vault", "set secret", "secret", s.qualified(rec.Name), err)
	}
	return fromSecret(rec.Name, resp.Secret), nil
}

func (s *Store) qualified(name string) string {
	return s.vault + "/" + name
}

func fromSecret(name string, secret azsecrets.Secret) *SecretRecord {
	rec := &SecretRecord{
		Name: name,
		Tags: fromSDKTags(secret.Tags),
	}
	if secret.ID != nil {
		if n := secret.ID.Name(); n != "" {
			rec.Name = n
		}
		rec.Version = secret.ID.Version()
	}
	if secret.Value != nil {
		rec.Value = *secret.Value
	}
	if secret.ContentType != nil {
		rec.ContentType = *secret.ContentType
	}
	if a := secret.Attributes; a != nil {
		rec.Enabled = a.Enabled
		rec.NotBefore = a.NotBefore
		rec.ExpiresOn = a.Expires
	}
	return rec
}

func fromSDKTags(tags map[string]*string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

func toSDKTags(tags map[string]string) map[string]*string {
	if len(tags) == 0 {
		return nil
	}
	out := make(map[string]*string, len(tags))
	for k, v := range tags {
		out[k] = to.Ptr(v)
	}
	return out
}

// Opener returns a Store for the named vault.
type Opener func(vaultName string) (*Store, error)

// NewOpener opens real Key Vault clients authenticated with cred. Clients are
// cheap to build and are not cached.
func NewOpener(cred azcore.TokenCredential, dnsSuffix string, opts *azsecrets.ClientOptions) Opener {
	return func(vaultName string) (*Store, error) {
		client, err := azsecrets.NewClient(URIForVault(vaultName, dnsSuffix), cred, opts)
		if err != nil {
			return nil, dserrors.ConfigError{
				Field:      "vault.dns_suffix",
				Value:      dnsSuffix,
				Message:    fmt.Sprintf("cannot create Key Vault client for %q: %v", vaultName, err),
				Suggestion: "Check the vault name and DNS suffix",
			}
		}
		return NewStore(vaultName, client), nil
	}
}
