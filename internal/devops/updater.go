// Package devops rewrites the service principal key of Azure DevOps service
// connections.
package devops

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/microsoft/azure-devops-go-api/azuredevops/v7"
	"github.com/microsoft/azure-devops-go-api/azuredevops/v7/serviceendpoint"
	dserrors "github.com/systmms/kvrotate/internal/errors"
	"github.com/systmms/kvrotate/internal/identity"
	"github.com/systmms/kvrotate/internal/logging"
	"github.com/systmms/kvrotate/internal/secure"
	"go.uber.org/zap"
)

const (
	// DefaultScope is the Azure DevOps resource scope.
	DefaultScope = "499b84ac-1321-427f-aa17-267ca6975798/.default"

	// KeyParameter is the authorization parameter holding the client secret.
	KeyParameter = "serviceprincipalkey"

	servicePrincipalScheme = "ServicePrincipal"
)

// ErrNoAuthorization is returned for a service connection without an
// authorization block.
var ErrNoAuthorization = errors.New("service connection has no authorization block")

// EndpointAPI is the subset of serviceendpoint.Client used by Updater.
type EndpointAPI interface {
	GetServiceEndpointsByNames(ctx context.Context, args serviceendpoint.GetServiceEndpointsByNamesArgs) (*[]serviceendpoint.ServiceEndpoint, error)
	UpdateServiceEndpoint(ctx context.Context, args serviceendpoint.UpdateServiceEndpointArgs) (*serviceendpoint.ServiceEndpoint, error)
}

// ClientFactory builds an EndpointAPI for an organization, authenticated with
// a bearer token.
type ClientFactory func(ctx context.Context, accountURL, token string) (EndpointAPI, error)

// NewSDKClient is the ClientFactory backed by the Azure DevOps Go SDK.
func NewSDKClient(ctx context.Context, accountURL, token string) (EndpointAPI, error) {
	conn := azuredevops.NewAnonymousConnection(accountURL)
	conn.AuthorizationString = "Bearer " + token
	return serviceendpoint.NewClient(ctx, conn)
}

// Updater updates service connections using tokens from a credential.
type Updater struct {
	cred    azcore.TokenCredential
	factory ClientFactory
	scope   string
	logger  *logging.Logger
}

// Option customises an Updater.
type Option func(*Updater)

// WithClientFactory replaces the SDK client factory (for testing).
func WithClientFactory(f ClientFactory) Option {
	return func(u *Updater) {
		u.factory = f
	}
}

// WithScope overrides DefaultScope.
func WithScope(scope string) Option {
	return func(u *Updater) {
		if scope != "" {
			u.scope = scope
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(u *Updater) {
		if l != nil {
			u.logger = l
		}
	}
}

// NewUpdater creates an Updater authenticating with cred.
func NewUpdater(cred azcore.TokenCredential, opts ...Option) *Updater {
	u := &Updater{
		cred:    cred,
		factory: NewSDKClient,
		scope:   DefaultScope,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// ResolveAccountToken obtains a bearer token for the organization at
// accountURL.
func (u *Updater) ResolveAccountToken(ctx context.Context, accountURL string) (string, error) {
	token, err := identity.Token(ctx, u.cred, u.scope)
	if err != nil {
		var resolution dserrors.AuthResolutionError
		if errors.As(err, &resolution) {
			return "", err
		}
		return "", dserrors.AuthError{Service: "devops", Op: "token for " + accountURL, Err: err}
	}
	return token, nil
}

// UpdateConnection sets the service principal key of the service connection
// named name in project to the value held by secret. No other field of the
// connection is changed.
func (u *Updater) UpdateConnection(ctx context.Context, accountURL, project, name string, secret *secure.Credential) error {
	qualified := project + "/" + name
	log := u.logger.With(zap.String("service_connection", qualified))

	token, err := u.ResolveAccountToken(ctx, accountURL)
	if err != nil {
		return err
	}

	client, err := u.factory(ctx, accountURL, token)
	if err != nil {
		return dserrors.Classify("devops", "connect", "organization", accountURL, err)
	}

	endpoints, err := client.GetServiceEndpointsByNames(ctx, serviceendpoint.GetServiceEndpointsByNamesArgs{
		Project:       &project,
		EndpointNames: &[]string{name},
	})
	if err != nil {
		return dserrors.Classify("devops", "get service endpoints", "service connection", qualified, err)
	}
	if endpoints == nil || len(*endpoints) == 0 {
		return dserrors.NotFoundError{Kind: "service connection", Name: qualified}
	}
	endpoint := (*endpoints)[0]

	if endpoint.Authorization == nil {
		return fmt.Errorf("service connection %q: %w", qualified, ErrNoAuthorization)
	}
	if endpoint.Id == nil {
		return fmt.Errorf("service connection %q has no id", qualified)
	}
	if scheme := endpoint.Authorization.Scheme; scheme != nil && !strings.EqualFold(*scheme, servicePrincipalScheme) {
		log.Warn("service connection does not use a service principal scheme", zap.String("scheme", *scheme))
	}

	value, err := secret.Reveal()
	if err != nil {
		return err
	}
	if endpoint.Authorization.Parameters == nil {
		endpoint.Authorization.Parameters = &map[string]string{}
	}
	(*endpoint.Authorization.Parameters)[KeyParameter] = value

	_, err = client.UpdateServiceEndpoint(ctx, serviceendpoint.UpdateServiceEndpointArgs{
		Endpoint:   &endpoint,
		EndpointId: endpoint.Id,
	})
	(*endpoint.Authorization.Parameters)[KeyParameter] = ""
	if err != nil {
		return dserrors.Classify("devops", "update service endpoint", "service connection", qualified, err)
	}

	log.Info("updated service connection key")
	return nil
}
