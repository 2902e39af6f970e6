package fakes

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/microsoft/azure-devops-go-api/azuredevops/v7"
	"github.com/microsoft/azure-devops-go-api/azuredevops/v7/serviceendpoint"
	"github.com/systmms/kvrotate/internal/devops"
)

var _ devops.EndpointAPI = (*FakeServiceEndpoints)(nil)

// FakeServiceEndpoints is an in-memory Azure DevOps service endpoint store. It
// satisfies devops.EndpointAPI.
type FakeServiceEndpoints struct {
	mu sync.Mutex

	// Endpoints maps project names to their service connections.
	Endpoints map[string][]serviceendpoint.ServiceEndpoint

	GetErr    error
	UpdateErr error

	GetCalls    []serviceendpoint.GetServiceEndpointsByNamesArgs
	UpdateCalls []serviceendpoint.UpdateServiceEndpointArgs

	// Tokens records the bearer token passed to each Factory call.
	Tokens []string
}

// NewFakeServiceEndpoints creates an empty store.
func NewFakeServiceEndpoints() *FakeServiceEndpoints {
	return &FakeServiceEndpoints{Endpoints: make(map[string][]serviceendpoint.ServiceEndpoint)}
}

// AddServicePrincipalConnection registers an ARM service connection using a
// service principal key and returns its id.
func (f *FakeServiceEndpoints) AddServicePrincipalConnection(project, name, principalID, key string) uuid.UUID {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := uuid.New()
	scheme := "ServicePrincipal"
	endpointType := "azurerm"
	f.Endpoints[project] = append(f.Endpoints[project], serviceendpoint.ServiceEndpoint{
		Id:   &id,
		Name: &name,
		Type: &endpointType,
		Authorization: &serviceendpoint.EndpointAuthorization{
			Scheme: &scheme,
			Parameters: &map[string]string{
				"serviceprincipalid":  principalID,
				"serviceprincipalkey": key,
				"tenantid":            "00000000-0000-0000-0000-000000000000",
			},
		},
	})
	return id
}

// AddConnection registers an arbitrary service connection.
func (f *FakeServiceEndpoints) AddConnection(project string, endpoint serviceendpoint.ServiceEndpoint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Endpoints[project] = append(f.Endpoints[project], endpoint)
}

// Parameters returns a copy of the authorization parameters of a connection.
func (f *FakeServiceEndpoints) Parameters(project, name string) map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.Endpoints[project] {
		if e.Name != nil && *e.Name == name && e.Authorization != nil && e.Authorization.Parameters != nil {
			out := make(map[string]string, len(*e.Authorization.Parameters))
			for k, v := range *e.Authorization.Parameters {
				out[k] = v
			}
			return out
		}
	}
	return nil
}

// Factory returns a client factory handing out this store.
func (f *FakeServiceEndpoints) Factory() devops.ClientFactory {
	return func(ctx context.Context, accountURL, token string) (devops.EndpointAPI, error) {
		f.mu.Lock()
		f.Tokens = append(f.Tokens, token)
		f.mu.Unlock()
		return f, nil
	}
}

// GetServiceEndpointsByNames returns copies of the named connections in a
// project. Secret parameters are blanked, as the service does.
func (f *FakeServiceEndpoints) GetServiceEndpointsByNames(ctx context.Context, args serviceendpoint.GetServiceEndpointsByNamesArgs) (*[]serviceendpoint.ServiceEndpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.GetCalls = append(f.GetCalls, args)
	if f.GetErr != nil {
		return nil, f.GetErr
	}

	var project string
	if args.Project != nil {
		project = *args.Project
	}
	var names []string
	if args.EndpointNames != nil {
		names = *args.EndpointNames
	}

	out := []serviceendpoint.ServiceEndpoint{}
	for _, e := range f.Endpoints[project] {
		for _, n := range names {
			if e.Name != nil && strings.EqualFold(*e.Name, n) {
				cp := copyEndpoint(e)
				if cp.Authorization != nil && cp.Authorization.Parameters != nil {
					if _, ok := (*cp.Authorization.Parameters)["serviceprincipalkey"]; ok {
						(*cp.Authorization.Parameters)["serviceprincipalkey"] = ""
					}
				}
				out = append(out, cp)
			}
		}
	}
	return &out, nil
}

// UpdateServiceEndpoint replaces the stored connection with the same id.
func (f *FakeServiceEndpoints) UpdateServiceEndpoint(ctx context.Context, args serviceendpoint.UpdateServiceEndpointArgs) (*serviceendpoint.ServiceEndpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	stored := copyEndpoint(*args.Endpoint)
	f.UpdateCalls = append(f.UpdateCalls, serviceendpoint.UpdateServiceEndpointArgs{
		Endpoint:   &stored,
		EndpointId: args.EndpointId,
		Operation:  args.Operation,
	})
	if f.UpdateErr != nil {
		return nil, f.UpdateErr
	}

	for project, endpoints := range f.Endpoints {
		for i, e := range endpoints {
			if e.Id != nil && args.EndpointId != nil && *e.Id == *args.EndpointId {
				f.Endpoints[project][i] = copyEndpoint(stored)
				out := copyEndpoint(stored)
				return &out, nil
			}
		}
	}
	return nil, AzureDevOpsError(404, "service endpoint not found")
}

func copyEndpoint(e serviceendpoint.ServiceEndpoint) serviceendpoint.ServiceEndpoint {
	cp := e
	if e.Authorization != nil {
		auth := *e.Authorization
		if e.Authorization.Parameters != nil {
			params := make(map[string]string, len(*e.Authorization.Parameters))
			for k, v := range *e.Authorization.Parameters {
				params[k] = v
			}
			auth.Parameters = &params
		}
		cp.Authorization = &auth
	}
	return cp
}

// AzureDevOpsError creates an error shaped like the ones returned by the Azure
// DevOps SDK.
func AzureDevOpsError(status int, message string) error {
	return azuredevops.WrappedError{
		Message:    &message,
		StatusCode: &status,
	}
}
