// Package directory manages password credentials of Entra ID application
// registrations through Microsoft Graph.
package directory

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	dserrors "github.com/systmms/kvrotate/internal/errors"
)

const (
	// DefaultEndpoint is the Microsoft Graph v1.0 root.
	DefaultEndpoint = "https://graph.microsoft.com/v1.0"
	// DefaultScope is requested from the credential for every Graph call.
	DefaultScope = "https://graph.microsoft.com/.default"

	moduleName    = "kvrotate/directory"
	moduleVersion = "v1.0.0"
)

// Application is the subset of a Graph application resource kvrotate uses.
type Application struct {
	ID                  string               `json:"id"`
	AppID               string               `json:"appId"`
	DisplayName         string               `json:"displayName"`
	PasswordCredentials []PasswordCredential `json:"passwordCredentials"`
}

// PasswordCredential is a client secret registered on an application.
// SecretText is only populated in the response to addPassword.
type PasswordCredential struct {
	KeyID         string     `json:"keyId,omitempty"`
	DisplayName   string     `json:"displayName,omitempty"`
	Hint          string     `json:"hint,omitempty"`
	StartDateTime *time.Time `json:"startDateTime,omitempty"`
	EndDateTime   *time.Time `json:"endDateTime,omitempty"`
	SecretText    string     `json:"secretText,omitempty"`
}

// ClientOptions configures a Client.
type ClientOptions struct {
	azcore.ClientOptions

	// Endpoint overrides DefaultEndpoint, for national clouds and tests.
	Endpoint string
	// Scope overrides DefaultScope.
	Scope string
}

// Client is a minimal Microsoft Graph client built on the azcore pipeline,
// so it shares retry, logging and bearer-token handling with the SDK clients.
type Client struct {
	endpoint string
	pl       runtime.Pipeline
}

// NewClient creates a Graph client authenticated with cred.
func NewClient(cred azcore.TokenCredential, opts *ClientOptions) (*Client, error) {
	if opts == nil {
		opts = &ClientOptions{}
	}
	endpoint := strings.TrimRight(opts.Endpoint, "/")
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid graph endpoint %q: %w", endpoint, err)
	}
	scope := opts.Scope
	if scope == "" {
		scope = DefaultScope
	}

	auth := runtime.NewBearerTokenPolicy(cred, []string{scope}, nil)
	pl := runtime.NewPipeline(moduleName, moduleVersion, runtime.PipelineOptions{
		PerRetry: []policy.Policy{auth},
	}, &opts.ClientOptions)

	return &Client{endpoint: endpoint, pl: pl}, nil
}

type applicationList struct {
	Value    []Application `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

// FindApplications lists every application whose appId equals appID.
func (c *Client) FindApplications(ctx context.Context, appID string) ([]Application, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("appId eq '%s'", strings.ReplaceAll(appID, "'", "''")))
	q.Set("$select", "id,appId,displayName,passwordCredentials")
	next := c.endpoint + "/applications?" + q.Encode()

	var apps []Application
	for next != "" {
		var page applicationList
		if err := c.do(ctx, http.MethodGet, next, nil, http.StatusOK, &page); err != nil {
			return nil, dserrors.Classify("directory", "list applications", "application", appID, err)
		}
		apps = append(apps, page.Value...)
		next = page.NextLink
	}
	return apps, nil
}

// RemovePassword deletes the password credential keyID from the application
// with object id objectID.
func (c *Client) RemovePassword(ctx context.Context, objectID, keyID string) error {
	body := map[string]string{"keyId": keyID}
	err := c.do(ctx, http.MethodPost, c.appURL(objectID, "removePassword"), body, http.StatusNoContent, nil)
	return dserrors.Classify("directory", "remove password", "password credential", keyID, err)
}

// AddPassword registers a new password credential and returns it with its
// generated SecretText.
func (c *Client) AddPassword(ctx context.Context, objectID string, cred PasswordCredential) (*PasswordCredential, error) {
	body := struct {
		PasswordCredential PasswordCredential `json:"passwordCredential"`
	}{cred}

	var out PasswordCredential
	if err := c.do(ctx, http.MethodPost, c.appURL(objectID, "addPassword"), body, http.StatusOK, &out); err != nil {
		return nil, dserrors.Classify("directory", "add password", "application", objectID, err)
	}
	return &out, nil
}

func (c *Client) appURL(objectID, action string) string {
	return fmt.Sprintf("%s/applications/%s/%s", c.endpoint, url.PathEscape(objectID), action)
}

func (c *Client) do(ctx context.Context, method, target string, body any, want int, out any) error {
	req, err := runtime.NewRequest(ctx, method, target)
	if err != nil {
		return err
	}
	req.Raw().Header.Set("Accept", "application/json")
	if body != nil {
		if err := runtime.MarshalAsJSON(req, body); err != nil {
			return err
		}
	}

	resp, err := c.pl.Do(req)
	if err != nil {
		return err
	}
	if !runtime.HasStatusCode(resp, want) {
		return runtime.NewResponseError(resp)
	}
	if out == nil {
		return nil
	}
	return runtime.UnmarshalAsJSON(resp, out)
}
