package directory

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	dserrors "github.com/systmms/kvrotate/internal/errors"
)

type staticToken struct{ scopes []string }

func (s *staticToken) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	s.scopes = opts.Scopes
	return azcore.AccessToken{Token: "graph-token", ExpiresOn: time.Now().Add(time.Hour)}, nil
}

type recorded struct {
	Method string
	Path   string
	Query  string
	Auth   string
	Body   string
}

type graphServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recorded
}

func newGraphServer(t *testing.T, handler http.HandlerFunc) *graphServer {
	t.Helper()
	gs := &graphServer{}
	gs.Server = httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gs.mu.Lock()
		gs.requests = append(gs.requests, recorded{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query().Get("$filter"),
			Auth:   r.Header.Get("Authorization"),
			Body:   string(body),
		})
		gs.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(gs.Close)
	return gs
}

func (gs *graphServer) client(t *testing.T) (*Client, *staticToken) {
	t.Helper()
	cred := &staticToken{}
	c, err := NewClient(cred, &ClientOptions{
		Endpoint: gs.URL + "/v1.0",
		ClientOptions: azcore.ClientOptions{
			Transport: gs.Server.Client(),
			Retry:     policy.RetryOptions{MaxRetries: -1},
		},
	})
	require.NoError(t, err)
	return c, cred
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_FindApplications(t *testing.T) {
	t.Parallel()

	gs := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"value": []map[string]any{{
				"id":          "obj-1",
				"appId":       "app-1",
				"displayName": "deploy-spn",
				"passwordCredentials": []map[string]any{
					{"keyId": "key-1", "displayName": "sp-password"},
				},
			}},
		})
	})
	c, cred := gs.client(t)

	apps, err := c.FindApplications(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.Equal(t, "obj-1", apps[0].ID)
	assert.Equal(t, "deploy-spn", apps[0].DisplayName)
	require.Len(t, apps[0].PasswordCredentials, 1)
	assert.Equal(t, "key-1", apps[0].PasswordCredentials[0].KeyID)

	require.Len(t, gs.requests, 1)
	req := gs.requests[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/v1.0/applications", req.Path)
	assert.Equal(t, "appId eq 'app-1'", req.Query)
	assert.Equal(t, "Bearer graph-token", req.Auth)
	assert.Equal(t, []string{DefaultScope}, cred.scopes)
}

func TestClient_FindApplicationsFollowsNextLink(t *testing.T) {
	t.Parallel()

	var gs *graphServer
	gs = newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			writeJSON(w, http.StatusOK, map[string]any{"value": []map[string]any{{"id": "obj-2", "appId": "app-1"}}})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"value":           []map[string]any{{"id": "obj-1", "appId": "app-1"}},
			"@odata.nextLink": gs.URL + "/v1.0/applications?page=2",
		})
	})
	c, _ := gs.client(t)

	apps, err := c.FindApplications(context.Background(), "app-1")
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "obj-2", apps[1].ID)
}

func TestClient_FindApplicationsEscapesQuotes(t *testing.T) {
	t.Parallel()

	gs := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"value": []any{}})
	})
	c, _ := gs.client(t)

	_, err := c.FindApplications(context.Background(), "o'brien")
	require.NoError(t, err)
	assert.Equal(t, "appId eq 'o''brien'", gs.requests[0].Query)
}

func TestClient_RemovePassword(t *testing.T) {
	t.Parallel()

	gs := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c, _ := gs.client(t)

	require.NoError(t, c.RemovePassword(context.Background(), "obj-1", "key-1"))
	req := gs.requests[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/v1.0/applications/obj-1/removePassword", req.Path)
	assert.JSONEq(t, `{"keyId":"key-1"}`, req.Body)
}

func TestClient_AddPassword(t *testing.T) {
	t.Parallel()

	gs := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"keyId":       "key-2",
			"displayName": "sp-password",
			"secretText":  "s3cr3t",
		})
	})
	c, _ := gs.client(t)

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out, err := c.AddPassword(context.Background(), "obj-1", PasswordCredential{
		DisplayName:   "sp-password",
		StartDateTime: &start,
		EndDateTime:   &end,
	})
	require.NoError(t, err)
	assert.Equal(t, "key-2", out.KeyID)
	assert.Equal(t, "s3cr3t", out.SecretText)

	req := gs.requests[0]
	assert.Equal(t, "/v1.0/applications/obj-1/addPassword", req.Path)
	assert.JSONEq(t, `{"passwordCredential":{
		"displayName":"sp-password",
		"startDateTime":"2024-01-01T00:00:00Z",
		"endDateTime":"2025-01-01T00:00:00Z"}}`, req.Body)
}

func TestClient_ErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   int
		wantKind string
	}{
		{"unauthorized", http.StatusUnauthorized, "auth"},
		{"forbidden", http.StatusForbidden, "auth"},
		{"not found", http.StatusNotFound, "not_found"},
		{"throttled", http.StatusTooManyRequests, "quota"},
		{"server error", http.StatusBadGateway, "transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			gs := newGraphServer(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, map[string]any{
					"error": map[string]any{"code": "Authorization_RequestDenied", "message": "denied"},
				})
			})
			c, _ := gs.client(t)

			err := c.RemovePassword(context.Background(), "obj-1", "key-1")
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, dserrors.Kind(err))
		})
	}
}
