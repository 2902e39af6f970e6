package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{MaxAttempts: attempts, Backoff: "fixed", InitialWait: time.Millisecond}
}

func TestWebhookProvider_Name(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "webhook:ops", NewWebhookProvider(WebhookConfig{Name: "ops"}).Name())
	assert.Equal(t, "webhook", NewWebhookProvider(WebhookConfig{}).Name())
}

func TestWebhookProvider_SupportsEvent(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		events    []string
		eventType EventType
		want      bool
	}{
		{"empty events supports all", nil, EventTypeStarted, true},
		{"explicit failed supported", []string{"failed", "skipped"}, EventTypeFailed, true},
		{"completed not in list", []string{"failed"}, EventTypeCompleted, false},
		{"case insensitive", []string{"SKIPPED"}, EventTypeSkipped, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			provider := NewWebhookProvider(WebhookConfig{Events: tt.events})
			assert.Equal(t, tt.want, provider.SupportsEvent(tt.eventType))
		})
	}
}

func TestWebhookProvider_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		config WebhookConfig
		errMsg string
	}{
		{name: "valid config", config: WebhookConfig{URL: "https://example.com/webhook"}},
		{name: "missing URL", config: WebhookConfig{}, errMsg: "URL is required"},
		{name: "invalid URL", config: WebhookConfig{URL: "not-a-url"}, errMsg: "invalid URL"},
		{name: "invalid method", config: WebhookConfig{URL: "https://example.com", Method: "GET"}, errMsg: "invalid method"},
		{
			name:   "invalid backoff",
			config: WebhookConfig{URL: "https://example.com", Retry: &RetryConfig{Backoff: "random"}},
			errMsg: "invalid backoff strategy",
		},
		{name: "unknown event", config: WebhookConfig{URL: "https://example.com", Events: []string{"rollback"}}, errMsg: "unknown event"},
		{name: "bad template", config: WebhookConfig{URL: "https://example.com", PayloadTemplate: "{{.Vault"}, errMsg: "invalid payload template"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := NewWebhookProvider(tt.config).Validate(context.Background())
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestWebhookProvider_Send_DefaultPayload(t *testing.T) {
	t.Parallel()

	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	provider := NewWebhookProvider(WebhookConfig{URL: server.URL})
	err := provider.Send(context.Background(), RotationEvent{
		Type:          EventTypeFailed,
		RotationID:    "rot-1",
		Vault:         "kv-prod",
		Secret:        "sp-password",
		ApplicationID: "app-1",
		Stage:         "credential_rotated",
		Status:        StatusPartial,
		Error:         errors.New("vault set secret: throttled"),
		Duration:      1500 * time.Millisecond,
		Metadata:      map[string]string{"error_kind": "quota"},
		Timestamp:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, "failed", received["event"])
	assert.Equal(t, "rot-1", received["rotation_id"])
	assert.Equal(t, "kv-prod", received["vault"])
	assert.Equal(t, "sp-password", received["secret"])
	assert.Equal(t, "app-1", received["application_id"])
	assert.Equal(t, "credential_rotated", received["stage"])
	assert.Equal(t, "partial", received["status"])
	assert.Equal(t, "vault set secret: throttled", received["error"])
	assert.Equal(t, 1.5, received["duration_seconds"])
	assert.Equal(t, "2024-01-01T00:00:00Z", received["timestamp"])
	assert.Equal(t, map[string]interface{}{"error_kind": "quota"}, received["metadata"])
}

func TestWebhookProvider_Send_CustomTemplate(t *testing.T) {
	t.Parallel()

	var body string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		body = string(b)
	}))
	defer server.Close()

	provider := NewWebhookProvider(WebhookConfig{
		URL:             server.URL,
		PayloadTemplate: `{"text":"{{.Vault}}/{{.Secret}} {{.Status}}"}`,
	})
	require.NoError(t, provider.Send(context.Background(), completed("sp-password")))
	assert.JSONEq(t, `{"text":"kv-prod/sp-password success"}`, body)
}

func TestWebhookProvider_Send_CustomHeadersAndMethod(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "Bearer abc", r.Header.Get("Authorization"))
	}))
	defer server.Close()

	provider := NewWebhookProvider(WebhookConfig{
		URL:     server.URL,
		Method:  "put",
		Headers: map[string]string{"Authorization": "Bearer abc"},
	})
	require.NoError(t, provider.Send(context.Background(), completed("x")))
}

func TestWebhookProvider_Send_RetryOnFailure(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	provider := NewWebhookProvider(WebhookConfig{URL: server.URL, Retry: fastRetry(3)})
	require.NoError(t, provider.Send(context.Background(), completed("x")))
	assert.Equal(t, int32(3), calls.Load())
}

func TestWebhookProvider_Send_RetryExhausted(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	provider := NewWebhookProvider(WebhookConfig{URL: server.URL, Retry: fastRetry(2)})
	err := provider.Send(context.Background(), completed("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(2), calls.Load())
}

func TestWebhookProvider_Send_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	provider := NewWebhookProvider(WebhookConfig{
		URL:   server.URL,
		Retry: &RetryConfig{MaxAttempts: 3, Backoff: "fixed", InitialWait: time.Hour},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := provider.Send(ctx, completed("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebhookProvider_CalculateBackoff(t *testing.T) {
	t.Parallel()

	tests := []struct {
		backoff string
		attempt int
		want    time.Duration
	}{
		{"linear", 3, 3 * time.Second},
		{"exponential", 1, time.Second},
		{"exponential", 3, 4 * time.Second},
		{"fixed", 5, time.Second},
	}

	for _, tt := range tests {
		p := NewWebhookProvider(WebhookConfig{Retry: &RetryConfig{Backoff: tt.backoff, InitialWait: time.Second}})
		assert.Equal(t, tt.want, p.calculateBackoff(tt.attempt), "%s attempt %d", tt.backoff, tt.attempt)
	}
}

func TestBuildProviders(t *testing.T) {
	t.Parallel()

	providers, err := BuildProviders(context.Background(), []WebhookConfig{
		{Name: "ops", URL: "https://hooks.example.com/ops", Events: []string{"failed"}},
		{Name: "audit", URL: "https://audit.example.com"},
	})
	require.NoError(t, err)
	require.Len(t, providers, 2)
	assert.Equal(t, "webhook:ops", providers[0].Name())

	_, err = BuildProviders(context.Background(), []WebhookConfig{{Name: "broken"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "notifications.webhooks[0] (webhook:broken)")
}
