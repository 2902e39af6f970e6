package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/template"
	"time"
)

// RetryConfig holds retry configuration for webhooks.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (default: 3).
	MaxAttempts int `koanf:"max_attempts"`

	// Backoff strategy: linear, exponential or fixed (default: exponential).
	Backoff string `koanf:"backoff"`

	// InitialWait is the initial wait time between retries.
	InitialWait time.Duration `koanf:"initial_wait"`
}

// WebhookConfig holds configuration for webhook notifications.
type WebhookConfig struct {
	// Name is a human-readable name for this webhook.
	Name string `koanf:"name"`

	// URL is the webhook endpoint URL.
	URL string `koanf:"url"`

	// Method is the HTTP method to use (default: POST).
	Method string `koanf:"method"`

	// Headers are additional HTTP headers to include.
	Headers map[string]string `koanf:"headers"`

	// Events specifies which rotation events trigger notifications.
	// If empty, all events are sent.
	Events []string `koanf:"events"`

	// PayloadTemplate is a Go template for the request body.
	// If empty, a default JSON payload is used.
	PayloadTemplate string `koanf:"payload_template"`

	Retry *RetryConfig `koanf:"retry"`

	// Timeout for each HTTP request.
	Timeout time.Duration `koanf:"timeout"`
}

// WebhookProvider sends rotation notifications via HTTP webhooks.
type WebhookProvider struct {
	config      WebhookConfig
	client      *http.Client
	template    *template.Template
	templateErr error
}

var _ NotificationProvider = (*WebhookProvider)(nil)

// NewWebhookProvider creates a new webhook notification provider. A payload
// template that does not parse is reported by Validate.
func NewWebhookProvider(config WebhookConfig) *WebhookProvider {
	if config.Method == "" {
		config.Method = http.MethodPost
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	retry := RetryConfig{}
	if config.Retry != nil {
		retry = *config.Retry
	}
	if retry.MaxAttempts == 0 {
		retry.MaxAttempts = 3
	}
	if retry.Backoff == "" {
		retry.Backoff = "exponential"
	}
	if retry.InitialWait == 0 {
		retry.InitialWait = 1 * time.Second
	}
	config.Retry = &retry

	provider := &WebhookProvider{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}

	if config.PayloadTemplate != "" {
		provider.template, provider.templateErr = template.New("payload").Parse(config.PayloadTemplate)
	}

	return provider
}

// Name returns the provider name.
func (p *WebhookProvider) Name() string {
	if p.config.Name != "" {
		return "webhook:" + p.config.Name
	}
	return "webhook"
}

// SupportsEvent returns true if this provider handles the given event type.
func (p *WebhookProvider) SupportsEvent(eventType EventType) bool {
	if len(p.config.Events) == 0 {
		return true
	}

	for _, e := range p.config.Events {
		if strings.EqualFold(e, string(eventType)) {
			return true
		}
	}
	return false
}

// Validate checks if the provider configuration is valid.
func (p *WebhookProvider) Validate(ctx context.Context) error {
	if p.config.URL == "" {
		return fmt.Errorf("URL is required")
	}

	parsed, err := url.Parse(p.config.URL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid URL: %s", p.config.URL)
	}

	switch strings.ToUpper(p.config.Method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return fmt.Errorf("invalid method: %s (must be POST, PUT, or PATCH)", p.config.Method)
	}

	switch strings.ToLower(p.config.Retry.Backoff) {
	case "linear", "exponential", "fixed":
	default:
		return fmt.Errorf("invalid backoff strategy: %s (must be linear, exponential, or fixed)", p.config.Retry.Backoff)
	}

	for _, e := range p.config.Events {
		if !knownEvent(e) {
			return fmt.Errorf("unknown event %q", e)
		}
	}

	if p.templateErr != nil {
		return fmt.Errorf("invalid payload template: %w", p.templateErr)
	}

	return nil
}

func knownEvent(name string) bool {
	for _, t := range AllEventTypes() {
		if strings.EqualFold(name, string(t)) {
			return true
		}
	}
	return false
}

// Send sends a webhook notification for the given rotation event.
func (p *WebhookProvider) Send(ctx context.Context, event RotationEvent) error {
	payload, err := p.buildPayload(event)
	if err != nil {
		return fmt.Errorf("failed to build payload: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= p.config.Retry.MaxAttempts; attempt++ {
		err := p.doSend(ctx, payload)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt < p.config.Retry.MaxAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.calculateBackoff(attempt)):
			}
		}
	}

	return fmt.Errorf("webhook failed after %d attempts: %w", p.config.Retry.MaxAttempts, lastErr)
}

func (p *WebhookProvider) doSend(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(p.config.Method), p.config.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range p.config.Headers {
		req.Header.Set(key, value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

func (p *WebhookProvider) buildPayload(event RotationEvent) ([]byte, error) {
	if p.template != nil {
		return p.buildCustomPayload(event)
	}
	return p.buildDefaultPayload(event)
}

// webhookTemplateData provides template-friendly access to event data.
type webhookTemplateData struct {
	Type          string
	RotationID    string
	Vault         string
	Secret        string
	ApplicationID string
	Stage         string
	Status        string
	Error         string
	Duration      string
	NewVersion    string
	Timestamp     string
	Metadata      map[string]string
}

func (p *WebhookProvider) buildCustomPayload(event RotationEvent) ([]byte, error) {
	data := webhookTemplateData{
		Type:          string(event.Type),
		RotationID:    event.RotationID,
		Vault:         event.Vault,
		Secret:        event.Secret,
		ApplicationID: event.ApplicationID,
		Stage:         event.Stage,
		Status:        string(event.Status),
		Duration:      event.Duration.String(),
		NewVersion:    event.NewVersion,
		Timestamp:     event.Timestamp.Format(time.RFC3339),
		Metadata:      event.Metadata,
	}
	if event.Error != nil {
		data.Error = event.Error.Error()
	}

	var buf bytes.Buffer
	if err := p.template.Execute(&buf, data); err != nil {
		// Fall back to default payload on template error
		return p.buildDefaultPayload(event)
	}

	return buf.Bytes(), nil
}

func (p *WebhookProvider) buildDefaultPayload(event RotationEvent) ([]byte, error) {
	payload := map[string]interface{}{
		"event":       string(event.Type),
		"rotation_id": event.RotationID,
		"vault":       event.Vault,
		"secret":      event.Secret,
		"status":      string(event.Status),
		"timestamp":   event.Timestamp.Format(time.RFC3339),
	}

	if event.ApplicationID != "" {
		payload["application_id"] = event.ApplicationID
	}
	if event.Stage != "" {
		payload["stage"] = event.Stage
	}
	if event.NewVersion != "" {
		payload["new_version"] = event.NewVersion
	}
	if event.Duration > 0 {
		payload["duration_seconds"] = event.Duration.Seconds()
	}
	if event.Error != nil {
		payload["error"] = event.Error.Error()
	}
	if len(event.Metadata) > 0 {
		payload["metadata"] = event.Metadata
	}

	return json.Marshal(payload)
}

// calculateBackoff calculates the sleep duration for the given attempt.
func (p *WebhookProvider) calculateBackoff(attempt int) time.Duration {
	initial := p.config.Retry.InitialWait

	switch strings.ToLower(p.config.Retry.Backoff) {
	case "linear":
		return initial * time.Duration(attempt)
	case "exponential":
		return initial * time.Duration(1<<(attempt-1))
	default:
		return initial
	}
}

// BuildProviders validates each webhook configuration and returns the
// providers in order.
func BuildProviders(ctx context.Context, configs []WebhookConfig) ([]NotificationProvider, error) {
	providers := make([]NotificationProvider, 0, len(configs))
	for i, cfg := range configs {
		p := NewWebhookProvider(cfg)
		if err := p.Validate(ctx); err != nil {
			return nil, fmt.Errorf("notifications.webhooks[%d] (%s): %w", i, p.Name(), err)
		}
		providers = append(providers, p)
	}
	return providers, nil
}
