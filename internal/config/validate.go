package config

import (
	"fmt"
	"net/url"
	"strings"

	dserrors "github.com/systmms/kvrotate/internal/errors"
	"github.com/systmms/kvrotate/internal/logging"
	"github.com/systmms/kvrotate/internal/queue"
)

// Validate checks settings every command needs.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return dserrors.ConfigError{
			Field:      "logging.level",
			Value:      c.Logging.Level,
			Message:    err.Error(),
			Suggestion: "Use debug, info, warn or error",
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "console":
	default:
		return dserrors.ConfigError{
			Field:      "logging.format",
			Value:      c.Logging.Format,
			Message:    "unknown log format",
			Suggestion: "Use json or console",
		}
	}

	if err := c.validateLease(); err != nil {
		return err
	}

	if _, err := queue.ParseEncoding(c.Queue.MessageEncoding); err != nil {
		return dserrors.ConfigError{
			Field:      "queue.message_encoding",
			Value:      c.Queue.MessageEncoding,
			Message:    err.Error(),
			Suggestion: "Use auto, base64 or none",
		}
	}
	if c.Queue.BatchSize < 1 || c.Queue.BatchSize > 32 {
		return dserrors.ConfigError{
			Field:   "queue.batch_size",
			Value:   c.Queue.BatchSize,
			Message: "must be between 1 and 32",
		}
	}
	if c.Queue.Concurrency < 1 {
		return dserrors.ConfigError{Field: "queue.concurrency", Value: c.Queue.Concurrency, Message: "must be at least 1"}
	}
	if c.Queue.MaxDequeueCount < 1 {
		return dserrors.ConfigError{Field: "queue.max_dequeue_count", Value: c.Queue.MaxDequeueCount, Message: "must be at least 1"}
	}

	if err := httpsURL("directory.endpoint", c.Directory.Endpoint); err != nil {
		return err
	}
	if c.Notifications.QueueSize < 1 {
		return dserrors.ConfigError{Field: "notifications.queue_size", Value: c.Notifications.QueueSize, Message: "must be at least 1"}
	}
	for i, wh := range c.Notifications.Webhooks {
		if wh.URL == "" {
			return dserrors.ConfigError{
				Field:   fmt.Sprintf("notifications.webhooks[%d].url", i),
				Message: "webhook url is required",
			}
		}
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return dserrors.ConfigError{Field: "metrics.address", Message: "required when metrics are enabled"}
	}
	return nil
}

// ValidateWorker additionally checks what the queue worker needs.
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Queue.ConnectionString == "" && c.Queue.ServiceURL == "" {
		return dserrors.ConfigError{
			Field:      "queue.connection_string",
			Message:    "no storage connection configured",
			Suggestion: "Set AzureWebJobsStorage, KVROTATE_QUEUE_CONNECTION__STRING or KVROTATE_QUEUE_SERVICE__URL",
		}
	}
	if c.Queue.ConnectionString == "" {
		return httpsURL("queue.service_url", c.Queue.ServiceURL)
	}
	return nil
}

func (c *Config) validateLease() error {
	switch strings.ToLower(c.Lease.Backend) {
	case "", "local":
		return nil
	case "redis":
		if c.Lease.RedisURL == "" {
			return dserrors.ConfigError{
				Field:      "lease.redis_url",
				Message:    "required for the redis lease backend",
				Suggestion: "Set KVROTATE_LEASE_REDIS__URL, e.g. rediss://:password@cache:6380/0",
			}
		}
		return nil
	default:
		return dserrors.ConfigError{
			Field:      "lease.backend",
			Value:      c.Lease.Backend,
			Message:    "unknown lease backend",
			Suggestion: "Use 'local' or 'redis'",
		}
	}
}

func httpsURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return dserrors.ConfigError{
			Field:   field,
			Value:   raw,
			Message: "must be an https URL",
		}
	}
	return nil
}
