// Package config loads kvrotate settings from defaults, an optional YAML file,
// KVROTATE_ environment variables and the legacy Azure Functions app settings.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/systmms/kvrotate/internal/devops"
	"github.com/systmms/kvrotate/internal/directory"
	dserrors "github.com/systmms/kvrotate/internal/errors"
	"github.com/systmms/kvrotate/internal/metrics"
	"github.com/systmms/kvrotate/internal/notifications"
	"github.com/systmms/kvrotate/internal/queue"
	"github.com/systmms/kvrotate/internal/vault"
)

// EnvPrefix prefixes every environment variable read into the config.
const EnvPrefix = "KVROTATE_"

// Legacy Azure Functions app settings still honoured.
const (
	LegacyManagedIdentityClientID = "ManagedIdentityClientId"
	LegacyStorageConnection       = "AzureWebJobsStorage"
	LegacyQueueServiceURI         = "AzureWebJobsStorage__queueServiceUri"
)

// developmentStorage is the documented Azurite connection string that
// "UseDevelopmentStorage=true" stands for.
const developmentStorage = "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;" +
	"AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;" +
	"QueueEndpoint=http://127.0.0.1:10001/devstoreaccount1;"

// Config holds the runtime configuration
type Config struct {
	// Path is the file the config was read from, if any.
	Path string `koanf:"-"`

	Identity      IdentityConfig       `koanf:"identity"`
	Queue         QueueConfig          `koanf:"queue"`
	Vault         VaultConfig          `koanf:"vault"`
	Directory     DirectoryConfig      `koanf:"directory"`
	DevOps        DevOpsConfig         `koanf:"devops"`
	Lease         LeaseConfig          `koanf:"lease"`
	Metrics       metrics.ServerConfig `koanf:"metrics"`
	Notifications NotificationsConfig  `koanf:"notifications"`
	Logging       LoggingConfig        `koanf:"logging"`
}

// IdentityConfig selects the user-assigned managed identity, if any.
type IdentityConfig struct {
	ManagedIdentityClientID string `koanf:"managed_identity_client_id"`
}

// QueueConfig describes the trigger queue.
type QueueConfig struct {
	// ConnectionString is a storage account connection string.
	ConnectionString string `koanf:"connection_string"`
	// ServiceURL is used with the credential chain when no connection string
	// is set, e.g. https://account.queue.core.windows.net.
	ServiceURL        string        `koanf:"service_url"`
	Name              string        `koanf:"name"`
	BatchSize         int32         `koanf:"batch_size"`
	VisibilityTimeout time.Duration `koanf:"visibility_timeout"`
	Concurrency       int           `koanf:"concurrency"`
	MaxDequeueCount   int64         `koanf:"max_dequeue_count"`
	PollInterval      time.Duration `koanf:"poll_interval"`
	MaxPollInterval   time.Duration `koanf:"max_poll_interval"`
	MessageEncoding   string        `koanf:"message_encoding"`
}

// ListenerOptions converts the section for queue.NewListener. The encoding
// must already have been validated.
func (q QueueConfig) ListenerOptions() queue.Options {
	enc, _ := queue.ParseEncoding(q.MessageEncoding)
	return queue.Options{
		BatchSize:         q.BatchSize,
		VisibilityTimeout: q.VisibilityTimeout,
		Concurrency:       q.Concurrency,
		MaxDequeueCount:   q.MaxDequeueCount,
		PollInterval:      q.PollInterval,
		MaxPollInterval:   q.MaxPollInterval,
		Encoding:          enc,
	}
}

// VaultConfig holds Key Vault settings.
type VaultConfig struct {
	// DNSSuffix is appended to the vault name, for sovereign clouds.
	DNSSuffix string `koanf:"dns_suffix"`
}

// DirectoryConfig holds Microsoft Graph settings.
type DirectoryConfig struct {
	Endpoint string `koanf:"endpoint"`
	Scope    string `koanf:"scope"`
}

// DevOpsConfig holds Azure DevOps settings.
type DevOpsConfig struct {
	Scope string `koanf:"scope"`
}

// LeaseConfig selects how concurrent rotations of a secret are serialised.
type LeaseConfig struct {
	// Backend is local or redis.
	Backend      string        `koanf:"backend"`
	RedisURL     string        `koanf:"redis_url"`
	TTL          time.Duration `koanf:"ttl"`
	WaitTimeout  time.Duration `koanf:"wait_timeout"`
	PollInterval time.Duration `koanf:"poll_interval"`
}

// NotificationsConfig configures lifecycle event delivery.
type NotificationsConfig struct {
	QueueSize int                           `koanf:"queue_size"`
	Webhooks  []notifications.WebhookConfig `koanf:"webhooks"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// LoadOptions tells Load where to look.
type LoadOptions struct {
	// Path is an optional YAML file. A missing file is an error only when
	// set explicitly.
	Path string
	// EnvFile is an optional dotenv file loaded before the environment is
	// read. Variables already set win.
	EnvFile string
}

// Default returns the built-in configuration.
func Default() *Config {
	q := queue.DefaultOptions()
	return &Config{
		Queue: QueueConfig{
			Name:              queue.DefaultQueueName,
			BatchSize:         q.BatchSize,
			VisibilityTimeout: q.VisibilityTimeout,
			Concurrency:       q.Concurrency,
			MaxDequeueCount:   q.MaxDequeueCount,
			PollInterval:      q.PollInterval,
			MaxPollInterval:   q.MaxPollInterval,
			MessageEncoding:   string(q.Encoding),
		},
		Vault:     VaultConfig{DNSSuffix: vault.DefaultDNSSuffix},
		Directory: DirectoryConfig{Endpoint: directory.DefaultEndpoint, Scope: directory.DefaultScope},
		DevOps:    DevOpsConfig{Scope: devops.DefaultScope},
		Lease: LeaseConfig{
			Backend:      "local",
			TTL:          10 * time.Minute,
			WaitTimeout:  30 * time.Second,
			PollInterval: 250 * time.Millisecond,
		},
		Metrics:       metrics.DefaultServerConfig(),
		Notifications: NotificationsConfig{QueueSize: 100},
		Logging:       LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load builds the configuration. Later sources override earlier ones:
// defaults, the YAML file, KVROTATE_ variables. The legacy Functions settings
// only fill values still unset.
func Load(opts LoadOptions) (*Config, error) {
	if err := loadEnvFile(opts.EnvFile); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.Path = opts.Path
	k := koanf.New(".")

	if opts.Path != "" {
		if _, err := os.Stat(opts.Path); err != nil {
			return nil, dserrors.ConfigError{
				Field:      "config",
				Value:      opts.Path,
				Message:    "config file not readable",
				Suggestion: "Check the --config path",
			}
		}
		if err := k.Load(file.Provider(opts.Path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", opts.Path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := k.Load(confmap.Provider(legacySettings(k), "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load legacy settings: %w", err)
	}

	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		DecoderConfig: &mapstructure.DecoderConfig{
			TagName:          "koanf",
			WeaklyTypedInput: true,
			Result:           cfg,
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		},
	}); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps KVROTATE_QUEUE_BATCH__SIZE to queue.batch_size: a single
// underscore nests, a double one is a literal underscore.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	s = strings.ReplaceAll(s, "__", "%UNDERSCORE%")
	s = strings.ReplaceAll(s, "_", ".")
	return strings.ReplaceAll(s, "%UNDERSCORE%", "_")
}

func legacySettings(k *koanf.Koanf) map[string]interface{} {
	out := map[string]interface{}{}
	fill := func(key, setting string) {
		if k.String(key) != "" {
			return
		}
		v := strings.TrimSpace(os.Getenv(setting))
		if v == "" {
			return
		}
		if setting == LegacyStorageConnection && strings.EqualFold(v, "UseDevelopmentStorage=true") {
			v = developmentStorage
		}
		out[key] = v
	}
	fill("identity.managed_identity_client_id", LegacyManagedIdentityClientID)
	fill("queue.connection_string", LegacyStorageConnection)
	fill("queue.service_url", LegacyQueueServiceURI)
	return out
}

func loadEnvFile(path string) error {
	if path == "" {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		return dserrors.ConfigError{
			Field:   "env-file",
			Value:   path,
			Message: fmt.Sprintf("cannot load env file: %v", err),
		}
	}
	return nil
}
