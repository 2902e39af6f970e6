package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/systmms/kvrotate/internal/config"
	dserrors "github.com/systmms/kvrotate/internal/errors"
	"github.com/systmms/kvrotate/internal/logging"
	"gopkg.in/yaml.v3"
)

// GlobalOptions carries the root flags to every subcommand.
type GlobalOptions struct {
	ConfigFile string
	EnvFile    string
	Debug      bool

	// BuildServices overrides how the rotation services are wired.
	BuildServices func(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Services, error)
}

// Load reads the configuration and builds the logger it asks for.
func (o *GlobalOptions) Load() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(config.LoadOptions{Path: o.ConfigFile, EnvFile: o.EnvFile})
	if err != nil {
		return nil, nil, err
	}

	level := cfg.Logging.Level
	if o.Debug {
		level = "debug"
	}
	logger, err := logging.New(logging.Options{Level: level, Format: cfg.Logging.Format})
	if err != nil {
		return nil, nil, dserrors.ConfigError{Field: "logging", Message: err.Error()}
	}
	return cfg, logger, nil
}

func (o *GlobalOptions) services(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Services, error) {
	if o.BuildServices != nil {
		return o.BuildServices(ctx, cfg, logger)
	}
	return BuildServices(ctx, cfg, logger)
}

// readInput reads a file, or stdin when path is "-" or empty.
func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, dserrors.UserError{
			Message:    fmt.Sprintf("cannot read notification file %s", path),
			Err:        err,
			Suggestion: "Pass a path to an Event Grid notification, or - for stdin",
		}
	}
	return data, nil
}

func render(w io.Writer, format string, v any) error {
	switch strings.ToLower(format) {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return dserrors.UserError{
			Message:    fmt.Sprintf("unknown output format %q", format),
			Suggestion: "Use --format json or --format yaml",
		}
	}
}
