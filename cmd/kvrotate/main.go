package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/systmms/kvrotate/cmd/kvrotate/commands"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := &commands.GlobalOptions{}

	rootCmd := &cobra.Command{
		Use:   "kvrotate",
		Short: "Rotate Entra ID application secrets when Key Vault reports them near expiry",
		Long: `kvrotate consumes Key Vault SecretNearExpiry notifications, mints a new
password credential on the application named by the secret's tags, stores it
as a new secret version and updates the matching Azure DevOps service
connection.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "Config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", "", "Dotenv file loaded before reading the environment (default .env if present)")
	rootCmd.PersistentFlags().BoolVar(&opts.Debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(
		commands.NewWorkerCommand(opts),
		commands.NewHandleCommand(opts),
		commands.NewDecodeCommand(opts),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
