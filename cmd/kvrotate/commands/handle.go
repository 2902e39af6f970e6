package commands

import (
	"github.com/spf13/cobra"
)

// NewHandleCommand creates the handle command
func NewHandleCommand(opts *GlobalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "handle [file|-]",
		Short: "Run one notification through the rotation pipeline",
		Long: `Reads a single Event Grid SecretNearExpiry notification from a file or stdin
and rotates the secret it names, exactly as the queue worker would. The result
is printed even when the rotation fails.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			body, err := readInput(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}

			cfg, logger, err := opts.Load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			svc, err := opts.services(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			res, runErr := svc.Pipeline.Handle(cmd.Context(), body)
			if err := render(cmd.OutOrStdout(), format, res); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "json", "Output format: json or yaml")
	return cmd
}
