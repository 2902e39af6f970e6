package commands

import (
	"github.com/spf13/cobra"
	"github.com/systmms/kvrotate/internal/event"
)

// NewDecodeCommand creates the decode command
func NewDecodeCommand(opts *GlobalOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "decode [file|-]",
		Short: "Validate a notification and print it in normalized form",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			if len(args) == 1 {
				path = args[0]
			}
			body, err := readInput(cmd.InOrStdin(), path)
			if err != nil {
				return err
			}

			n, err := event.Decode(body)
			if err != nil {
				return err
			}
			return render(cmd.OutOrStdout(), format, n)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "o", "json", "Output format: json or yaml")
	return cmd
}
