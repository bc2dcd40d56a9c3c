package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewResetCmd(app *App) *cobra.Command {
	var keepConfig bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear all jobs and runtime overrides (development only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Store.ResetQueue(cmd.Context()); err != nil {
				return fmt.Errorf("failed to clear jobs: %w", err)
			}
			if !keepConfig {
				if err := app.Store.ResetConfig(cmd.Context()); err != nil {
					return fmt.Errorf("failed to clear config: %w", err)
				}
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Queue cleared.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&keepConfig, "keep-config", false, "keep runtime overrides")
	return cmd
}
