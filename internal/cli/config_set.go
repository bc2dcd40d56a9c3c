package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"pdfqueue/internal/store"
)

var configKeys = map[string]bool{
	store.ConfigMaxAttempts:   true,
	store.ConfigBackoffBaseMS: true,
	store.ConfigBackoffCapMS:  true,
}

func NewConfigSetCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Args:  cobra.ExactArgs(2),
		Short: "Set a runtime override",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			if !configKeys[key] {
				return fmt.Errorf("unknown config key %q", key)
			}
			if n, err := strconv.Atoi(value); err != nil || n < 1 {
				return fmt.Errorf("%s must be a positive integer", key)
			}
			if err := app.Store.SetConfig(cmd.Context(), key, value); err != nil {
				return fmt.Errorf("failed to set config: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Updated:", key, "=", value)
			return nil
		},
	}
}
