package cli

import "github.com/spf13/cobra"

func NewConfigRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Runtime queue overrides: max_attempts, backoff_base_ms, backoff_cap_ms",
	}
}
