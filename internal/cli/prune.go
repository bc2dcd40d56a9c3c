package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewPruneCmd(app *App) *cobra.Command {
	var recoverExpired bool

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove terminal jobs past their retention",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, notifier, err := app.openQueue()
			if err != nil {
				return err
			}
			defer notifier.Close()

			out := cmd.OutOrStdout()
			if recoverExpired {
				n, err := q.RecoverExpired(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Recovered %d expired jobs.\n", n)
			}

			n, err := q.Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "Pruned %d jobs.\n", n)
			return nil
		},
	}

	cmd.Flags().BoolVar(&recoverExpired, "recover", false, "also re-deliver active jobs whose lock expired")
	return cmd
}
