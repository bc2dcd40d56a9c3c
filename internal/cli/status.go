package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pdfqueue/internal/model"
)

func NewStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := app.Store.QueueStatus(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Queue Status:")
			for _, state := range []model.State{model.StateQueued, model.StateActive, model.StateCompleted, model.StateFailed} {
				fmt.Fprintf(out, "  %-10s %s\n", state, humanize.Comma(int64(stats[state])))
			}
			outstanding := stats[model.StateQueued] + stats[model.StateActive]
			fmt.Fprintf(out, "  %-10s %d/%d\n", "ceiling", outstanding, app.Config.API.Ceiling)
			return nil
		},
	}
}
