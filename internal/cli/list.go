package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pdfqueue/internal/model"
)

func NewListCmd(app *App) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs in the queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch model.State(state) {
			case "", model.StateQueued, model.StateActive, model.StateCompleted, model.StateFailed:
			default:
				return fmt.Errorf("unknown state %q", state)
			}

			jobs, err := app.Store.ListJobs(cmd.Context(), model.State(state))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}

			for _, j := range jobs {
				fmt.Fprintf(out, "%s | %-9s | %3d%% | attempts=%d/%d | %s | %s\n",
					j.ID, j.State, j.Progress, j.Attempts, j.MaxAttempts,
					humanize.Time(j.UpdatedAt), j.Payload.FileName)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "Filter by job state (queued,active,completed,failed)")
	return cmd
}
