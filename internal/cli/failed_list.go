package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func NewFailedListCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List permanently failed jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := app.Store.ListFailed(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No failed jobs.")
				return nil
			}

			for _, j := range jobs {
				finished := "-"
				if j.FinishedAt != nil {
					finished = humanize.Time(*j.FinishedAt)
				}
				fmt.Fprintf(out, "%s | attempts=%d/%d | %s | %s | reason=%s\n",
					j.ID, j.Attempts, j.MaxAttempts, finished, j.Payload.URL, j.LastError)
			}
			return nil
		},
	}
}
