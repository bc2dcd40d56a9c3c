package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"pdfqueue/internal/queue"
)

func NewFailedRetryCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <jobID>",
		Short: "Move a failed job back to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, notifier, err := app.openQueue()
			if err != nil {
				return err
			}
			defer notifier.Close()

			id := args[0]
			if err := q.RetryFailed(cmd.Context(), id, queue.WithCeiling(app.Config.API.Ceiling)); err != nil {
				if errors.Is(err, queue.ErrQueueFull) {
					return fmt.Errorf("queue full (%d outstanding jobs), retry later", app.Config.API.Ceiling)
				}
				if errors.Is(err, queue.ErrJobNotFound) {
					return fmt.Errorf("no failed job with id %s", id)
				}
				return fmt.Errorf("retry failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Job returned to queue:", id)
			return nil
		},
	}
}
