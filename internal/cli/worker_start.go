package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// NewWorkerStartCmd runs one worker in the foreground. Jobs run one at a
// time; there is no concurrency flag.
func NewWorkerStartCmd(app *App) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the render worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl, err := app.claimWorker(force)
			if err != nil {
				return err
			}
			defer ctl.RemovePID()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			q, notifier, err := app.openQueue()
			if err != nil {
				return err
			}
			defer notifier.Close()

			janitor, err := app.startJanitor(q)
			if err != nil {
				return err
			}
			defer janitor.Stop()

			w, err := app.newWorker(ctx, q)
			if err != nil {
				return err
			}
			w.Control = ctl

			fmt.Fprintf(cmd.OutOrStdout(), "Worker started (PID: %d). Use `pdfqueue worker stop` to stop.\n", os.Getpid())
			w.Run(ctx)
			fmt.Fprintln(cmd.OutOrStdout(), "Worker stopped.")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "discard a stale pid file")
	return cmd
}
