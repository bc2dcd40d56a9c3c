package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"pdfqueue/internal/engine"
)

func NewWorkerStopCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop the running worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctl := engine.NewControl(app.Config.Worker.ControlDir)
			if !ctl.Running() {
				fmt.Fprintln(cmd.OutOrStdout(), "No worker pid file found; requesting stop anyway.")
			}
			if err := ctl.CreateStopFile(); err != nil {
				return fmt.Errorf("failed to request stop: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Stop requested. The worker will exit after finishing the current job.")
			return nil
		},
	}
}
