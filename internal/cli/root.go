package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pdfqueue/internal/config"
	"pdfqueue/internal/logger"
	"pdfqueue/internal/store"
)

// App holds what every command needs. It is filled in before a command
// runs.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Store  *store.Store

	configFile string
}

func NewRootCmd() *cobra.Command {
	app := &App{}

	cmd := &cobra.Command{
		Use:           "pdfqueue",
		Short:         "PDF render job queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.close()
		},
	}

	cmd.PersistentFlags().StringVar(&app.configFile, "config", "", "config file (default ./pdfqueue.toml)")
	cmd.PersistentFlags().String("db", "", "path to the SQLite database")

	worker := NewWorkerRootCmd()
	worker.AddCommand(NewWorkerStartCmd(app), NewWorkerStopCmd(app))

	failed := NewFailedRootCmd()
	failed.AddCommand(NewFailedListCmd(app), NewFailedRetryCmd(app))

	cfg := NewConfigRootCmd()
	cfg.AddCommand(NewConfigGetCmd(app), NewConfigSetCmd(app))

	cmd.AddCommand(
		NewServeCmd(app),
		worker,
		NewEnqueueCmd(app),
		NewStatusCmd(app),
		NewListCmd(app),
		failed,
		cfg,
		NewPruneCmd(app),
		NewResetCmd(app),
	)
	return cmd
}

func (a *App) load(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configFile, cmd.Flags())
	if err != nil {
		return err
	}
	a.Config = cfg
	a.Logger = logger.New(cfg.Log).Named(cfg.App.Name)

	st, err := store.NewStore(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.DB.Path, err)
	}
	a.Store = st
	return nil
}

func (a *App) close() {
	if a.Store != nil {
		_ = a.Store.Close()
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}
