package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pdfqueue/internal/api"
	"pdfqueue/internal/catalog"
	"pdfqueue/internal/engine"
	"pdfqueue/internal/queue"
)

const shutdownTimeout = 10 * time.Second

func NewServeCmd(app *App) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and the worker unless worker.embedded is false)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config
			log := app.Logger

			// An embedded worker holds the pid file for the life of the
			// server, so worker start refuses to run alongside it.
			var ctl *engine.Control
			if cfg.Worker.Embedded {
				var err error
				if ctl, err = app.claimWorker(force); err != nil {
					return fmt.Errorf("%w (set worker.embedded=false to serve without a worker)", err)
				}
				defer ctl.RemovePID()
			}

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

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				queue.LogEvents(ctx, q, log.Named("events"))
			}()

			if cfg.Worker.Embedded {
				w, err := app.newWorker(ctx, q)
				if err != nil {
					return err
				}
				w.Control = ctl
				wg.Add(1)
				go func() {
					defer wg.Done()
					w.Run(ctx)
				}()
			}

			srv := api.NewServer(q, catalog.New(cfg.API.Domain), api.Config{
				Addr:             cfg.HTTP.Addr,
				ReadTimeout:      cfg.HTTP.ReadTimeout,
				WriteTimeout:     cfg.HTTP.WriteTimeout,
				IdleTimeout:      cfg.HTTP.IdleTimeout,
				Ceiling:          cfg.API.Ceiling,
				WaitTimeout:      cfg.API.WaitTimeout,
				WaitPollInterval: cfg.API.WaitPollInterval,
				RetryAfter:       cfg.API.RetryAfter,
				ServiceName:      cfg.API.ServiceName,
				CORSAllowOrigins: cfg.HTTP.CORSAllowOrigins,
				CORSAllowMethods: cfg.HTTP.CORSAllowMethods,
			}, log.Named("http"))

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ListenAndServe() }()

			select {
			case <-ctx.Done():
				log.Info("shutting down")
			case err = <-errCh:
				stop()
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if serr := srv.Shutdown(shutdownCtx); serr != nil {
				log.Warn("http shutdown", zap.Error(serr))
			}

			// The worker finishes its current job before returning.
			wg.Wait()
			return err
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "discard a stale worker pid file")
	return cmd
}
