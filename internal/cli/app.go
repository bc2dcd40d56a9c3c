package cli

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"pdfqueue/internal/engine"
	"pdfqueue/internal/objectstore"
	"pdfqueue/internal/queue"
	"pdfqueue/internal/render"
)

// openQueue builds the queue over the app store. Events go through Redis
// when enabled so a separate worker process can reach waiting requests.
func (a *App) openQueue() (*queue.Queue, queue.Notifier, error) {
	var notifier queue.Notifier = queue.NewHub()
	if a.Config.Redis.Enabled {
		rn, err := queue.NewRedisNotifier(a.Config.RedisOptions(), a.Logger.Named("events"))
		if err != nil {
			return nil, nil, err
		}
		notifier = rn
		a.Logger.Info("using redis for job events",
			zap.String("addr", a.Config.Redis.Addr),
			zap.String("channel", a.Config.Redis.Channel))
	}

	q := queue.New(a.Store, a.Config.QueueOptions(),
		queue.WithNotifier(notifier),
		queue.WithLogger(a.Logger.Named("queue")))
	return q, notifier, nil
}

// newWorker wires the Chrome renderer and the S3 store into a worker.
func (a *App) newWorker(ctx context.Context, q *queue.Queue) (*engine.Worker, error) {
	storage, err := objectstore.NewS3Store(ctx, a.Config.StorageOptions(), a.Logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}

	chrome := a.Config.ChromeOptions()
	chrome.Logger = a.Logger.Named("render")
	renderer := render.NewChromeRenderer(chrome)

	w := engine.NewWorker(q, renderer, storage, a.Logger.Named("worker"))
	w.KeyPrefix = a.Config.Storage.KeyPrefix
	w.PollInterval = a.Config.Worker.PollInterval
	return w, nil
}

func (a *App) startJanitor(q *queue.Queue) (*queue.Janitor, error) {
	j := queue.NewJanitor(q, a.Logger.Named("janitor"))
	if err := j.Start(a.Config.Queue.ReapSchedule, a.Config.Queue.PruneSchedule); err != nil {
		return nil, fmt.Errorf("janitor: %w", err)
	}
	return j, nil
}

// claimWorker takes the pid file so that only one process, serve with an
// embedded worker or worker start, executes jobs against the database.
// force discards a pid file left behind by a crashed process.
func (a *App) claimWorker(force bool) (*engine.Control, error) {
	ctl := engine.NewControl(a.Config.Worker.ControlDir)
	if force {
		ctl.RemovePID()
	}
	if err := ctl.Acquire(os.Getpid()); err != nil {
		return nil, fmt.Errorf("%w; stop it first, or pass --force if the pid file is stale", err)
	}
	ctl.RemoveStopFile()
	return ctl, nil
}
