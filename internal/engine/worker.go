package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"pdfqueue/internal/model"
	"pdfqueue/internal/objectstore"
	"pdfqueue/internal/queue"
	"pdfqueue/internal/render"
)

const (
	ProgressStarted  = 10
	ProgressRendered = 60
	ProgressUploaded = 100

	defaultPollInterval = 300 * time.Millisecond
	claimErrorDelay     = time.Second
)

var ErrEmptyDocument = errors.New("rendered document is empty")

// Worker runs jobs one at a time: render the page, upload the document,
// record the result. It never retries a job itself; failures go back to
// the queue, which decides whether to requeue.
type Worker struct {
	Queue        *queue.Queue
	Renderer     render.Renderer
	Storage      objectstore.Store
	KeyPrefix    string
	PollInterval time.Duration
	// Control, when set, is checked for a stop request between jobs.
	Control *Control
	Logger  *zap.Logger

	now func() time.Time
}

func NewWorker(q *queue.Queue, r render.Renderer, s objectstore.Store, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		Queue:        q,
		Renderer:     r,
		Storage:      s,
		KeyPrefix:    objectstore.DefaultKeyPrefix,
		PollInterval: defaultPollInterval,
		Logger:       logger,
		now:          time.Now,
	}
}

// Run claims and executes jobs until ctx is cancelled or a stop file
// appears. A job already running when ctx ends is finished first.
func (w *Worker) Run(ctx context.Context) {
	poll := w.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}

	events, unsubscribe := w.Queue.Subscribe(ctx)
	defer unsubscribe()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	w.Logger.Info("worker started", zap.Duration("poll_interval", poll))
	idle := false

	for {
		select {
		case <-ctx.Done():
			w.Logger.Info("worker shutting down gracefully")
			return
		default:
		}

		if w.Control != nil && w.Control.ShouldStop() {
			w.Logger.Info("stop file found, worker exiting")
			return
		}

		job, err := w.Queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			w.Logger.Error("claim failed", zap.Error(err))
			sleep(ctx, claimErrorDelay)
			continue
		}

		if job == nil {
			if !idle {
				idle = true
				w.Queue.Drained(ctx)
			}
			select {
			case <-ctx.Done():
			case <-ticker.C:
			case _, ok := <-events:
				if !ok {
					events = nil
				}
			}
			continue
		}

		idle = false
		w.process(ctx, job)
	}
}

// process executes job detached from ctx's cancellation, bounded by the
// queue's lock duration, and records the outcome.
func (w *Worker) process(ctx context.Context, job *model.Job) {
	log := w.Logger.With(
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts))
	log.Info("running job", zap.String("url", job.Payload.URL))

	base := context.WithoutCancel(ctx)
	execCtx, cancel := context.WithTimeout(base, w.Queue.LockDuration())
	defer cancel()

	start := time.Now()
	result, err := w.safeExecute(execCtx, job)
	if err == nil {
		err = w.Queue.Complete(base, job, result)
		if err == nil {
			log.Info("job completed",
				zap.String("url", result.URL),
				zap.String("size", humanize.Bytes(uint64(result.Size))),
				zap.Duration("duration", time.Since(start)))
			return
		}
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn("job finished after its lock expired, result discarded")
			return
		}
		err = fmt.Errorf("record result: %w", err)
	}

	if errors.Is(err, queue.ErrLeaseLost) {
		log.Warn("job lock lost during execution")
		return
	}

	terminal, ferr := w.Queue.Fail(base, job, err)
	if ferr != nil {
		log.Error("failed to record job failure", zap.Error(ferr), zap.NamedError("cause", err))
		return
	}
	if terminal {
		log.Error("job failed permanently", zap.Error(err))
	} else {
		log.Warn("job failed, retry scheduled", zap.Error(err))
	}
}

func (w *Worker) safeExecute(ctx context.Context, job *model.Job) (result model.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return w.execute(ctx, job)
}

func (w *Worker) execute(ctx context.Context, job *model.Job) (model.Result, error) {
	if err := w.progress(ctx, job, ProgressStarted); err != nil {
		return model.Result{}, err
	}

	profile, ok := render.Lookup(job.Payload.Profile)
	if !ok {
		return model.Result{}, fmt.Errorf("unknown render profile %q", job.Payload.Profile)
	}

	data, err := w.Renderer.Render(ctx, job.Payload.URL, profile)
	if err != nil {
		return model.Result{}, err
	}
	if len(data) == 0 {
		return model.Result{}, ErrEmptyDocument
	}

	if err := w.progress(ctx, job, ProgressRendered); err != nil {
		return model.Result{}, err
	}

	key := objectstore.Key(w.KeyPrefix, job.Payload, w.now())
	url, err := w.Storage.Store(ctx, data, key)
	if err != nil {
		return model.Result{}, err
	}

	if err := w.progress(ctx, job, ProgressUploaded); err != nil {
		return model.Result{}, err
	}

	return model.Result{
		Status: model.ResultSuccess,
		URL:    url,
		Size:   len(data),
		Key:    key,
	}, nil
}

// progress is advisory; only a lost lease stops the job.
func (w *Worker) progress(ctx context.Context, job *model.Job, pct int) error {
	err := w.Queue.Progress(ctx, job, pct)
	if errors.Is(err, queue.ErrLeaseLost) {
		return err
	}
	if err != nil {
		w.Logger.Warn("progress update failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
