// Package queue turns the job store into a work queue: it applies per-job
// options at enqueue time, gates activations with a rate limiter, hands
// out leases to the executor and publishes lifecycle events.
//
// The queue does not promise FIFO delivery. Jobs are claimed oldest
// available first, but retries, backoff and multiple producers reorder
// them, so consumers must not depend on submission order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"pdfqueue/internal/model"
	"pdfqueue/internal/store"
)

var (
	ErrJobNotFound = store.ErrJobNotFound
	ErrLeaseLost   = store.ErrLeaseLost
	// ErrQueueFull is the admission rejection: too many outstanding jobs.
	ErrQueueFull = errors.New("queue is over capacity, retry later")
	// ErrLockExpired is recorded as the failure reason of a job whose
	// executor held it past the lock duration.
	ErrLockExpired = errors.New("job lock expired before the job finished")
)

// Config holds the defaults applied to every enqueued job and the
// dispatch limits.
type Config struct {
	MaxAttempts   int
	Backoff       model.Backoff
	KeepCompleted time.Duration
	KeepFailed    time.Duration
	LockDuration  time.Duration
	// RateLimit jobs may become active per RateWindow.
	RateLimit  int
	RateWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		Backoff:       model.Backoff{Base: 3 * time.Second, Cap: 5 * time.Minute},
		KeepCompleted: 48 * time.Hour,
		LockDuration:  3 * time.Minute,
		RateLimit:     10,
		RateWindow:    time.Second,
	}
}

type Queue struct {
	store    *store.Store
	cfg      Config
	limiter  *rate.Limiter
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Queue)

func WithNotifier(n Notifier) Option {
	return func(q *Queue) { q.notifier = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

func New(st *store.Store, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.LockDuration <= 0 {
		cfg.LockDuration = def.LockDuration
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = def.RateWindow
	}

	// Burst 1 spaces activations RateWindow/RateLimit apart, so no window
	// of RateWindow ever holds more than RateLimit of them.
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.RateWindow/time.Duration(cfg.RateLimit)), 1)
	}

	q := &Queue{
		store:   st,
		cfg:     cfg,
		limiter: limiter,
		logger:  zap.NewNop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.notifier == nil {
		q.notifier = NewHub()
	}
	return q
}

func (q *Queue) LockDuration() time.Duration { return q.cfg.LockDuration }

type enqueueOptions struct {
	maxAttempts int
	backoff     model.Backoff
	retention   model.Retention
	ceiling     int
	delay       time.Duration
}

type EnqueueOption func(*enqueueOptions)

func WithMaxAttempts(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

func WithBackoff(b model.Backoff) EnqueueOption {
	return func(o *enqueueOptions) { o.backoff = b }
}

func WithRetention(r model.Retention) EnqueueOption {
	return func(o *enqueueOptions) { o.retention = r }
}

// WithCeiling rejects the job with ErrQueueFull when ceiling jobs are
// already outstanding. The check and the insert are one statement.
func WithCeiling(n int) EnqueueOption {
	return func(o *enqueueOptions) { o.ceiling = n }
}

func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) { o.delay = d }
}

// defaults merges the configured job defaults with the runtime overrides
// stored by `pdfqueue config set`.
func (q *Queue) defaults(ctx context.Context) enqueueOptions {
	return enqueueOptions{
		maxAttempts: q.store.IntConfig(ctx, store.ConfigMaxAttempts, q.cfg.MaxAttempts),
		backoff: model.Backoff{
			Base: time.Duration(q.store.IntConfig(ctx, store.ConfigBackoffBaseMS, int(q.cfg.Backoff.Base.Milliseconds()))) * time.Millisecond,
			Cap:  time.Duration(q.store.IntConfig(ctx, store.ConfigBackoffCapMS, int(q.cfg.Backoff.Cap.Milliseconds()))) * time.Millisecond,
		},
		retention: model.Retention{Completed: q.cfg.KeepCompleted, Failed: q.cfg.KeepFailed},
	}
}

// Enqueue stores a new queued job. The payload is not validated here.
func (q *Queue) Enqueue(ctx context.Context, p model.Payload, opts ...EnqueueOption) (*model.Job, error) {
	o := q.defaults(ctx)
	for _, opt := range opts {
		opt(&o)
	}

	now := q.now()
	j := &model.Job{
		ID:          uuid.NewString(),
		Payload:     p,
		State:       model.StateQueued,
		MaxAttempts: o.maxAttempts,
		Backoff:     o.backoff,
		Retention:   o.retention,
		CreatedAt:   now,
		UpdatedAt:   now,
		AvailableAt: now.Add(o.delay),
	}

	if err := q.store.Enqueue(ctx, j, o.ceiling); err != nil {
		if errors.Is(err, store.ErrAtCapacity) {
			return nil, ErrQueueFull
		}
		return nil, err
	}

	q.publish(ctx, Event{Type: EventWaiting, JobID: j.ID})
	q.logger.Debug("job enqueued", zap.String("job_id", j.ID), zap.String("file_name", p.FileName))
	return j, nil
}

func (q *Queue) GetJob(ctx context.Context, id string) (*model.Job, error) {
	return q.store.GetJob(ctx, id)
}

// Count returns the number of outstanding (queued or active) jobs.
func (q *Queue) Count(ctx context.Context) (int, error) {
	return q.store.CountOutstanding(ctx)
}

func (q *Queue) Stats(ctx context.Context) (map[model.State]int, error) {
	return q.store.QueueStatus(ctx)
}

// Claim activates the next ready job, waiting for the rate limiter first.
// It returns nil, nil when no job is ready.
func (q *Queue) Claim(ctx context.Context) (*model.Job, error) {
	ready, err := q.store.HasReady(ctx, q.now())
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, nil
	}

	if err := q.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	j, err := q.store.ClaimOne(ctx, q.now(), q.cfg.LockDuration, uuid.NewString())
	if err != nil || j == nil {
		return nil, err
	}

	q.publish(ctx, Event{Type: EventActive, JobID: j.ID, Attempts: j.Attempts})
	return j, nil
}

func (q *Queue) Progress(ctx context.Context, j *model.Job, progress int) error {
	if err := q.store.UpdateProgress(ctx, j.ID, j.LeaseToken, progress, q.now()); err != nil {
		return err
	}
	j.Progress = max(j.Progress, progress)
	q.publish(ctx, Event{Type: EventProgress, JobID: j.ID, Progress: progress})
	return nil
}

func (q *Queue) Complete(ctx context.Context, j *model.Job, result model.Result) error {
	if err := q.store.Complete(ctx, j, result, q.now()); err != nil {
		return err
	}
	q.publish(ctx, Event{Type: EventCompleted, JobID: j.ID, Result: &result, Attempts: j.Attempts})
	return nil
}

// Fail records a failed execution. The job is requeued with backoff while
// attempts remain; terminal reports whether it is now permanently failed.
func (q *Queue) Fail(ctx context.Context, j *model.Job, execErr error) (bool, error) {
	terminal, err := q.store.FailRetry(ctx, j, q.now(), execErr)
	if err != nil {
		return false, err
	}
	reason := ""
	if execErr != nil {
		reason = execErr.Error()
	}
	q.publish(ctx, Event{
		Type:     EventFailed,
		JobID:    j.ID,
		Reason:   reason,
		Attempts: j.Attempts,
		Terminal: terminal,
	})
	return terminal, nil
}

// Drained announces that the executor found nothing left to run.
func (q *Queue) Drained(ctx context.Context) {
	q.publish(ctx, Event{Type: EventDrained})
}

// RecoverExpired fails every active job whose lock ran out so it can be
// delivered to another execution attempt.
func (q *Queue) RecoverExpired(ctx context.Context) (int, error) {
	expired, err := q.store.ExpiredLeases(ctx, q.now())
	if err != nil {
		return 0, fmt.Errorf("list expired leases: %w", err)
	}

	recovered := 0
	for i := range expired {
		j := &expired[i]
		terminal, err := q.Fail(ctx, j, ErrLockExpired)
		if errors.Is(err, ErrLeaseLost) {
			// finished between the query and the update
			continue
		}
		if err != nil {
			return recovered, err
		}
		recovered++
		q.logger.Warn("job lock expired",
			zap.String("job_id", j.ID),
			zap.Int("attempts", j.Attempts),
			zap.Bool("terminal", terminal))
	}
	return recovered, nil
}

// Prune removes terminal jobs past their retention window.
func (q *Queue) Prune(ctx context.Context) (int64, error) {
	return q.store.Prune(ctx, q.now())
}

// RetryFailed requeues a terminally failed job. Only WithCeiling is
// honoured among opts.
func (q *Queue) RetryFailed(ctx context.Context, id string, opts ...EnqueueOption) error {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := q.store.RetryFailed(ctx, id, q.now(), o.ceiling); err != nil {
		if errors.Is(err, store.ErrAtCapacity) {
			return ErrQueueFull
		}
		return err
	}
	q.publish(ctx, Event{Type: EventWaiting, JobID: id})
	return nil
}

// Subscribe returns lifecycle events until cancel is called or ctx ends.
func (q *Queue) Subscribe(ctx context.Context) (<-chan Event, func()) {
	return q.notifier.Subscribe(ctx)
}

func (q *Queue) publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = q.now()
	}
	if err := q.notifier.Publish(context.WithoutCancel(ctx), ev); err != nil {
		q.logger.Warn("publish event failed", zap.String("event", string(ev.Type)), zap.Error(err))
	}
}
