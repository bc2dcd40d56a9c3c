package queue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultReapSchedule  = "@every 30s"
	DefaultPruneSchedule = "@every 10m"
)

// Janitor periodically re-delivers jobs whose lock expired and removes
// terminal jobs past their retention.
type Janitor struct {
	queue  *Queue
	cron   *cron.Cron
	logger *zap.Logger
}

func NewJanitor(q *Queue, logger *zap.Logger) *Janitor {
	return &Janitor{
		queue:  q,
		cron:   cron.New(),
		logger: logger,
	}
}

// Start schedules both sweeps. Empty schedules fall back to the defaults.
func (j *Janitor) Start(reapSchedule, pruneSchedule string) error {
	if reapSchedule == "" {
		reapSchedule = DefaultReapSchedule
	}
	if pruneSchedule == "" {
		pruneSchedule = DefaultPruneSchedule
	}

	if _, err := j.cron.AddFunc(reapSchedule, j.reap); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc(pruneSchedule, j.prune); err != nil {
		return err
	}

	j.cron.Start()
	j.logger.Info("janitor started",
		zap.String("reap", reapSchedule),
		zap.String("prune", pruneSchedule))
	return nil
}

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("janitor stopped")
}

// RunOnce performs both sweeps immediately.
func (j *Janitor) RunOnce(ctx context.Context) (recovered int, pruned int64, err error) {
	recovered, err = j.queue.RecoverExpired(ctx)
	if err != nil {
		return recovered, 0, err
	}
	pruned, err = j.queue.Prune(ctx)
	return recovered, pruned, err
}

func (j *Janitor) reap() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := j.queue.RecoverExpired(ctx)
	if err != nil {
		j.logger.Error("lock expiry sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("re-delivered jobs with expired locks", zap.Int("count", n))
	}
}

func (j *Janitor) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	n, err := j.queue.Prune(ctx)
	if err != nil {
		j.logger.Error("retention sweep failed", zap.Error(err))
		return
	}
	if n > 0 {
		j.logger.Info("pruned expired jobs", zap.Int64("count", n))
	}
}
