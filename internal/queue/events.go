package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"pdfqueue/internal/model"
)

type EventType string

const (
	EventWaiting   EventType = "waiting"
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventDrained   EventType = "drained"
)

// Event is a job lifecycle notification. Delivery is best effort; readers
// that need the truth re-read the job.
type Event struct {
	Type     EventType     `json:"type"`
	JobID    string        `json:"jobId,omitempty"`
	Progress int           `json:"progress,omitempty"`
	Attempts int           `json:"attempts,omitempty"`
	Terminal bool          `json:"terminal,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Result   *model.Result `json:"result,omitempty"`
	At       time.Time     `json:"at"`
}

// Notifier fans events out to subscribers. Subscribe returns a channel and
// a cancel func that releases the subscription; the channel is closed once
// released.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(ctx context.Context) (<-chan Event, func())
	Close() error
}

const hubBuffer = 64

// Hub is the in-process Notifier. A subscriber that does not keep up loses
// events instead of blocking the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	closed bool
}

func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context) (<-chan Event, func()) {
	ch := make(chan Event, hubBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			h.mu.Lock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
			h.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, release)
	cancel := func() {
		stop()
		release()
	}
	return ch, cancel
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for ch := range h.subs {
		delete(h.subs, ch)
		close(ch)
	}
	return nil
}

// LogEvents writes completed, failed and drained events to logger until
// ctx ends.
func LogEvents(ctx context.Context, q *Queue, logger *zap.Logger) {
	events, cancel := q.Subscribe(ctx)
	defer cancel()

	for ev := range events {
		switch ev.Type {
		case EventCompleted:
			fields := []zap.Field{zap.String("job_id", ev.JobID)}
			if ev.Result != nil {
				fields = append(fields, zap.String("url", ev.Result.URL), zap.Int("size", ev.Result.Size))
			}
			logger.Info("job completed", fields...)
		case EventFailed:
			logger.Warn("job failed",
				zap.String("job_id", ev.JobID),
				zap.Int("attempts", ev.Attempts),
				zap.Bool("terminal", ev.Terminal),
				zap.String("reason", ev.Reason))
		case EventDrained:
			logger.Debug("queue drained")
		}
	}
}
