package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestHubFanOut(t *testing.T) {
	hub := NewHub()
	ctx := context.Background()

	a, cancelA := hub.Subscribe(ctx)
	b, cancelB := hub.Subscribe(ctx)
	defer cancelA()
	defer cancelB()

	require.NoError(t, hub.Publish(ctx, Event{Type: EventWaiting, JobID: "j1"}))

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, "j1", ev.JobID)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestHubCancelReleasesSubscription(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(context.Background())
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after cancel")
}

func TestHubContextCancelReleasesSubscription(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	_, release := hub.Subscribe(ctx)
	defer release()

	cancel()
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 10*time.Millisecond)
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	_, cancel := hub.Subscribe(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < hubBuffer*2; i++ {
			hub.Publish(context.Background(), Event{Type: EventProgress})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHubClose(t *testing.T) {
	hub := NewHub()
	ch, cancel := hub.Subscribe(context.Background())
	defer cancel()

	require.NoError(t, hub.Close())
	_, ok := <-ch
	assert.False(t, ok)

	late, _ := hub.Subscribe(context.Background())
	_, ok = <-late
	assert.False(t, ok)
}

// Requires a reachable Redis; set PDFQ_TEST_REDIS_ADDR to run.
func TestRedisNotifierRoundTrip(t *testing.T) {
	addr := os.Getenv("PDFQ_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PDFQ_TEST_REDIS_ADDR not set")
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	n := NewRedisNotifierWithClient(client, "pdfqueue:test:"+t.Name(), zaptest.NewLogger(t))
	ctx := context.Background()

	events, cancel := n.Subscribe(ctx)
	defer cancel()

	require.NoError(t, n.Publish(ctx, Event{Type: EventCompleted, JobID: "abc", Attempts: 1}))

	select {
	case ev := <-events:
		assert.Equal(t, EventCompleted, ev.Type)
		assert.Equal(t, "abc", ev.JobID)
	case <-time.After(3 * time.Second):
		t.Fatal("no event received from redis")
	}
}
