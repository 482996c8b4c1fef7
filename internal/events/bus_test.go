package events

import (
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *Bus {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewBus(logger)
}

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	var got []string
	b.Subscribe(OrderPlaced, func(Event) error { got = append(got, "first"); return nil })
	b.Subscribe(OrderPlaced, func(Event) error { got = append(got, "second"); return nil })
	b.SubscribeAll(func(Event) error { got = append(got, "tap"); return nil })

	b.Publish(Event{Type: OrderPlaced})

	require.Equal(t, []string{"first", "second", "tap"}, got,
		"typed handlers in subscription order, then catch-all")
}

func TestPublishDoesNotCrossTopics(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	var calls int
	b.Subscribe(OrderFilled, func(Event) error { calls++; return nil })
	b.Publish(Event{Type: OrderCancelled})

	assert.Zero(t, calls)
}

func TestFailingHandlerIsIsolated(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	var after bool
	b.Subscribe(OrderPlaced, func(Event) error { return errors.New("boom") })
	b.Subscribe(OrderPlaced, func(Event) error { after = true; return nil })

	b.Publish(Event{Type: OrderPlaced})
	assert.True(t, after, "handler after the failing one must still run")
}

func TestPublishAsyncWaitsForAllHandlers(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	var count atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	for i := 0; i < 8; i++ {
		b.Subscribe(PositionUpdated, func(Event) error {
			wg.Wait() // all handlers blocked until released below
			count.Add(1)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		b.PublishAsync(Event{Type: PositionUpdated})
		close(done)
	}()

	wg.Done()
	<-done
	assert.Equal(t, int32(8), count.Load())
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	var calls int
	sub := b.Subscribe(OrderPlaced, func(Event) error { calls++; return nil })
	b.Publish(Event{Type: OrderPlaced})
	b.Unsubscribe(sub)
	b.Publish(Event{Type: OrderPlaced})

	assert.Equal(t, 1, calls)
}

func TestUnsubscribeAllTap(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	var calls int
	sub := b.SubscribeAll(func(Event) error { calls++; return nil })
	b.Publish(Event{Type: SessionStarted})
	b.Unsubscribe(sub)
	b.Publish(Event{Type: SessionStarted})

	assert.Equal(t, 1, calls)
}

func TestRecentRing(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	for i := 0; i < ringSize+10; i++ {
		b.Publish(Event{Type: HealthCheck, Data: i})
	}

	recent := b.Recent()
	require.Len(t, recent, ringSize)
	assert.Equal(t, 10, recent[0].Data, "oldest surviving event first")
	assert.Equal(t, ringSize+9, recent[len(recent)-1].Data)
}

func TestSubscribeFromHandlerDoesNotDeadlock(t *testing.T) {
	t.Parallel()
	b := newTestBus()

	b.Subscribe(SessionStarted, func(Event) error {
		b.Subscribe(SessionStopped, func(Event) error { return nil })
		return nil
	})
	b.Publish(Event{Type: SessionStarted}) // must not deadlock
}
