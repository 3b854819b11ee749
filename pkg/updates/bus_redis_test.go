package updates

import (
	"context"
	"testing"
	"time"

	"github.com/nimburion/chatsync/pkg/observability/logger"
	"github.com/nimburion/chatsync/pkg/store/redis"
	"github.com/nimburion/chatsync/pkg/testutil"
)

func waitForEvent(t *testing.T, ch <-chan UpdateEvent) UpdateEvent {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return UpdateEvent{}
	}
}

func TestRedisBus_Integration(t *testing.T) {
	url := testutil.StartRedis(t)

	adapter, err := redis.Open(redis.Config{URL: url}, logger.NewNop())
	if err != nil {
		t.Fatalf("redis.Open() error = %v", err)
	}
	defer adapter.Close()

	// Two buses on one server stand in for two service processes.
	publisher := NewRedisBus(adapter.Client(), RedisBusConfig{Prefix: "test"}, nil, nil)
	subscriber := NewRedisBus(adapter.Client(), RedisBusConfig{Prefix: "test"}, nil, nil)
	defer publisher.Close()
	defer subscriber.Close()

	ctx := context.Background()
	aEvents := make(chan UpdateEvent, 4)
	bEvents := make(chan UpdateEvent, 4)
	subA, err := subscriber.Subscribe(ctx, "a", func(e UpdateEvent) { aEvents <- e })
	if err != nil {
		t.Fatalf("Subscribe(a) error = %v", err)
	}
	if _, err := subscriber.Subscribe(ctx, "b", func(e UpdateEvent) { bEvents <- e }); err != nil {
		t.Fatalf("Subscribe(b) error = %v", err)
	}

	if err := publisher.Publish(ctx, sampleEvent("a", 1)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := waitForEvent(t, aEvents); got.Seqno != 1 || got.RecipientID != "a" {
		t.Fatalf("unexpected event %+v", got)
	}

	if err := publisher.Publish(ctx, sampleEvent("b", 7)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := waitForEvent(t, bEvents); got.Seqno != 7 {
		t.Fatalf("unexpected event %+v", got)
	}

	if err := subA.Close(); err != nil {
		t.Fatalf("subscription Close() error = %v", err)
	}
	_ = publisher.Publish(ctx, sampleEvent("a", 2))
	select {
	case evt := <-aEvents:
		t.Fatalf("closed subscription received %+v", evt)
	case <-time.After(200 * time.Millisecond):
	}

	// A malformed message on a subscribed channel is dropped, not delivered.
	if err := adapter.Client().Publish(ctx, ChannelName("test", "b"), "not-json").Err(); err != nil {
		t.Fatalf("raw publish error = %v", err)
	}
	_ = publisher.Publish(ctx, sampleEvent("b", 8))
	if got := waitForEvent(t, bEvents); got.Seqno != 8 {
		t.Fatalf("expected the next valid event, got %+v", got)
	}
}

func TestRedisBus_CloseWhileHandlerUnsubscribes(t *testing.T) {
	url := testutil.StartRedis(t)

	adapter, err := redis.Open(redis.Config{URL: url}, logger.NewNop())
	if err != nil {
		t.Fatalf("redis.Open() error = %v", err)
	}
	defer adapter.Close()

	bus := NewRedisBus(adapter.Client(), RedisBusConfig{Prefix: "close"}, nil, nil)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var sub Subscription
	subReady := make(chan struct{})
	sub, err = bus.Subscribe(ctx, "a", func(UpdateEvent) {
		<-subReady
		close(entered)
		<-release
		// A slow live connection dropping its last subscription ends here.
		_ = sub.Close()
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	close(subReady)

	if err := bus.Publish(ctx, sampleEvent("a", 1)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never ran")
	}

	closed := make(chan error, 1)
	go func() { closed <- bus.Close() }()
	// Let Close reach its wait on dispatch before the handler unsubscribes.
	time.Sleep(100 * time.Millisecond)
	close(release)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() did not return while a handler was unsubscribing")
	}

	if _, err := bus.Subscribe(ctx, "b", func(UpdateEvent) {}); err != ErrBusClosed {
		t.Fatalf("Subscribe() after Close error = %v, want ErrBusClosed", err)
	}
}
