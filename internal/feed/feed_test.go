package feed

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupTestFeed(t *testing.T) *Redis {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisWithClient(client)
}

func TestPublishReachesSubscriber(t *testing.T) {
	f := setupTestFeed(t)
	ctx, cancelCtx := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelCtx()

	changes, cancel := f.Subscribe(ctx)
	defer cancel()

	// Subscription setup races the publish; retry until delivered.
	deadline := time.After(3 * time.Second)
	publish := time.NewTicker(50 * time.Millisecond)
	defer publish.Stop()
	for {
		select {
		case <-publish.C:
			if err := f.Publish(ctx, "iss_42"); err != nil {
				t.Fatalf("Publish: %v", err)
			}
		case issueID := <-changes:
			if issueID != "iss_42" {
				t.Fatalf("received %q, want iss_42", issueID)
			}
			return
		case <-deadline:
			t.Fatal("timed out waiting for change event")
		}
	}
}

func TestCancelClosesChannel(t *testing.T) {
	f := setupTestFeed(t)
	ctx := context.Background()

	changes, cancel := f.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-changes:
		if open {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after cancel")
	}
}

func TestCancelIsIdempotent(t *testing.T) {
	f := setupTestFeed(t)
	_, cancel := f.Subscribe(context.Background())
	cancel()
	cancel()
}

func TestContextCancellationClosesChannel(t *testing.T) {
	f := setupTestFeed(t)
	ctx, cancelCtx := context.WithCancel(context.Background())

	changes, cancel := f.Subscribe(ctx)
	defer cancel()
	cancelCtx()

	select {
	case _, open := <-changes:
		if open {
			t.Fatal("expected closed channel after context cancellation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after context cancellation")
	}
}
