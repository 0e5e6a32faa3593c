// Package feed carries the live issue change feed over Redis pub/sub.
// Every committed issue mutation publishes the issue id; live views
// subscribe and re-read on each message. Subscriptions are explicitly
// released via the returned cancel function.
package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const channelIssues = "bugbase.issues.changed"

type Redis struct {
	client *redis.Client
}

func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Publish announces that an issue changed. Callers treat failures as
// non-fatal; the store remains the source of truth.
func (f *Redis) Publish(ctx context.Context, issueID string) error {
	if err := f.client.Publish(ctx, channelIssues, issueID).Err(); err != nil {
		return fmt.Errorf("publish issue change: %w", err)
	}
	return nil
}

// Subscribe returns a channel of changed issue ids and a cancel function.
// The channel closes once cancel is called or ctx ends; callers must cancel
// when the view goes away or the subscription leaks.
func (f *Redis) Subscribe(ctx context.Context) (<-chan string, func()) {
	sub := f.client.Subscribe(ctx, channelIssues)
	out := make(chan string)
	done := make(chan struct{})

	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				case <-done:
					return
				}
			}
		}
	}()

	var cancelled bool
	cancel := func() {
		if cancelled {
			return
		}
		cancelled = true
		close(done)
		_ = sub.Close()
	}
	return out, cancel
}

// Close closes the Redis connection
func (f *Redis) Close() error {
	return f.client.Close()
}

// Ping checks if Redis is reachable
func (f *Redis) Ping(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}
