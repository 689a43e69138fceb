package pubsub

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"drive-collab/internal/logging"
)

// RedisRelay relays messages through Redis pub/sub, one channel per document.
type RedisRelay struct {
	client *redis.Client
	logger logging.Logger

	wg sync.WaitGroup
}

// DialRedis connects to the Redis server at addr and checks it is reachable.
func DialRedis(ctx context.Context, addr string) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis %s: %w", addr, err)
	}
	return NewRedisRelay(client), nil
}

// NewRedisRelay creates a relay on an existing client.
func NewRedisRelay(client *redis.Client) *RedisRelay {
	return &RedisRelay{
		client: client,
		logger: logging.New("pubsub"),
	}
}

// Publish sends msg to the channel of its document.
func (r *RedisRelay) Publish(ctx context.Context, msg Message) error {
	raw, err := encode(msg)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, Channel(msg.DocumentID), raw).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", Channel(msg.DocumentID), err)
	}
	return nil
}

// Subscribe delivers every message of documentID to handler until the
// returned function is called.
func (r *RedisRelay) Subscribe(ctx context.Context, documentID string, handler Handler) (func(), error) {
	sub := r.client.Subscribe(ctx, Channel(documentID))
	// wait for the subscription to be confirmed so no publication is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", Channel(documentID), err)
	}

	ch := sub.Channel()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for m := range ch {
			msg, err := decode([]byte(m.Payload))
			if err != nil {
				r.logger.Warnw("dropping relay message", "channel", m.Channel, "error", err)
				continue
			}
			handler(msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Close(); err != nil {
				r.logger.Warnw("failed to close subscription", "document", documentID, "error", err)
			}
		})
	}, nil
}

// Close waits for subscriptions to end and closes the client. Call every
// unsubscribe function first.
func (r *RedisRelay) Close() error {
	err := r.client.Close()
	r.wg.Wait()
	return err
}
