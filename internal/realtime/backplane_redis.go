package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultChannelPrefix = "devcircle:room:"

// NewRedisClient connects to the server named by a redis:// URL and checks it responds.
func NewRedisClient(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// RedisBackplane fans room events out across processes with Redis Pub/Sub. One
// channel exists per room; every process pattern-subscribes to all of them.
type RedisBackplane struct {
	client *goredis.Client
	prefix string
	logger *zap.Logger

	sub    *goredis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBackplane wraps a connected client.
func NewRedisBackplane(client *goredis.Client, logger *zap.Logger) *RedisBackplane {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBackplane{client: client, prefix: defaultChannelPrefix, logger: logger}
}

// Start subscribes and blocks until the subscription is confirmed.
func (b *RedisBackplane) Start(ctx context.Context, deliver DeliverFunc) error {
	sub := b.client.PSubscribe(ctx, b.prefix+"*")
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("failed to subscribe to room channels: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.sub = sub
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		messages := sub.Channel()
		for {
			select {
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("dropping malformed backplane event", zap.String("channel", msg.Channel), zap.Error(err))
					continue
				}
				deliver(strings.TrimPrefix(msg.Channel, b.prefix), event)
			case <-runCtx.Done():
				return
			}
		}
	}()
	return nil
}

func (b *RedisBackplane) Publish(ctx context.Context, room string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return b.client.Publish(ctx, b.prefix+room, payload).Err()
}

// Close unsubscribes. The client itself stays open and belongs to the caller.
func (b *RedisBackplane) Close() error {
	if b.cancel == nil {
		return nil
	}
	b.cancel()
	err := b.sub.Close()
	b.wg.Wait()
	return err
}
