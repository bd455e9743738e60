package storage

import (
	"context"
	"fmt"

	"github.com/danmuck/calcheck/internal/logging"
	"github.com/redis/go-redis/v9"
)

// RedisOptions selects the server and channel.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	// HistoryLimit bounds the per-run list kept next to the channel.
	HistoryLimit int64
}

// RedisPublisher publishes each event on a pub/sub channel and keeps a
// trimmed list per run.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	limit   int64
}

var _ Publisher = (*RedisPublisher)(nil)

// NewRedisPublisher connects and pings the server.
func NewRedisPublisher(ctx context.Context, opts RedisOptions) (*RedisPublisher, error) {
	if opts.Channel == "" {
		opts.Channel = "calcheck:readings"
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 1000
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("storage: redis ping %s: %w", opts.Addr, err)
	}
	logging.Infof("storage.RedisPublisher connected addr=%s channel=%s", opts.Addr, opts.Channel)
	return &RedisPublisher{client: client, channel: opts.Channel, limit: opts.HistoryLimit}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("storage: redis publish: %w", err)
	}

	key := historyKey(ev.RunID)
	pipe := p.client.Pipeline()
	pipe.RPush(ctx, key, payload)
	pipe.LTrim(ctx, key, -p.limit, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		logging.Warnf("storage.RedisPublisher history write failed key=%s err=%v", key, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func historyKey(runID string) string {
	return fmt.Sprintf("calcheck:run:%s", runID)
}
