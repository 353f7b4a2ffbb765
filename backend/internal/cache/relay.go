package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collabsync/backend/internal/collab"

	"github.com/cenkalti/backoff"
	redis "github.com/redis/go-redis/v9"
)

// RedisRelay 通过 Redis pub/sub 在节点之间转发房间消息，每个房间一个频道
type RedisRelay struct {
	rdb redis.UniversalClient
	log *slog.Logger
}

func NewRedisRelay(rdb redis.UniversalClient, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{rdb: rdb, log: logger.With("component", "relay")}
}

// Publish 短暂失败时重试两次
func (r *RedisRelay) Publish(ctx context.Context, msg collab.RelayMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.Reset()
	op := func() error {
		return r.rdb.Publish(ctx, relayChannel(msg.Key), payload).Err()
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx)); err != nil {
		return fmt.Errorf("relay publish %s: %w", msg.Key, err)
	}
	return nil
}

// Subscribe 订阅确认后才返回，之后的消息按到达顺序交给 handler
func (r *RedisRelay) Subscribe(ctx context.Context, entityKey string, handler func(collab.RelayMessage)) (func(), error) {
	ps := r.rdb.Subscribe(ctx, relayChannel(entityKey))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("relay subscribe %s: %w", entityKey, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range ps.Channel() {
			var msg collab.RelayMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.log.Warn("drop undecodable relay message", "channel", m.Channel, "err", err)
				continue
			}
			handler(msg)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = ps.Close()
			<-done
		})
	}, nil
}
