package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/codeGROOVE-dev/retry"
	"github.com/redis/go-redis/v9"

	"xmonitor/pkg/notifier"
)

const defaultRedisKey = "xmonitor:subscribers"

// Redis stores subscriber documents as fields of one hash. Durability
// follows the server's AOF/RDB configuration.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	key    string
}

// NewRedis connects to addr and verifies the connection.
func NewRedis(ctx context.Context, addr, key string, logger *slog.Logger) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("REDIS_ADDR required for redis driver")
	}
	if key == "" {
		key = defaultRedisKey
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client, key: key, logger: logger}, nil
}

// Save sets the subscriber's hash field.
func (r *Redis) Save(ctx context.Context, sub *notifier.Subscriber) error {
	data, err := encode(sub)
	if err != nil {
		return err
	}
	err = retry.Do(
		func() error {
			return r.client.HSet(ctx, r.key, sub.ChatID, data).Err()
		},
		retryOpts(ctx, r.logger, "save", sub.ChatID)...,
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	r.logger.Debug("Subscriber saved to redis", "chat_id", sub.ChatID, "watch_count", len(sub.Watches))
	return nil
}

// List reads the whole hash.
func (r *Redis) List(ctx context.Context) ([]*notifier.Subscriber, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("read subscribers hash: %w", err)
	}

	subs := make([]*notifier.Subscriber, 0, len(fields))
	for chatID, doc := range fields {
		sub, err := decode([]byte(doc))
		if err != nil {
			r.logger.Warn("Skipping corrupt subscriber", "chat_id", chatID, "error", err)
			continue
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
