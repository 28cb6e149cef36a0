// Package storage handles durable persistence of subscribers.
//
// Every backend stores one JSON document per subscriber. Save must not return
// before the document is durable, and a failed Save leaves the previous
// document intact.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"xmonitor/pkg/notifier"
)

// Supported drivers.
const (
	DriverLocal  = "local"
	DriverGCS    = "gcs"
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

var (
	// ErrCorrupt indicates a stored document could not be decoded.
	ErrCorrupt = errors.New("storage: corrupt subscriber document")

	chatIDRegex = regexp.MustCompile(`^-?[0-9]{1,20}$`)
)

// Backend persists subscriber documents.
type Backend interface {
	// Save durably writes the subscriber document.
	Save(ctx context.Context, sub *notifier.Subscriber) error
	// List returns every readable subscriber. Corrupt documents are logged and skipped.
	List(ctx context.Context) ([]*notifier.Subscriber, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver     string
	LocalPath  string
	Bucket     string
	SQLitePath string
	RedisAddr  string
	RedisKey   string
}

// Open creates the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Backend, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverLocal:
		return NewLocal(cfg.LocalPath, logger)
	case DriverGCS:
		if cfg.Bucket == "" {
			return nil, errors.New("STORAGE_BUCKET required for gcs driver")
		}
		return NewGCS(ctx, cfg.Bucket, logger)
	case DriverSQLite:
		return NewSQLite(ctx, cfg.SQLitePath, logger)
	case DriverRedis:
		return NewRedis(ctx, cfg.RedisAddr, cfg.RedisKey, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// SubscriberKey generates a stable object name from a chat id.
// Returns "" for ids that are not plain integers, which keeps them out of paths.
func SubscriberKey(chatID string) string {
	if !chatIDRegex.MatchString(chatID) {
		return ""
	}
	return fmt.Sprintf("sub-%s.json", chatID)
}

func isSubscriberKey(name string) bool {
	return strings.HasPrefix(name, "sub-") && strings.HasSuffix(name, ".json")
}

func encode(sub *notifier.Subscriber) ([]byte, error) {
	if SubscriberKey(sub.ChatID) == "" {
		return nil, fmt.Errorf("invalid chat id %q", sub.ChatID)
	}
	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal subscriber: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*notifier.Subscriber, error) {
	var sub notifier.Subscriber
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if sub.ChatID == "" {
		return nil, fmt.Errorf("%w: missing chat id", ErrCorrupt)
	}
	if sub.Watches == nil {
		sub.Watches = make(map[string]*notifier.Watch)
	}
	for key, w := range sub.Watches {
		if w == nil || w.Handle == "" {
			delete(sub.Watches, key)
		}
	}
	return &sub, nil
}

// retryOpts is shared by the remote backends.
func retryOpts(ctx context.Context, logger *slog.Logger, op, key string) []retry.Option {
	return []retry.Option{
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2 * time.Minute),
		retry.MaxJitter(10 * time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("Retrying storage operation after error", "op", op, "attempt", n, "key", key, "error", err)
		}),
	}
}
