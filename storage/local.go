package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"xmonitor/pkg/notifier"
)

// Local stores subscriber documents as files in a directory.
type Local struct {
	logger  *slog.Logger
	syncDir func(path string) error
	path    string
}

// NewLocal creates the directory if needed.
func NewLocal(path string, logger *slog.Logger) (*Local, error) {
	if path == "" {
		path = "./data"
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create local storage directory: %w", err)
	}
	return &Local{path: path, logger: logger, syncDir: syncDir}, nil
}

// Save writes the document to a temp file, syncs it, then renames it over the
// previous version so a crash never leaves a partial document behind.
func (l *Local) Save(ctx context.Context, sub *notifier.Subscriber) error {
	data, err := encode(sub)
	if err != nil {
		return err
	}
	key := SubscriberKey(sub.ChatID)

	tmp, err := os.CreateTemp(l.path, ".tmp-"+key+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if rmErr := os.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			l.logger.Warn("Failed to remove temp file", "path", tmpName, "error", rmErr)
		}
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write to local storage: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync local storage: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}

	filePath := filepath.Join(l.path, key)
	if err := os.Rename(tmpName, filePath); err != nil {
		cleanup()
		return fmt.Errorf("rename into place: %w", err)
	}
	// The rename is only durable once the directory entry is on disk.
	if err := l.syncDir(l.path); err != nil {
		return fmt.Errorf("sync local storage directory: %w", err)
	}

	l.logger.Debug("Subscriber saved to local storage", "path", filePath, "chat_id", sub.ChatID, "watch_count", len(sub.Watches))
	return nil
}

func syncDir(path string) error {
	d, err := os.Open(path)
	if err != nil {
		return err
	}
	if err := d.Sync(); err != nil {
		_ = d.Close()
		return err
	}
	return d.Close()
}

// List reads every subscriber document in the directory.
func (l *Local) List(ctx context.Context) ([]*notifier.Subscriber, error) {
	entries, err := os.ReadDir(l.path)
	if err != nil {
		return nil, fmt.Errorf("read local storage directory: %w", err)
	}

	var subs []*notifier.Subscriber
	for _, entry := range entries {
		if entry.IsDir() || !isSubscriberKey(entry.Name()) {
			continue
		}

		data, err := os.ReadFile(filepath.Join(l.path, entry.Name()))
		if err != nil {
			l.logger.Warn("Failed to read subscriber", "file", entry.Name(), "error", err)
			continue
		}
		sub, err := decode(data)
		if err != nil {
			l.logger.Warn("Skipping corrupt subscriber", "file", entry.Name(), "error", err)
			continue
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

// Close is a no-op.
func (*Local) Close() error { return nil }
